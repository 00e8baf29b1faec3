package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"moneymate/internal/app"
)

var (
	showCode  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent stored rates of one currency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showCode == "" {
			return fmt.Errorf("--code is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Code:  showCode,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCode, "code", "", "Currency code to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
