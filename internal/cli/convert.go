package cli

import (
	"github.com/spf13/cobra"

	"moneymate/internal/app"
)

var convertCmd = &cobra.Command{
	Use:     "convert AMOUNT FROM TO",
	Short:   "Convert an amount using live rates",
	Example: "  moneymate convert 100 USD TRY\n  moneymate convert 0.5 btc eur",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Convert(cmd.Context(), app.ConvertOptions{
			Amount: args[0],
			From:   args[1],
			To:     args[2],
		})
	},
}

var quotesCmd = &cobra.Command{
	Use:   "quotes [CODE...]",
	Short: "Print live rates against the base currency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quotes(cmd.Context(), app.QuotesOptions{Codes: args})
	},
}
