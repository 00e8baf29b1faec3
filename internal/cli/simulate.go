package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"moneymate/internal/alerts"
	"moneymate/internal/app"
)

var (
	simulateCode      string
	simulateKind      string
	simulateThreshold string
	simulateFrom      string
	simulateTo        string
)

var simulateCmd = &cobra.Command{
	Use:     "simulate-alert",
	Short:   "Replay a synthetic rate move and deliver any alert it fires",
	Example: "  moneymate simulate-alert --code TRY --kind above --threshold 33 --from 32.45 --to 33.10",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCode == "" {
			return errors.New("--code is required")
		}
		kind, err := alerts.ParseKind(simulateKind)
		if err != nil {
			return err
		}

		values := make([]decimal.Decimal, 3)
		for i, raw := range []struct{ flag, value string }{
			{"threshold", simulateThreshold},
			{"from", simulateFrom},
			{"to", simulateTo},
		} {
			d, err := decimal.NewFromString(raw.value)
			if err != nil {
				return fmt.Errorf("invalid --%s value %q", raw.flag, raw.value)
			}
			values[i] = d
		}

		_, err = getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Code:      simulateCode,
			Kind:      kind,
			Threshold: values[0],
			From:      values[1],
			To:        values[2],
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCode, "code", "", "Currency code")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "above", "Alert kind (above, below, percent_change)")
	simulateCmd.Flags().StringVar(&simulateThreshold, "threshold", "", "Alert threshold (rate, or percent for percent_change)")
	simulateCmd.Flags().StringVar(&simulateFrom, "from", "", "Rate before the move (units per base)")
	simulateCmd.Flags().StringVar(&simulateTo, "to", "", "Rate after the move (units per base)")
}
