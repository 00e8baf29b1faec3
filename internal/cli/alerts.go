package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"moneymate/internal/alerts"
	"moneymate/internal/service"
)

var (
	alertTitle   string
	alertMessage string
	alertState   string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage stored price alerts",
}

var alertsAddCmd = &cobra.Command{
	Use:     "add CODE KIND THRESHOLD",
	Short:   "Create an alert (kinds: above, below, percent_change)",
	Example: "  moneymate alerts add TRY above 33\n  moneymate alerts add BTC percent_change 5",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := alerts.ParseKind(args[1])
		if err != nil {
			return err
		}
		threshold, err := decimal.NewFromString(args[2])
		if err != nil {
			return fmt.Errorf("invalid threshold %q: %w", args[2], err)
		}
		return getApp().AddAlert(cmd.Context(), service.AlertInput{
			CurrencyCode: args[0],
			Kind:         kind,
			Threshold:    threshold,
			Title:        alertTitle,
			Message:      alertMessage,
		})
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch alertState {
		case "", string(alerts.StateArmed), string(alerts.StateFired):
		default:
			return fmt.Errorf("--state must be %q or %q", alerts.StateArmed, alerts.StateFired)
		}
		return getApp().ListAlerts(cmd.Context(), alertState)
	},
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete one alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteAlert(cmd.Context(), args[0])
	},
}

var alertsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every triggered alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ClearTriggeredAlerts(cmd.Context())
	},
}

func init() {
	alertsAddCmd.Flags().StringVar(&alertTitle, "title", "", "Notification title (generated when empty)")
	alertsAddCmd.Flags().StringVar(&alertMessage, "message", "", "Notification message (generated when empty)")
	alertsListCmd.Flags().StringVar(&alertState, "state", "", "Filter by state (armed or fired)")

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsDeleteCmd, alertsClearCmd)
}
