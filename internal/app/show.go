package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"moneymate/internal/alerts"
	"moneymate/internal/registry"
)

// Show prints a currency's most recent stored rates.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	code := registry.NormalizeCode(opts.Code)
	points, err := store.ListRecentRates(ctx, code, opts.Limit)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Fprintf(a.Out, "no history found for %s\n", code)
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\tRate\tChange%%\tSource\n")

	// points arrive newest first; change is measured against the next older row
	for i, p := range points {
		change := "-"
		if i+1 < len(points) {
			change = alerts.ChangePct(points[i+1].Rate, p.Rate).StringFixed(3)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			p.TakenAt.UTC().Format(time.RFC3339),
			p.Rate.String(),
			change,
			sanitizeInline(p.Source),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
