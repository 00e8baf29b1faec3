package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"moneymate/internal/conversion"
	"moneymate/internal/registry"
)

// ConvertOptions describe one conversion request.
type ConvertOptions struct {
	Amount string
	From   string
	To     string
}

// Convert fetches live rates and prints amount converted between two currencies.
func (a *App) Convert(ctx context.Context, opts ConvertOptions) error {
	amount, err := decimal.NewFromString(strings.TrimSpace(opts.Amount))
	if err != nil {
		return fmt.Errorf("%w: %q", conversion.ErrInvalidAmount, opts.Amount)
	}

	svc, err := a.liveService(ctx)
	if err != nil {
		return err
	}

	res, err := svc.Convert(amount, opts.From, opts.To)
	if err != nil {
		return err
	}

	snap := svc.Snapshot()
	fromQuote, _ := snap.Quote(res.From)
	toQuote, _ := snap.Quote(res.To)

	fmt.Fprintf(a.Out, "%s %s = %s %s\n",
		conversion.Format(res.Amount, fromQuote.IsCrypto), res.From,
		conversion.Format(res.Converted, toQuote.IsCrypto), res.To)
	fmt.Fprintf(a.Out, "1 %s = %s %s (as of %s)\n", res.From, res.Rate.String(), res.To, res.AsOf.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// QuotesOptions filter the quotes table.
type QuotesOptions struct {
	Codes []string
}

// Quotes fetches live rates and prints them.
func (a *App) Quotes(ctx context.Context, opts QuotesOptions) error {
	svc, err := a.liveService(ctx)
	if err != nil {
		return err
	}
	return writeQuotesTable(a, svc.Snapshot(), opts.Codes)
}

func writeQuotesTable(a *App, snap *registry.Snapshot, only []string) error {
	codes := snap.Codes()
	if len(only) > 0 {
		codes = make([]string, 0, len(only))
		for _, c := range only {
			codes = append(codes, registry.NormalizeCode(c))
		}
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Code\tPer %s\tPrice (%s)\t24h %%\tSource\n", snap.Base, snap.Base)

	one := decimal.NewFromInt(1)
	for _, code := range codes {
		q, err := snap.Quote(code)
		if err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\tunavailable\n", code)
			continue
		}
		change := "-"
		if q.Change24h != nil {
			change = q.Change24h.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			q.Code,
			q.Rate.String(),
			conversion.Format(one.DivRound(q.Rate, 16), q.IsCrypto),
			change,
			q.Source,
		)
	}
	return writer.Flush()
}
