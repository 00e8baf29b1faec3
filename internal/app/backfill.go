package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"moneymate/internal/fetcher"
	"moneymate/internal/registry"
	"moneymate/internal/storage"
)

const day = 24 * time.Hour

// Backfill stores one end-of-day fiat table per UTC day in [From, To).
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := alignForward(opts.From.UTC(), day)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var quoteStore storage.QuoteStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		if closeStore != nil {
			defer closeStore()
		}
		quoteStore = store
	}

	fiat, _ := a.newFetchers()
	base := a.Config.Registry.BaseCurrency

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for d := start; d.Before(end); d = d.Add(day) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := a.backfillDay(gctx, fiat, quoteStore, base, d); err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Time("day", d).Msg("backfill failed")
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", processed.Load()).Int64("failed", failed.Load()).Msg("backfill finished")
	if failed.Load() > 0 {
		return fmt.Errorf("%d day(s) failed to backfill, see log", failed.Load())
	}
	return nil
}

func (a *App) backfillDay(ctx context.Context, fiat *fetcher.Fiat, store storage.QuoteStore, base string, d time.Time) error {
	raw, err := fiat.FetchRatesOn(ctx, d)
	if err != nil {
		return err
	}
	quotes, rejected := registry.Normalize(base, raw)
	if len(rejected) > 0 {
		a.Logger.Warn().Strs("codes", rejected).Time("day", d).Msg("dropping non-positive historical rates")
	}

	snap := registry.NewSnapshot(base, d, quotes, nil)
	points := storage.PointsFromSnapshot(snap)
	if store == nil {
		a.Logger.Info().Time("day", d).Int("quotes", len(points)).Msg("dry-run day")
		return nil
	}
	return store.InsertSnapshot(ctx, points)
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
