package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"moneymate/internal/alerts"
	"moneymate/internal/service"
)

// alertService opens the store and loads stored alerts into a service that never fetches.
func (a *App) alertService(ctx context.Context) (*service.Service, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; alerts are not persisted")
	}

	cfg := *a.Config
	cfg.Registry.WarmStart = false

	svc, err := a.newService(&cfg, store, nil, nil)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if err := svc.Bootstrap(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	return svc, closeStore, nil
}

// AddAlert stores a new armed alert.
func (a *App) AddAlert(ctx context.Context, in service.AlertInput) error {
	svc, closeStore, err := a.alertService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	created, err := svc.CreateAlert(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "created %s: %s\n", created.ID, created.Message)
	return nil
}

// ListAlerts prints stored alerts, optionally filtered by state.
func (a *App) ListAlerts(ctx context.Context, state string) error {
	svc, closeStore, err := a.alertService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ID\tCode\tKind\tThreshold\tState\tTriggered\n")
	for _, al := range svc.Alerts() {
		if state != "" && string(al.State()) != state {
			continue
		}
		triggered := "-"
		if at := al.TriggeredAt(); at != nil {
			triggered = at.UTC().Format(time.RFC3339)
		}
		threshold := al.Threshold.String()
		if al.Kind == alerts.KindPercentChange {
			threshold += "%"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			al.ID, al.CurrencyCode, al.Kind, threshold, al.State(), triggered)
	}
	return writer.Flush()
}

// DeleteAlert removes one stored alert.
func (a *App) DeleteAlert(ctx context.Context, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid alert id %q: %w", rawID, err)
	}

	svc, closeStore, err := a.alertService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := svc.DeleteAlert(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "deleted %s\n", id)
	return nil
}

// ClearTriggeredAlerts removes every fired alert.
func (a *App) ClearTriggeredAlerts(ctx context.Context) error {
	svc, closeStore, err := a.alertService(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := svc.ClearTriggered(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %d triggered alert(s)\n", n)
	return nil
}

// Prune deletes stored rates older than the retention window.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to prune")
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("rows", n).Msg("rate history pruned")
	fmt.Fprintf(a.Out, "deleted %d rate row(s) older than %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
