package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"moneymate/internal/alerting"
	"moneymate/internal/alerts"
	"moneymate/internal/fetcher"
	"moneymate/internal/registry"
	"moneymate/internal/service"
)

// SimulateOptions describe a synthetic rate move for one currency.
type SimulateOptions struct {
	Code      string
	Kind      alerts.Kind
	Threshold decimal.Decimal
	// From and To are units of Code per base before and after the move.
	From decimal.Decimal
	To   decimal.Decimal
}

// SimulateAlert runs two refreshes over static rates and delivers whatever fires through
// the configured channels. It returns the firings for inspection.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) ([]alerts.Firing, error) {
	if !a.Config.Alerting.Enabled {
		return nil, errors.New("alerting is disabled")
	}
	if !opts.From.IsPositive() || !opts.To.IsPositive() {
		return nil, errors.New("--from and --to must be positive rates")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		notifier = alerting.NewLogNotifier(a.Logger)
	}

	cfg := *a.Config
	cfg.Alerting.SeedFile = ""
	cfg.Scheduler.AdvisoryLockKey = 0

	code := registry.NormalizeCode(opts.Code)
	static := &staticFetcher{rates: map[string]decimal.Decimal{code: opts.From}}

	svc, err := service.New(&cfg, service.Deps{
		Registry: registry.New(cfg.Registry.BaseCurrency, a.Logger),
		Primary:  static,
		Notifier: notifier,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	if _, err := svc.CreateAlert(ctx, service.AlertInput{
		CurrencyCode: code,
		Kind:         opts.Kind,
		Threshold:    opts.Threshold,
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := svc.Refresh(ctx, now); err != nil {
		return nil, err
	}
	static.set(code, opts.To)
	res, err := svc.Refresh(ctx, now.Add(cfg.Scheduler.Interval))
	if err != nil {
		return nil, err
	}

	if len(res.Fired) == 0 {
		fmt.Fprintf(a.Out, "%s %s %s: no alert fired (%s -> %s)\n", code, opts.Kind, opts.Threshold, opts.From, opts.To)
		return nil, nil
	}
	for _, f := range res.Fired {
		fmt.Fprintln(a.Out, alerting.RenderMessage(alerting.FromFiring(f, cfg.Alerting.Channels)))
	}
	return res.Fired, nil
}

type staticFetcher struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

func (s *staticFetcher) Name() string { return "simulated" }

func (s *staticFetcher) FetchRates(context.Context) (map[string]registry.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]registry.Quote, len(s.rates))
	for code, rate := range s.rates {
		out[code] = registry.Quote{Code: code, Rate: rate, Source: s.Name()}
	}
	return out, nil
}

func (s *staticFetcher) set(code string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[code] = rate
}

var _ fetcher.RateFetcher = (*staticFetcher)(nil)
