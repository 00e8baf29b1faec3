package alerts

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

var hundred = decimal.NewFromInt(100)

// QuoteSource exposes the current and previous value of a currency. Both Registry and
// Snapshot satisfy it; evaluating against a single Snapshot keeps a pass consistent.
type QuoteSource interface {
	Quote(code string) (registry.Quote, error)
	Previous(code string) (registry.Quote, error)
}

// Firing records one alert transition together with the rates that caused it.
type Firing struct {
	Alert    *Alert
	Previous decimal.Decimal
	Current  decimal.Decimal
	At       time.Time
}

// Engine evaluates armed alerts against a refreshed snapshot.
type Engine struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine constructs an evaluation engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "alert_engine").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides the clock used for trigger timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate returns the alerts that fired on this pass, already moved to the fired state.
func (e *Engine) Evaluate(alerts []*Alert, src QuoteSource) []*Alert {
	firings := e.Check(alerts, src)
	out := make([]*Alert, 0, len(firings))
	for _, f := range firings {
		out = append(out, f.Alert)
	}
	return out
}

// Check is Evaluate with the rates attached to every firing.
func (e *Engine) Check(alerts []*Alert, src QuoteSource) []Firing {
	at := e.now().UTC()
	fired := make([]Firing, 0)

	for _, a := range alerts {
		if a == nil || !a.IsActive() {
			continue
		}

		cur, err := src.Quote(a.CurrencyCode)
		if err != nil {
			e.logger.Debug().Str("alert_id", a.ID.String()).Str("code", a.CurrencyCode).Msg("currency not priced; skipping")
			continue
		}
		prev, err := src.Previous(a.CurrencyCode)
		if err != nil {
			continue
		}
		if !cur.Valid() || prev.Rate.IsNegative() {
			e.logger.Warn().Err(registry.ErrInconsistentRate).Str("code", a.CurrencyCode).Msg("skipping alert")
			continue
		}

		if !Crossed(a.Kind, a.Threshold, prev.Rate, cur.Rate) {
			continue
		}
		if !a.fire(at) {
			// a concurrent pass already fired it
			continue
		}

		fired = append(fired, Firing{Alert: a, Previous: prev.Rate, Current: cur.Rate, At: at})
		e.logger.Info().
			Str("alert_id", a.ID.String()).
			Str("code", a.CurrencyCode).
			Str("kind", string(a.Kind)).
			Str("threshold", a.Threshold.String()).
			Str("previous", prev.Rate.String()).
			Str("current", cur.Rate.String()).
			Msg("alert fired")
	}

	return fired
}

// Crossed reports whether the move from prev to cur satisfies the trigger for kind.
func Crossed(kind Kind, threshold, prev, cur decimal.Decimal) bool {
	switch kind {
	case KindAbove:
		return prev.LessThan(threshold) && cur.GreaterThanOrEqual(threshold)
	case KindBelow:
		return prev.GreaterThan(threshold) && cur.LessThanOrEqual(threshold)
	case KindPercentChange:
		if prev.IsZero() {
			return false
		}
		return ChangePct(prev, cur).Abs().GreaterThanOrEqual(threshold.Abs())
	default:
		return false
	}
}

// ChangePct is the signed percentage move from prev to cur. Zero when prev is zero.
func ChangePct(prev, cur decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		return decimal.Zero
	}
	return cur.Sub(prev).DivRound(prev, 16).Mul(hundred)
}
