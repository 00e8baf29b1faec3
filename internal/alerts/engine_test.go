package alerts

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustAlert(t *testing.T, code string, kind Kind, threshold string) *Alert {
	t.Helper()
	a, err := New(code, kind, dec(threshold))
	if err != nil {
		t.Fatalf("new alert: %v", err)
	}
	return a
}

// refresh publishes a table where code is worth rate units of the base.
func refresh(reg *registry.Registry, code, rate string) *registry.Snapshot {
	return reg.SetQuotes(map[string]registry.Quote{code: {Rate: dec(rate)}})
}

func TestAboveFiresOnceOnCrossing(t *testing.T) {
	reg := registry.New("EUR", zerolog.Nop())
	eng := NewEngine(zerolog.Nop())
	alert := mustAlert(t, "TRY", KindAbove, "33")
	book := []*Alert{alert}

	var firedAt []int
	for i, rate := range []string{"32", "32", "34", "34"} {
		snap := refresh(reg, "TRY", rate)
		if fired := eng.Evaluate(book, snap); len(fired) > 0 {
			firedAt = append(firedAt, i+1)
		}
	}

	if !reflect.DeepEqual(firedAt, []int{3}) {
		t.Fatalf("expected a single firing on refresh 3, got %v", firedAt)
	}
	if alert.IsActive() || alert.TriggeredAt() == nil || alert.State() != StateFired {
		t.Fatalf("alert should be fired: active=%v triggered=%v", alert.IsActive(), alert.TriggeredAt())
	}
}

func TestBelowSymmetricCrossing(t *testing.T) {
	t.Run("fires when falling through", func(t *testing.T) {
		reg := registry.New("USD", zerolog.Nop())
		eng := NewEngine(zerolog.Nop())
		alert := mustAlert(t, "TRY", KindBelow, "30")

		var firedAt []int
		for i, rate := range []string{"31", "31", "29"} {
			if len(eng.Evaluate([]*Alert{alert}, refresh(reg, "TRY", rate))) > 0 {
				firedAt = append(firedAt, i+1)
			}
		}
		if !reflect.DeepEqual(firedAt, []int{3}) {
			t.Fatalf("expected firing on refresh 3, got %v", firedAt)
		}
	})

	t.Run("already below then rising does not fire", func(t *testing.T) {
		reg := registry.New("USD", zerolog.Nop())
		eng := NewEngine(zerolog.Nop())
		alert := mustAlert(t, "TRY", KindBelow, "30")

		for _, rate := range []string{"29", "31"} {
			if fired := eng.Evaluate([]*Alert{alert}, refresh(reg, "TRY", rate)); len(fired) != 0 {
				t.Fatalf("rate %s should not fire", rate)
			}
		}
		if !alert.IsActive() {
			t.Fatal("alert should stay armed")
		}
	})
}

func TestFirstPopulationNeverFires(t *testing.T) {
	reg := registry.New("USD", zerolog.Nop())
	eng := NewEngine(zerolog.Nop())
	book := []*Alert{
		mustAlert(t, "TRY", KindAbove, "30"),
		mustAlert(t, "TRY", KindBelow, "40"),
		mustAlert(t, "TRY", KindPercentChange, "0.0001"),
	}

	snap := refresh(reg, "TRY", "35")
	if fired := eng.Evaluate(book, snap); len(fired) != 0 {
		t.Fatalf("first population fired %d alerts", len(fired))
	}
	for _, a := range book {
		if !a.IsActive() {
			t.Fatalf("%s alert disarmed on first population", a.Kind)
		}
	}
}

func TestPercentChangeSingleInterval(t *testing.T) {
	reg := registry.New("USD", zerolog.Nop())
	eng := NewEngine(zerolog.Nop())
	alert := mustAlert(t, "EUR", KindPercentChange, "2")

	// cumulative drift of 3% in 1.5% steps never fires
	for _, rate := range []string{"1.000", "1.015", "1.030225"} {
		if fired := eng.Evaluate([]*Alert{alert}, refresh(reg, "EUR", rate)); len(fired) != 0 {
			t.Fatalf("rate %s fired on cumulative drift", rate)
		}
	}

	// a 2% drop across one interval fires regardless of direction
	fired := eng.Evaluate([]*Alert{alert}, refresh(reg, "EUR", "1.0096205"))
	if len(fired) != 1 || fired[0] != alert {
		t.Fatalf("expected the alert to fire once, got %v", fired)
	}
}

type fakeSource struct {
	prev, cur map[string]decimal.Decimal
}

func (f fakeSource) Quote(code string) (registry.Quote, error) {
	r, ok := f.cur[code]
	if !ok {
		return registry.Quote{}, registry.ErrNotFound
	}
	return registry.Quote{Code: code, Rate: r}, nil
}

func (f fakeSource) Previous(code string) (registry.Quote, error) {
	r, ok := f.prev[code]
	if !ok {
		return registry.Quote{}, registry.ErrNotFound
	}
	return registry.Quote{Code: code, Rate: r}, nil
}

func TestPercentChangeZeroPreviousSkipped(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	alert := mustAlert(t, "EUR", KindPercentChange, "1")
	src := fakeSource{
		prev: map[string]decimal.Decimal{"EUR": decimal.Zero},
		cur:  map[string]decimal.Decimal{"EUR": dec("5")},
	}

	if fired := eng.Evaluate([]*Alert{alert}, src); len(fired) != 0 {
		t.Fatal("zero previous must not fire")
	}
	if !alert.IsActive() {
		t.Fatal("alert should stay armed")
	}
}

func TestUnpricedCurrencySkipped(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	alert := mustAlert(t, "XAU", KindAbove, "1")
	src := fakeSource{prev: map[string]decimal.Decimal{}, cur: map[string]decimal.Decimal{}}

	if fired := eng.Evaluate([]*Alert{alert}, src); len(fired) != 0 || !alert.IsActive() {
		t.Fatal("unpriced currency should be skipped")
	}
}

func TestConcreteAlertScenario(t *testing.T) {
	fixed := time.Date(2025, 7, 16, 12, 0, 0, 0, time.UTC)
	eng := NewEngine(zerolog.Nop()).WithClock(func() time.Time { return fixed })
	alert := mustAlert(t, "USD", KindAbove, "33.0")

	src := fakeSource{
		prev: map[string]decimal.Decimal{"USD": dec("32.8")},
		cur:  map[string]decimal.Decimal{"USD": dec("33.2")},
	}
	firings := eng.Check([]*Alert{alert}, src)
	if len(firings) != 1 {
		t.Fatalf("expected one firing, got %d", len(firings))
	}
	if firings[0].Previous.String() != "32.8" || firings[0].Current.String() != "33.2" {
		t.Fatalf("unexpected rates %s -> %s", firings[0].Previous, firings[0].Current)
	}
	if at := alert.TriggeredAt(); at == nil || !at.Equal(fixed) {
		t.Fatalf("triggered at %v, want %s", at, fixed)
	}

	src = fakeSource{
		prev: map[string]decimal.Decimal{"USD": dec("33.2")},
		cur:  map[string]decimal.Decimal{"USD": dec("33.5")},
	}
	if again := eng.Check([]*Alert{alert}, src); len(again) != 0 {
		t.Fatal("fired alert must not fire again")
	}
	if !alert.TriggeredAt().Equal(fixed) {
		t.Fatalf("trigger time changed to %s", alert.TriggeredAt())
	}
}

func TestConcurrentPassesReportOnce(t *testing.T) {
	eng := NewEngine(zerolog.Nop())
	src := fakeSource{
		prev: map[string]decimal.Decimal{"TRY": dec("29")},
		cur:  map[string]decimal.Decimal{"TRY": dec("31")},
	}

	alerts := make([]*Alert, 50)
	for i := range alerts {
		alerts[i] = mustAlert(t, "TRY", KindAbove, "30")
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(eng.Evaluate(alerts, src))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != len(alerts) {
		t.Fatalf("expected %d firings across passes, got %d", len(alerts), total)
	}
	for _, a := range alerts {
		if def := a.Definition(); def.Active || def.TriggeredAt == nil {
			t.Fatalf("alert %s not fired consistently: %#v", a.ID, def)
		}
	}
}

func TestCrossedTable(t *testing.T) {
	cases := []struct {
		kind      Kind
		threshold string
		prev, cur string
		want      bool
	}{
		{KindAbove, "33", "32.99", "33", true},
		{KindAbove, "33", "33", "34", false},
		{KindAbove, "33", "32", "32.5", false},
		{KindBelow, "30", "30.01", "30", true},
		{KindBelow, "30", "30", "29", false},
		{KindPercentChange, "5", "100", "105", true},
		{KindPercentChange, "5", "100", "95", true},
		{KindPercentChange, "5", "100", "104.99", false},
		{KindPercentChange, "5", "0", "100", false},
		{Kind("bogus"), "1", "1", "2", false},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s/%s/%s->%s", tc.kind, tc.threshold, tc.prev, tc.cur)
		if got := Crossed(tc.kind, dec(tc.threshold), dec(tc.prev), dec(tc.cur)); got != tc.want {
			t.Fatalf("%s: got %v, want %v", name, got, tc.want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	invalid := []struct {
		code      string
		kind      Kind
		threshold string
		want      error
	}{
		{"", KindAbove, "1", ErrInvalidAlert},
		{"EUR", KindBelow, "0", ErrInvalidAlert},
		{"EUR", KindPercentChange, "-1", ErrInvalidAlert},
		{"EUR", KindPercentChange, "0", ErrInvalidAlert},
		{"EUR", Kind("sideways"), "1", ErrUnknownKind},
	}
	for _, tc := range invalid {
		if _, err := New(tc.code, tc.kind, dec(tc.threshold)); !errors.Is(err, tc.want) {
			t.Fatalf("New(%q, %s, %s): expected %v, got %v", tc.code, tc.kind, tc.threshold, tc.want, err)
		}
	}

	a, err := New(" eur ", KindAbove, dec("1.1"))
	if err != nil {
		t.Fatalf("valid alert rejected: %v", err)
	}
	if a.CurrencyCode != "EUR" || a.Title != "EUR price alert" || a.Message != "EUR rose above 1.1000" {
		t.Fatalf("unexpected defaults %q %q %q", a.CurrencyCode, a.Title, a.Message)
	}
}

func TestRestoreKeepsFiredState(t *testing.T) {
	at := time.Now().UTC()
	a, err := Restore(Definition{CurrencyCode: "TRY", Kind: KindAbove, Threshold: dec("33"), Active: true, TriggeredAt: &at})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if a.IsActive() || !a.TriggeredAt().Equal(at) {
		t.Fatalf("restored alert should be fired at %s", at)
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"above": KindAbove, "DOWN": KindBelow, "change": KindPercentChange, "percent_change": KindPercentChange} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseKind("sideways"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
