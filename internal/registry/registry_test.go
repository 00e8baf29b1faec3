package registry

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func quotes(pairs map[string]string) map[string]Quote {
	out := make(map[string]Quote, len(pairs))
	for code, rate := range pairs {
		out[code] = Quote{Code: code, Rate: decimal.RequireFromString(rate)}
	}
	return out
}

func mustQuote(t *testing.T, get func(string) (Quote, error), code string) Quote {
	t.Helper()
	q, err := get(code)
	if err != nil {
		t.Fatalf("lookup %s: %v", code, err)
	}
	return q
}

func TestFirstPopulationPreviousEqualsCurrent(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	reg.SetQuotes(quotes(map[string]string{"EUR": "0.92", "TRY": "32.45"}))

	for _, code := range []string{"USD", "EUR", "TRY"} {
		cur := mustQuote(t, reg.Quote, code)
		prev := mustQuote(t, reg.Previous, code)
		if !cur.Rate.Equal(prev.Rate) {
			t.Fatalf("%s: previous %s should equal current %s", code, prev.Rate, cur.Rate)
		}
	}
}

func TestSetQuotesRotatesSnapshot(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	first := reg.SetQuotes(quotes(map[string]string{"EUR": "0.92"}))
	second := reg.SetQuotes(quotes(map[string]string{"EUR": "0.95"}))

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected seq %d, %d", first.Seq, second.Seq)
	}
	if got := mustQuote(t, reg.Quote, "eur").Rate.String(); got != "0.95" {
		t.Fatalf("current EUR = %s", got)
	}
	if got := mustQuote(t, reg.Previous, "EUR").Rate.String(); got != "0.92" {
		t.Fatalf("previous EUR = %s", got)
	}

	// the first snapshot keeps its own view after being superseded
	if got := mustQuote(t, first.Quote, "EUR").Rate.String(); got != "0.92" {
		t.Fatalf("superseded snapshot changed: %s", got)
	}
}

func TestNewCodeAfterFirstRefreshHasNoSyntheticChange(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	reg.SetQuotes(quotes(map[string]string{"EUR": "0.92"}))
	reg.SetQuotes(quotes(map[string]string{"EUR": "0.92", "GBP": "0.79"}))

	if got := mustQuote(t, reg.Previous, "GBP").Rate.String(); got != "0.79" {
		t.Fatalf("new code should report itself as previous, got %s", got)
	}
}

func TestRestoredTableIsNotDiffedAgainst(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	weekAgo := time.Date(2024, 4, 24, 12, 0, 0, 0, time.UTC)
	restored := reg.Restore(weekAgo, quotes(map[string]string{"TRY": "28"}))

	if !restored.TakenAt.Equal(weekAgo) {
		t.Fatalf("restored snapshot should keep its stored time, got %s", restored.TakenAt)
	}
	if got := mustQuote(t, reg.Quote, "TRY").Rate.String(); got != "28" {
		t.Fatalf("restored table not readable: %s", got)
	}

	reg.SetQuotes(quotes(map[string]string{"TRY": "32.45"}))
	if got := mustQuote(t, reg.Previous, "TRY").Rate.String(); got != "32.45" {
		t.Fatalf("first live refresh after restore must not diff against the stored table, previous = %s", got)
	}

	reg.SetQuotes(quotes(map[string]string{"TRY": "33"}))
	if got := mustQuote(t, reg.Previous, "TRY").Rate.String(); got != "32.45" {
		t.Fatalf("later refreshes rotate normally, previous = %s", got)
	}
}

func TestLookupMissIsNotFound(t *testing.T) {
	reg := New("USD", zerolog.Nop())

	if _, err := reg.Quote("EUR"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty registry: expected ErrNotFound, got %v", err)
	}

	reg.SetQuotes(quotes(map[string]string{"EUR": "0.92"}))
	if _, err := reg.Quote("JPY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Previous("JPY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for previous, got %v", err)
	}
}

func TestBaseAlwaysPresent(t *testing.T) {
	reg := New("usd", zerolog.Nop())
	snap := reg.SetQuotes(quotes(map[string]string{"EUR": "0.92"}))

	if base := mustQuote(t, snap.Quote, "USD"); !base.Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("base rate = %s", base.Rate)
	}
	if codes := snap.Codes(); !reflect.DeepEqual(codes, []string{"EUR", "USD"}) {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestInconsistentRatesExcluded(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	reg.SetQuotes(quotes(map[string]string{"EUR": "0.92", "TRY": "32.45"}))
	snap := reg.SetQuotes(quotes(map[string]string{"EUR": "0", "TRY": "-1", "GBP": "0.79"}))

	for _, code := range []string{"EUR", "TRY"} {
		if _, err := snap.Quote(code); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s should be excluded, got %v", code, err)
		}
	}
	if _, err := snap.Quote("GBP"); err != nil {
		t.Fatalf("GBP should be published: %v", err)
	}
}

func TestNormalizeRebasesTable(t *testing.T) {
	// table expressed per EUR; base USD is worth 1.087 EUR-table units
	out, rejected := Normalize("USD", quotes(map[string]string{"EUR": "1", "USD": "1.0870", "TRY": "35.27"}))
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejected codes %v", rejected)
	}

	if !out["USD"].Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("base should be 1, got %s", out["USD"].Rate)
	}
	if eur := out["EUR"].Rate.InexactFloat64(); math.Abs(eur-0.91996) > 1e-5 {
		t.Fatalf("EUR rebased to %v", eur)
	}
	if try := out["TRY"].Rate.InexactFloat64(); math.Abs(try-32.4471) > 1e-4 {
		t.Fatalf("TRY rebased to %v", try)
	}
}

func TestReadersNeverObserveTornSnapshot(t *testing.T) {
	reg := New("USD", zerolog.Nop())
	reg.SetQuotes(quotes(map[string]string{"EUR": "1", "TRY": "1"}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := reg.Snapshot()
				eur, err1 := snap.Quote("EUR")
				try, err2 := snap.Quote("TRY")
				if err1 != nil || err2 != nil || !eur.Rate.Equal(try.Rate) {
					t.Errorf("torn snapshot seq=%d eur=%s try=%s", snap.Seq, eur.Rate, try.Rate)
					return
				}
			}
		}()
	}

	for gen := 2; gen < 500; gen++ {
		rate := decimal.NewFromInt(int64(gen))
		reg.SetQuotes(map[string]Quote{"EUR": {Rate: rate}, "TRY": {Rate: rate}})
	}
	close(stop)
	wg.Wait()
}
