package conversion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

func usdRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New("USD", zerolog.Nop())
	reg.SetQuotes(map[string]registry.Quote{
		"EUR": {Rate: decimal.RequireFromString("0.92")},
		"TRY": {Rate: decimal.RequireFromString("32.45")},
		"BTC": {Rate: decimal.NewFromInt(1).DivRound(decimal.NewFromInt(43250), 28), IsCrypto: true},
		"ETH": {Rate: decimal.NewFromInt(1).DivRound(decimal.NewFromInt(2650), 28), IsCrypto: true},
	})
	return reg
}

func mustConvert(t *testing.T, eng *Engine, amount decimal.Decimal, from, to string) decimal.Decimal {
	t.Helper()
	got, err := eng.Convert(amount, from, to)
	if err != nil {
		t.Fatalf("convert %s %s->%s: %v", amount, from, to, err)
	}
	return got
}

func TestConvertConcreteScenario(t *testing.T) {
	eng := New(usdRegistry(t))

	if got := mustConvert(t, eng, decimal.NewFromInt(100), "USD", "TRY"); got.String() != "3245" {
		t.Fatalf("100 USD -> TRY = %s, want 3245", got)
	}
	if got := mustConvert(t, eng, decimal.NewFromInt(100), "EUR", "TRY"); got.StringFixed(2) != "3527.17" {
		t.Fatalf("100 EUR -> TRY = %s, want 3527.17", got.StringFixed(2))
	}
}

func TestConvertIdentity(t *testing.T) {
	eng := New(usdRegistry(t))

	for _, code := range []string{"USD", "EUR", "TRY", "BTC"} {
		for _, raw := range []string{"0", "1", "0.1", "123456.789"} {
			amount := decimal.RequireFromString(raw)
			if got := mustConvert(t, eng, amount, code, code); !got.Equal(amount) {
				t.Fatalf("%s %s: identity returned %s", raw, code, got)
			}
		}
	}
}

func TestConvertPathIndependence(t *testing.T) {
	eng := New(usdRegistry(t))
	paths := [][3]string{
		{"EUR", "TRY", "BTC"},
		{"BTC", "ETH", "TRY"},
		{"USD", "BTC", "EUR"},
	}

	one := decimal.NewFromInt(1)
	for _, p := range paths {
		ab := mustConvert(t, eng, one, p[0], p[1])
		abc := mustConvert(t, eng, ab, p[1], p[2]).InexactFloat64()
		ac := mustConvert(t, eng, one, p[0], p[2]).InexactFloat64()

		if math.Abs(abc-ac)/ac > 1e-12 {
			t.Fatalf("%v: via %s gave %v, direct %v", p, p[1], abc, ac)
		}
	}
}

func TestConvertCryptoUsesSameFormula(t *testing.T) {
	eng := New(usdRegistry(t))

	if usd := mustConvert(t, eng, decimal.NewFromInt(2), "BTC", "USD").InexactFloat64(); math.Abs(usd-86500) > 1e-6 {
		t.Fatalf("2 BTC -> USD = %v", usd)
	}
	if eth := mustConvert(t, eng, decimal.NewFromInt(1), "BTC", "ETH").InexactFloat64(); math.Abs(eth-43250.0/2650.0) > 1e-9 {
		t.Fatalf("1 BTC -> ETH = %v", eth)
	}
}

func TestConvertUnknownCurrency(t *testing.T) {
	eng := New(usdRegistry(t))

	_, err := eng.Convert(decimal.NewFromInt(1), "USD", "JPY")
	if !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}

	var cerr *CurrencyError
	if !errors.As(err, &cerr) || cerr.Code != "JPY" {
		t.Fatalf("error should name JPY, got %#v", err)
	}
}

func TestConvertBeforeFirstRefresh(t *testing.T) {
	eng := New(registry.New("USD", zerolog.Nop()))

	if _, err := eng.Convert(decimal.NewFromInt(1), "USD", "EUR"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestConvertRejectsInvalidAmounts(t *testing.T) {
	eng := New(usdRegistry(t))

	if _, err := eng.Convert(decimal.NewFromInt(-1), "USD", "EUR"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: expected ErrInvalidAmount, got %v", err)
	}

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -0.01} {
		if _, err := eng.ConvertFloat(v, "USD", "EUR"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%v: expected ErrInvalidAmount, got %v", v, err)
		}
	}

	got, err := eng.ConvertFloat(0, "USD", "EUR")
	if err != nil || got != 0 {
		t.Fatalf("zero amount: got %v, %v", got, err)
	}
}

type staticSource struct {
	snap *registry.Snapshot
}

func (s staticSource) Snapshot() *registry.Snapshot { return s.snap }

func TestConvertGuardsNonPositiveRate(t *testing.T) {
	table := map[string]registry.Quote{
		"USD": {Code: "USD", Rate: decimal.NewFromInt(1)},
		"XXX": {Code: "XXX", Rate: decimal.Zero},
	}
	eng := New(staticSource{snap: registry.NewSnapshot("USD", time.Now(), table, nil)})

	if _, err := eng.Convert(decimal.NewFromInt(10), "XXX", "USD"); !errors.Is(err, ErrInconsistentRate) {
		t.Fatalf("expected ErrInconsistentRate, got %v", err)
	}
}

func TestRate(t *testing.T) {
	eng := New(usdRegistry(t))

	rate, err := eng.Rate("EUR", "TRY")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got := rate.InexactFloat64(); math.Abs(got-35.2717) > 1e-4 {
		t.Fatalf("EUR/TRY = %v", got)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		amount string
		crypto bool
		want   string
	}{
		{"3527.173913", false, "3527.17"},
		{"0.5", false, "0.50"},
		{"43250.4", true, "43250"},
		{"2.456", true, "2.46"},
		{"0.000231", true, "0.0002"},
	}
	for _, tc := range cases {
		if got := Format(decimal.RequireFromString(tc.amount), tc.crypto); got != tc.want {
			t.Fatalf("Format(%s, %v) = %q, want %q", tc.amount, tc.crypto, got, tc.want)
		}
	}
}
