package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFiatFetchSuccess(t *testing.T) {
	var gotBase, gotCurrencies, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			http.NotFound(w, r)
			return
		}
		gotBase = r.URL.Query().Get("base")
		gotCurrencies = r.URL.Query().Get("currencies")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"base":"USD","date":"2024-05-01","timestamp":1714521600,"rates":{"eur":0.92,"TRY":32.45,"GBP":0.79}}`))
	}))
	defer srv.Close()

	f := NewFiat(FiatOptions{
		BaseURL:   srv.URL + "/",
		Base:      "USD",
		Symbols:   []string{"EUR", "TRY", "GBP"},
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())

	quotes, err := f.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBase != "USD" || gotCurrencies != "EUR,TRY,GBP" || gotUA != "test" {
		t.Fatalf("unexpected request base=%q currencies=%q ua=%q", gotBase, gotCurrencies, gotUA)
	}
	if len(quotes) != 4 {
		t.Fatalf("expected 3 rates plus base, got %d", len(quotes))
	}
	if !quotes["EUR"].Rate.Equal(decimal.RequireFromString("0.92")) {
		t.Fatalf("EUR rate = %s", quotes["EUR"].Rate)
	}
	if !quotes["USD"].Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("base should be injected at 1, got %s", quotes["USD"].Rate)
	}
	if quotes["TRY"].IsCrypto || quotes["TRY"].Source != "fiat" {
		t.Fatalf("unexpected quote metadata %#v", quotes["TRY"])
	}
	if !quotes["GBP"].UpdatedAt.Equal(time.Unix(1714521600, 0).UTC()) {
		t.Fatalf("updated at should follow the payload timestamp, got %s", quotes["GBP"].UpdatedAt)
	}
}

func TestFiatFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"description":"rate limit reached"}`))
	}))
	defer srv.Close()

	f := NewFiat(FiatOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := f.FetchRates(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 should fail")
	}
	if got := err.Error(); got != "fiat api error (429): rate limit reached" {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestFiatFetchRejectsUnsuccessfulPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"rates":{"EUR":0.9}}`))
	}))
	defer srv.Close()

	f := NewFiat(FiatOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := f.FetchRates(context.Background()); err == nil {
		t.Fatal("success=false should fail")
	}
}

func TestFiatFetchEmptyRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"base":"USD","rates":{}}`))
	}))
	defer srv.Close()

	f := NewFiat(FiatOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := f.FetchRates(context.Background()); err == nil {
		t.Fatal("empty rate table should fail")
	}
}

func TestFiatFetchRatesOn(t *testing.T) {
	var gotPath, gotDate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDate = r.URL.Query().Get("date")
		_, _ = w.Write([]byte(`{"base":"USD","date":"2024-03-01","rates":{"EUR":0.93}}`))
	}))
	defer srv.Close()

	f := NewFiat(FiatOptions{BaseURL: srv.URL}, noopLogger())
	day := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	quotes, err := f.FetchRatesOn(context.Background(), day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/historical" || gotDate != "2024-03-01" {
		t.Fatalf("unexpected request path=%q date=%q", gotPath, gotDate)
	}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for code, q := range quotes {
		if !q.UpdatedAt.Equal(want) {
			t.Fatalf("%s should be stamped at midnight, got %s", code, q.UpdatedAt)
		}
	}
	if _, ok := quotes["USD"]; !ok {
		t.Fatal("base should be injected")
	}
}
