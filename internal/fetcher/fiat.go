package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

const (
	fiatLatestPath     = "/latest"
	fiatHistoricalPath = "/historical"
)

// FiatOptions parameterise the fiat rate fetcher.
type FiatOptions struct {
	BaseURL   string
	Base      string
	Symbols   []string
	Timeout   time.Duration
	UserAgent string
}

// Fiat fetches a latest-rates table from an fxratesapi compatible endpoint.
type Fiat struct {
	opts    FiatOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFiat constructs a fiat fetcher.
func NewFiat(opts FiatOptions, logger zerolog.Logger) *Fiat {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.fxratesapi.com"
	}
	if opts.Base == "" {
		opts.Base = registry.DefaultBase
	}

	return &Fiat{
		opts:    opts,
		logger:  logger.With().Str("component", "fiat_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the source in logs and stored quotes.
func (f *Fiat) Name() string { return "fiat" }

// FetchRates returns units-per-base rates for the configured symbols.
func (f *Fiat) FetchRates(ctx context.Context) (map[string]registry.Quote, error) {
	return f.fetch(ctx, fiatLatestPath, f.query())
}

// FetchRatesOn returns the end-of-day table for day (UTC date).
func (f *Fiat) FetchRatesOn(ctx context.Context, day time.Time) (map[string]registry.Quote, error) {
	query := f.query()
	query.Set("date", day.UTC().Format("2006-01-02"))
	quotes, err := f.fetch(ctx, fiatHistoricalPath, query)
	if err != nil {
		return nil, err
	}
	midnight := day.UTC().Truncate(24 * time.Hour)
	for code, q := range quotes {
		q.UpdatedAt = midnight
		quotes[code] = q
	}
	return quotes, nil
}

func (f *Fiat) query() url.Values {
	query := url.Values{}
	query.Set("base", f.opts.Base)
	if len(f.opts.Symbols) > 0 {
		query.Set("currencies", strings.Join(f.opts.Symbols, ","))
	}
	return query
}

func (f *Fiat) fetch(ctx context.Context, path string, query url.Values) (map[string]registry.Quote, error) {
	endpoint := f.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("fiat", resp.StatusCode, payload)
	}

	var body latestResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode fiat rates: %w", err)
	}
	if body.Success != nil && !*body.Success {
		return nil, errors.New("fiat api returned success=false")
	}
	if len(body.Rates) == 0 {
		return nil, errors.New("fiat api returned no rates")
	}

	updated := time.Now().UTC()
	if body.Timestamp > 0 {
		updated = time.Unix(body.Timestamp, 0).UTC()
	}

	quotes := make(map[string]registry.Quote, len(body.Rates)+1)
	for code, raw := range body.Rates {
		rate, err := decimal.NewFromString(raw.String())
		if err != nil {
			f.logger.Warn().Err(err).Str("code", code).Msg("skipping unparsable rate")
			continue
		}
		code = registry.NormalizeCode(code)
		quotes[code] = registry.Quote{Code: code, Rate: rate, Source: f.Name(), UpdatedAt: updated}
	}

	if base := registry.NormalizeCode(body.Base); base != "" {
		if _, ok := quotes[base]; !ok {
			quotes[base] = registry.Quote{Code: base, Rate: decimal.NewFromInt(1), Source: f.Name(), UpdatedAt: updated}
		}
	}

	f.logger.Debug().Str("base", body.Base).Int("rates", len(quotes)).Msg("fiat rates fetched")
	return quotes, nil
}

type latestResponse struct {
	Success   *bool                  `json:"success"`
	Base      string                 `json:"base"`
	Date      string                 `json:"date"`
	Timestamp int64                  `json:"timestamp"`
	Rates     map[string]json.Number `json:"rates"`
}

var _ RateFetcher = (*Fiat)(nil)
