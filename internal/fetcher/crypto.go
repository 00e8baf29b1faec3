package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

const (
	simplePricePath = "/simple/price"
	ratePrecision   = 28
)

var hundred = decimal.NewFromInt(100)

// CryptoOptions parameterise the CoinGecko fetcher.
type CryptoOptions struct {
	BaseURL string
	// Base is the registry base; coin prices are requested in it.
	Base string
	// Coins maps currency code to CoinGecko coin id.
	Coins     map[string]string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Crypto fetches coin prices from CoinGecko and turns them into units-per-base rates.
type Crypto struct {
	opts    CryptoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCrypto constructs a CoinGecko fetcher.
func NewCrypto(opts CryptoOptions, logger zerolog.Logger) *Crypto {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.Base == "" {
		opts.Base = registry.DefaultBase
	}

	return &Crypto{
		opts:    opts,
		logger:  logger.With().Str("component", "crypto_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the source.
func (c *Crypto) Name() string { return "coingecko" }

// FetchRates prices every configured coin. A coin quoted at P base units per coin has a
// rate of 1/P coins per base unit.
func (c *Crypto) FetchRates(ctx context.Context) (map[string]registry.Quote, error) {
	if len(c.opts.Coins) == 0 {
		return nil, errors.New("no crypto coins configured")
	}

	idToCode := make(map[string]string, len(c.opts.Coins))
	ids := make([]string, 0, len(c.opts.Coins))
	for code, id := range c.opts.Coins {
		idToCode[id] = registry.NormalizeCode(code)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	vs := strings.ToLower(c.opts.Base)
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", vs)
	query.Set("include_24hr_change", "true")
	query.Set("precision", "full")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+simplePricePath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if c.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("coingecko", resp.StatusCode, payload)
	}

	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode coingecko prices: %w", err)
	}

	now := time.Now().UTC()
	one := decimal.NewFromInt(1)
	quotes := make(map[string]registry.Quote, len(body))
	for id, fields := range body {
		code, ok := idToCode[id]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(fields[vs].String())
		if err != nil || !price.IsPositive() {
			c.logger.Warn().Str("coin", id).Str("price", fields[vs].String()).Msg("skipping coin without a usable price")
			continue
		}

		q := registry.Quote{
			Code:      code,
			Rate:      one.DivRound(price, ratePrecision),
			IsCrypto:  true,
			Source:    c.Name(),
			UpdatedAt: now,
		}
		if raw := fields[vs+"_24h_change"].String(); raw != "" {
			if change, err := decimal.NewFromString(raw); err == nil {
				if rateChange, ok := invertChange(change); ok {
					q.Change24h = &rateChange
				}
			}
		}
		quotes[code] = q
	}

	if len(quotes) == 0 {
		return nil, errors.New("coingecko returned no usable prices")
	}
	return quotes, nil
}

// invertChange turns a 24h percent move of the price (base per coin) into the move of the
// rate (coins per base): 100 * (1/(1+c/100) - 1).
func invertChange(pricePct decimal.Decimal) (decimal.Decimal, bool) {
	factor := decimal.NewFromInt(1).Add(pricePct.Div(hundred))
	if !factor.IsPositive() {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(1).DivRound(factor, ratePrecision).Sub(decimal.NewFromInt(1)).Mul(hundred), true
}

var _ RateFetcher = (*Crypto)(nil)
