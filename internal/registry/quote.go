package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBase is the reference currency used when none is configured.
const DefaultBase = "USD"

// divisionPrecision bounds the scale of rebased rates. Crypto rates in a fiat base are
// tiny (1/43250 for BTC in USD) so the default 16 places lose too many significant digits.
const divisionPrecision int32 = 28

// Quote is one currency's market state expressed against the base currency.
type Quote struct {
	Code string
	// Rate is the number of units of Code worth one unit of the base currency.
	Rate      decimal.Decimal
	IsCrypto  bool
	// Change24h is the upstream 24h percent move of Rate, when the source reports one.
	Change24h *decimal.Decimal
	Source    string
	UpdatedAt time.Time
}

// Valid reports whether the quote satisfies the positive-rate invariant.
func (q Quote) Valid() bool {
	return q.Rate.IsPositive()
}

// NormalizeCode canonicalises a currency code for lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Normalize canonicalises codes, guarantees the base is present with rate 1 and rebases
// every rate when the upstream table was expressed against a different unit of the base.
// Quotes with a non-positive rate are dropped and returned as rejected codes.
func Normalize(base string, quotes map[string]Quote) (map[string]Quote, []string) {
	base = NormalizeCode(base)
	out := make(map[string]Quote, len(quotes)+1)
	rejected := make([]string, 0)

	for key, q := range quotes {
		code := NormalizeCode(key)
		if code == "" {
			code = NormalizeCode(q.Code)
		}
		if code == "" {
			continue
		}
		q.Code = code
		if !q.Valid() {
			rejected = append(rejected, code)
			continue
		}
		out[code] = q
	}

	if bq, ok := out[base]; ok && !bq.Rate.Equal(decimal.NewFromInt(1)) {
		factor := bq.Rate
		for code, q := range out {
			q.Rate = q.Rate.DivRound(factor, divisionPrecision)
			out[code] = q
		}
	}

	bq, ok := out[base]
	if !ok {
		bq = Quote{Code: base, Source: "base"}
	}
	bq.Rate = decimal.NewFromInt(1)
	bq.IsCrypto = false
	out[base] = bq

	sort.Strings(rejected)
	return out, rejected
}
