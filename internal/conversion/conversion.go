package conversion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

const divisionPrecision int32 = 28

var (
	// ErrInvalidAmount rejects negative or non-finite amounts before any computation.
	ErrInvalidAmount = errors.New("conversion: amount must be finite and non-negative")
	// ErrUnknownCurrency is surfaced to users as "currency unavailable".
	ErrUnknownCurrency = errors.New("currency unavailable")
	// ErrInconsistentRate marks a stored rate that violates the positive-rate invariant.
	ErrInconsistentRate = registry.ErrInconsistentRate
)

// CurrencyError names the code a conversion could not be priced with.
type CurrencyError struct {
	Code string
	Err  error
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("conversion: %s: %v", e.Code, e.Err)
}

func (e *CurrencyError) Unwrap() error {
	return e.Err
}

// SnapshotSource publishes the snapshot conversions are computed against.
type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// Request is an amount to convert between two currency codes.
type Request struct {
	Amount decimal.Decimal
	From   string
	To     string
}

// Result carries the converted amount and the cross rate used.
type Result struct {
	Request
	Converted decimal.Decimal
	Rate      decimal.Decimal
	AsOf      time.Time
}

// Engine converts amounts using whatever snapshot is published at call time.
type Engine struct {
	source SnapshotSource
}

// New builds an engine over a snapshot source, normally the registry.
func New(source SnapshotSource) *Engine {
	return &Engine{source: source}
}

// Convert returns amount expressed in the to currency.
func (e *Engine) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	res, err := e.Do(Request{Amount: amount, From: from, To: to})
	if err != nil {
		return decimal.Zero, err
	}
	return res.Converted, nil
}

// ConvertFloat is Convert for callers holding binary floats.
func (e *Engine) ConvertFloat(amount float64, from, to string) (float64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0, ErrInvalidAmount
	}
	out, err := e.Convert(decimal.NewFromFloat(amount), from, to)
	if err != nil {
		return 0, err
	}
	return out.InexactFloat64(), nil
}

// Rate returns how many units of to one unit of from buys.
func (e *Engine) Rate(from, to string) (decimal.Decimal, error) {
	res, err := e.Do(Request{Amount: decimal.NewFromInt(1), From: from, To: to})
	if err != nil {
		return decimal.Zero, err
	}
	return res.Rate, nil
}

// Do performs req against a single snapshot.
func (e *Engine) Do(req Request) (Result, error) {
	if req.Amount.IsNegative() {
		return Result{}, ErrInvalidAmount
	}
	from := registry.NormalizeCode(req.From)
	to := registry.NormalizeCode(req.To)
	req.From, req.To = from, to

	snap := e.source.Snapshot()
	var asOf time.Time
	if snap != nil {
		asOf = snap.TakenAt
	}

	if from == to {
		return Result{Request: req, Converted: req.Amount, Rate: decimal.NewFromInt(1), AsOf: asOf}, nil
	}

	fromRate, err := rateOf(snap, from)
	if err != nil {
		return Result{}, err
	}
	toRate, err := rateOf(snap, to)
	if err != nil {
		return Result{}, err
	}

	rate := toRate.DivRound(fromRate, divisionPrecision)
	converted := req.Amount.DivRound(fromRate, divisionPrecision).Mul(toRate)
	return Result{Request: req, Converted: converted, Rate: rate, AsOf: asOf}, nil
}

func rateOf(snap *registry.Snapshot, code string) (decimal.Decimal, error) {
	q, err := snap.Quote(code)
	if err != nil {
		return decimal.Zero, &CurrencyError{Code: code, Err: ErrUnknownCurrency}
	}
	if !q.Valid() {
		return decimal.Zero, &CurrencyError{Code: code, Err: ErrInconsistentRate}
	}
	return q.Rate, nil
}
