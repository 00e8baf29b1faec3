package alerts

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

var (
	// ErrInvalidAlert rejects malformed alert definitions.
	ErrInvalidAlert = errors.New("alerts: invalid alert")
	// ErrUnknownKind is returned by ParseKind.
	ErrUnknownKind = errors.New("alerts: unknown kind")
)

// Kind selects the trigger condition.
type Kind string

const (
	KindAbove         Kind = "above"
	KindBelow         Kind = "below"
	KindPercentChange Kind = "percent_change"
)

// ParseKind accepts the canonical names plus the short forms used on the command line.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "above", "up":
		return KindAbove, nil
	case "below", "down":
		return KindBelow, nil
	case "percent_change", "percent", "change", "percentchange":
		return KindPercentChange, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// State is the lifecycle position of an alert.
type State string

const (
	StateArmed State = "armed"
	StateFired State = "fired"
)

// Definition is the plain-value form of an alert used for persistence and transport.
type Definition struct {
	ID           uuid.UUID       `json:"id"`
	CurrencyCode string          `json:"currency_code"`
	Kind         Kind            `json:"kind"`
	Threshold    decimal.Decimal `json:"threshold"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Active       bool            `json:"is_active"`
	TriggeredAt  *time.Time      `json:"triggered_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Alert is a one-shot watch on a currency. The active flag and trigger timestamp change
// together under mu.
type Alert struct {
	ID           uuid.UUID
	CurrencyCode string
	Kind         Kind
	Threshold    decimal.Decimal
	Title        string
	Message      string
	CreatedAt    time.Time

	mu          sync.RWMutex
	active      bool
	triggeredAt *time.Time
}

// New creates an armed alert with generated id, title and message.
func New(code string, kind Kind, threshold decimal.Decimal) (*Alert, error) {
	def := Definition{
		ID:           uuid.New(),
		CurrencyCode: code,
		Kind:         kind,
		Threshold:    threshold,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	return Restore(def)
}

// Restore rebuilds an alert from a stored definition, keeping its lifecycle state.
func Restore(def Definition) (*Alert, error) {
	def.CurrencyCode = registry.NormalizeCode(def.CurrencyCode)
	if err := validate(def); err != nil {
		return nil, err
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if def.Title == "" {
		def.Title = defaultTitle(def.CurrencyCode, def.Kind)
	}
	if def.Message == "" {
		def.Message = defaultMessage(def.CurrencyCode, def.Kind, def.Threshold)
	}

	a := &Alert{
		ID:           def.ID,
		CurrencyCode: def.CurrencyCode,
		Kind:         def.Kind,
		Threshold:    def.Threshold,
		Title:        def.Title,
		Message:      def.Message,
		CreatedAt:    def.CreatedAt,
	}
	// a stored row that carries a trigger time is fired regardless of its flag
	a.active = def.Active && def.TriggeredAt == nil
	if def.TriggeredAt != nil {
		t := *def.TriggeredAt
		a.triggeredAt = &t
	}
	return a, nil
}

func validate(def Definition) error {
	if def.CurrencyCode == "" {
		return fmt.Errorf("%w: currency code required", ErrInvalidAlert)
	}
	switch def.Kind {
	case KindAbove, KindBelow, KindPercentChange:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidAlert, ErrUnknownKind, def.Kind)
	}
	// a zero percent threshold would fire on every refresh, including the first population
	if !def.Threshold.IsPositive() {
		return fmt.Errorf("%w: %s threshold must be positive", ErrInvalidAlert, def.Kind)
	}
	return nil
}

// IsActive reports whether the alert is still armed.
func (a *Alert) IsActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// TriggeredAt returns when the alert fired, or nil while armed.
func (a *Alert) TriggeredAt() *time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.triggeredAt == nil {
		return nil
	}
	t := *a.triggeredAt
	return &t
}

// State returns the lifecycle state.
func (a *Alert) State() State {
	if a.IsActive() {
		return StateArmed
	}
	return StateFired
}

// Definition returns a consistent copy of the alert.
func (a *Alert) Definition() Definition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	def := Definition{
		ID:           a.ID,
		CurrencyCode: a.CurrencyCode,
		Kind:         a.Kind,
		Threshold:    a.Threshold,
		Title:        a.Title,
		Message:      a.Message,
		Active:       a.active,
		CreatedAt:    a.CreatedAt,
	}
	if a.triggeredAt != nil {
		t := *a.triggeredAt
		def.TriggeredAt = &t
	}
	return def
}

// fire moves an armed alert to fired. Only the caller that performs the transition gets true.
func (a *Alert) fire(at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return false
	}
	a.active = false
	a.triggeredAt = &at
	return true
}

func defaultTitle(code string, kind Kind) string {
	switch kind {
	case KindAbove:
		return fmt.Sprintf("%s price alert", code)
	case KindBelow:
		return fmt.Sprintf("%s drop alert", code)
	default:
		return fmt.Sprintf("%s change alert", code)
	}
}

func defaultMessage(code string, kind Kind, threshold decimal.Decimal) string {
	switch kind {
	case KindAbove:
		return fmt.Sprintf("%s rose above %s", code, threshold.StringFixed(4))
	case KindBelow:
		return fmt.Sprintf("%s fell below %s", code, threshold.StringFixed(4))
	default:
		return fmt.Sprintf("%s moved %s%% in one refresh", code, threshold.StringFixed(2))
	}
}
