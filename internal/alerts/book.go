package alerts

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

// ErrDuplicateAlert reports an Add with an id already present.
var ErrDuplicateAlert = errors.New("alerts: duplicate id")

// Book holds the user's alert definitions in memory.
type Book struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*Alert
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{alerts: make(map[uuid.UUID]*Alert)}
}

// Add inserts an existing alert.
func (b *Book) Add(a *Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.alerts[a.ID]; ok {
		return ErrDuplicateAlert
	}
	b.alerts[a.ID] = a
	return nil
}

// Create builds and inserts a new armed alert.
func (b *Book) Create(code string, kind Kind, threshold decimal.Decimal) (*Alert, error) {
	a, err := New(code, kind, threshold)
	if err != nil {
		return nil, err
	}
	if err := b.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Replace swaps the whole content, used when reloading from storage.
func (b *Book) Replace(alerts []*Alert) {
	next := make(map[uuid.UUID]*Alert, len(alerts))
	for _, a := range alerts {
		next[a.ID] = a
	}
	b.mu.Lock()
	b.alerts = next
	b.mu.Unlock()
}

// Get looks an alert up by id.
func (b *Book) Get(id uuid.UUID) (*Alert, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.alerts[id]
	return a, ok
}

// Delete removes an alert in any state.
func (b *Book) Delete(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.alerts[id]; !ok {
		return false
	}
	delete(b.alerts, id)
	return true
}

// List returns every alert, newest first.
func (b *Book) List() []*Alert {
	return b.filter(func(*Alert) bool { return true })
}

// ForCurrency returns the alerts watching code.
func (b *Book) ForCurrency(code string) []*Alert {
	code = registry.NormalizeCode(code)
	return b.filter(func(a *Alert) bool { return a.CurrencyCode == code })
}

// Active returns the armed alerts.
func (b *Book) Active() []*Alert {
	return b.filter(func(a *Alert) bool { return a.IsActive() })
}

// Triggered returns the fired alerts.
func (b *Book) Triggered() []*Alert {
	return b.filter(func(a *Alert) bool { return a.TriggeredAt() != nil })
}

// ActiveCount returns the number of armed alerts.
func (b *Book) ActiveCount() int {
	return len(b.Active())
}

// ClearTriggered deletes every fired alert and returns their ids.
func (b *Book) ClearTriggered() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := make([]uuid.UUID, 0)
	for id, a := range b.alerts {
		if a.TriggeredAt() != nil {
			delete(b.alerts, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (b *Book) filter(keep func(*Alert) bool) []*Alert {
	b.mu.RLock()
	out := make([]*Alert, 0, len(b.alerts))
	for _, a := range b.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
