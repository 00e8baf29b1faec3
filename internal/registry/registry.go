package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound reports a code missing from the published snapshot. Callers usually skip it.
	ErrNotFound = errors.New("registry: currency not found")
	// ErrInconsistentRate marks a quote whose rate is not strictly positive.
	ErrInconsistentRate = errors.New("registry: inconsistent rate")
)

// Snapshot is an immutable, fully populated rate table at a point in time together with the
// table it superseded.
type Snapshot struct {
	Base    string
	Seq     uint64
	TakenAt time.Time

	current  map[string]Quote
	previous map[string]Quote
}

// NewSnapshot assembles a snapshot without normalisation. Registry.SetQuotes is the
// validated path; this exists for replaying stored tables and for tests.
func NewSnapshot(base string, takenAt time.Time, current, previous map[string]Quote) *Snapshot {
	if previous == nil {
		previous = current
	}
	return &Snapshot{
		Base:     NormalizeCode(base),
		TakenAt:  takenAt,
		current:  current,
		previous: previous,
	}
}

// Quote returns the current value for code.
func (s *Snapshot) Quote(code string) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	q, ok := s.current[NormalizeCode(code)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return q, nil
}

// Previous returns the value code carried in the superseded table. A code the previous table
// never priced (including every code on the first population) reports its current value, so
// the change across the interval is zero rather than a jump from absence.
func (s *Snapshot) Previous(code string) (Quote, error) {
	cur, err := s.Quote(code)
	if err != nil {
		return Quote{}, err
	}
	if prev, ok := s.previous[NormalizeCode(code)]; ok {
		return prev, nil
	}
	return cur, nil
}

// Codes lists the currently priced codes in lexical order.
func (s *Snapshot) Codes() []string {
	if s == nil {
		return nil
	}
	codes := make([]string, 0, len(s.current))
	for code := range s.current {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Quotes returns a copy of the current table.
func (s *Snapshot) Quotes() map[string]Quote {
	if s == nil {
		return map[string]Quote{}
	}
	out := make(map[string]Quote, len(s.current))
	for code, q := range s.current {
		out[code] = q
	}
	return out
}

// Len returns the number of priced codes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.current)
}

// Registry publishes the authoritative rate snapshot. Writers are serialised; readers load the
// published pointer and never observe a half-applied refresh.
type Registry struct {
	base   string
	logger zerolog.Logger
	now    func() time.Time

	writeMu sync.Mutex
	seq     uint64
	current atomic.Pointer[Snapshot]
	// restored is set while the published table came from storage rather than a live fetch.
	restored bool
}

// New constructs an empty registry for the given base currency.
func New(base string, logger zerolog.Logger) *Registry {
	base = NormalizeCode(base)
	if base == "" {
		base = DefaultBase
	}
	return &Registry{
		base:   base,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

// Base returns the reference currency code.
func (r *Registry) Base() string {
	return r.base
}

// SetQuotes publishes quotes as the current snapshot; the snapshot current before the call
// becomes the previous one.
func (r *Registry) SetQuotes(quotes map[string]Quote) *Snapshot {
	return r.SetQuotesAt(r.now().UTC(), quotes)
}

// SetQuotesAt is SetQuotes with an explicit snapshot timestamp.
func (r *Registry) SetQuotesAt(at time.Time, quotes map[string]Quote) *Snapshot {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	normalized, rejected := Normalize(r.base, quotes)
	for _, code := range rejected {
		r.logger.Warn().Err(ErrInconsistentRate).Str("code", code).Msg("quote excluded until next refresh")
	}

	previous := normalized
	if old := r.current.Load(); old != nil && !r.restored {
		previous = old.current
	}
	r.restored = false

	r.seq++
	snap := &Snapshot{
		Base:     r.base,
		Seq:      r.seq,
		TakenAt:  at,
		current:  normalized,
		previous: previous,
	}
	r.current.Store(snap)

	r.logger.Debug().Uint64("seq", snap.Seq).Int("quotes", len(normalized)).Msg("snapshot published")
	return snap
}

// Restore publishes a stored table so reads work before the first live refresh. The next
// SetQuotes does not diff against it: a restored table may be arbitrarily old.
func (r *Registry) Restore(at time.Time, quotes map[string]Quote) *Snapshot {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	normalized, _ := Normalize(r.base, quotes)
	r.seq++
	snap := &Snapshot{
		Base:     r.base,
		Seq:      r.seq,
		TakenAt:  at,
		current:  normalized,
		previous: normalized,
	}
	r.current.Store(snap)
	r.restored = true
	return snap
}

// Snapshot returns the published snapshot, or nil before the first population.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Quote looks code up in the published snapshot.
func (r *Registry) Quote(code string) (Quote, error) {
	return r.current.Load().Quote(code)
}

// Previous looks code up in the table superseded by the published snapshot.
func (r *Registry) Previous(code string) (Quote, error) {
	return r.current.Load().Previous(code)
}
