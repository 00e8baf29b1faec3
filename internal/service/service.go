package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"moneymate/internal/alerting"
	"moneymate/internal/alerts"
	"moneymate/internal/config"
	"moneymate/internal/conversion"
	"moneymate/internal/fetcher"
	"moneymate/internal/registry"
	"moneymate/internal/scheduler"
	"moneymate/internal/storage"
)

// ErrAlertNotFound is returned when an alert id is unknown.
var ErrAlertNotFound = errors.New("alert not found")

// CycleResult is what one refresh published.
type CycleResult struct {
	Snapshot *registry.Snapshot
	Fired    []alerts.Firing
	// Skipped is set when another instance held the refresh lock.
	Skipped bool
}

// Deps carries the collaborators of a Service. Only Registry and Primary are required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	// Primary must succeed for a cycle to publish.
	Primary fetcher.RateFetcher
	// Secondary sources are best effort; later sources override earlier ones.
	Secondary []fetcher.RateFetcher
	Quotes    storage.QuoteStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Clock     func() time.Time
}

// Service orchestrates fetching, the registry swap, alert evaluation, persistence and
// notification.
type Service struct {
	scheduler  *scheduler.Scheduler
	registry   *registry.Registry
	primary    fetcher.RateFetcher
	secondary  []fetcher.RateFetcher
	quoteStore storage.QuoteStore
	alertStore storage.AlertStore
	locker     storage.AdvisoryLocker
	notifier   alerting.Notifier
	converter  *conversion.Engine
	engine     *alerts.Engine
	book       *alerts.Book
	logger     zerolog.Logger
	now        func() time.Time

	channels  []string
	alertsOn  bool
	seedFile  string
	warmStart bool
	lockKey   int64

	refreshMu sync.Mutex
	// unmarked holds firings whose store update failed; retried every cycle under refreshMu.
	unmarked map[uuid.UUID]time.Time
	subsMu    sync.RWMutex
	subs      map[chan CycleResult]struct{}
}

// New constructs the refresh service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Primary == nil {
		return nil, errors.New("primary rate fetcher is required")
	}

	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Quotes.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	return &Service{
		scheduler:  deps.Scheduler,
		registry:   deps.Registry,
		primary:    deps.Primary,
		secondary:  deps.Secondary,
		quoteStore: deps.Quotes,
		alertStore: deps.Alerts,
		locker:     locker,
		notifier:   deps.Notifier,
		converter:  conversion.New(deps.Registry),
		engine:     alerts.NewEngine(logger).WithClock(now),
		book:       alerts.NewBook(),
		logger:     logger.With().Str("component", "service").Logger(),
		now:        now,
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		seedFile:   cfg.Alerting.SeedFile,
		warmStart:  cfg.Registry.WarmStart,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		unmarked:   make(map[uuid.UUID]time.Time),
		subs:       make(map[chan CycleResult]struct{}),
	}, nil
}

// Run begins the refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.Refresh(ctx, at)
		return err
	})
}

// Bootstrap loads alert definitions and, when enabled, the last stored snapshot.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.loadAlerts(ctx); err != nil {
		return err
	}
	if s.warmStart && s.quoteStore != nil {
		if err := s.warm(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("warm start skipped")
		}
	}
	return nil
}

func (s *Service) loadAlerts(ctx context.Context) error {
	var loaded []*alerts.Alert

	if s.alertStore != nil {
		defs, err := s.alertStore.ListAlerts(ctx)
		if err != nil {
			return fmt.Errorf("load alerts: %w", err)
		}
		for _, def := range defs {
			a, err := alerts.Restore(def)
			if err != nil {
				s.logger.Warn().Err(err).Str("alert_id", def.ID.String()).Msg("skipping invalid stored alert")
				continue
			}
			loaded = append(loaded, a)
		}
	}

	if len(loaded) == 0 && s.seedFile != "" {
		seeded, err := s.seed(ctx)
		if err != nil {
			return err
		}
		loaded = seeded
	}

	s.book.Replace(loaded)
	s.logger.Info().Int("alerts", len(loaded)).Int("active", s.book.ActiveCount()).Msg("alerts loaded")
	return nil
}

// seed loads the seed file. With a store it runs once: a store whose alerts were all deleted
// stays empty.
func (s *Service) seed(ctx context.Context) ([]*alerts.Alert, error) {
	if s.alertStore != nil {
		done, err := s.alertStore.SeedApplied(ctx)
		if err != nil {
			return nil, fmt.Errorf("check alert seed marker: %w", err)
		}
		if done {
			s.logger.Debug().Str("file", s.seedFile).Msg("alert seed already applied")
			return nil, nil
		}
	}

	seeded, err := alerts.LoadSeedFile(s.seedFile)
	if err != nil {
		return nil, err
	}
	if s.alertStore != nil {
		for _, a := range seeded {
			if err := s.alertStore.CreateAlert(ctx, a.Definition()); err != nil {
				return nil, fmt.Errorf("persist seeded alert: %w", err)
			}
		}
		if err := s.alertStore.MarkSeedApplied(ctx); err != nil {
			return nil, fmt.Errorf("mark alert seed applied: %w", err)
		}
	}
	s.logger.Info().Str("file", s.seedFile).Int("alerts", len(seeded)).Msg("alerts seeded")
	return seeded, nil
}

func (s *Service) warm(ctx context.Context) error {
	points, err := s.quoteStore.LatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	quotes := make(map[string]registry.Quote, len(points))
	for _, p := range points {
		quotes[p.Code] = p.Quote()
	}
	snap := s.registry.Restore(points[0].TakenAt, quotes)
	s.logger.Info().Time("taken_at", snap.TakenAt).Int("quotes", snap.Len()).Msg("registry warmed from storage")
	return nil
}

// Refresh runs one cycle: fetch, swap, evaluate, persist, notify, publish. A failed primary
// fetch leaves the registry untouched.
func (s *Service) Refresh(ctx context.Context, at time.Time) (CycleResult, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", at).Msg("skip cycle because advisory lock held elsewhere")
		return CycleResult{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	merged, err := s.fetch(ctx)
	if err != nil {
		return CycleResult{}, err
	}

	snap := s.registry.SetQuotesAt(at, merged)

	var fired []alerts.Firing
	if s.alertsOn {
		fired = s.engine.Check(s.book.Active(), snap)
	}

	s.persist(ctx, snap, fired)
	s.notify(ctx, fired)

	result := CycleResult{Snapshot: snap, Fired: fired}
	s.publish(result)

	s.logger.Info().Time("cycle", at).
		Uint64("seq", snap.Seq).
		Int("quotes", snap.Len()).
		Int("fired", len(fired)).
		Msg("refresh complete")
	return result, nil
}

func (s *Service) fetch(ctx context.Context) (map[string]registry.Quote, error) {
	primary, err := s.primary.FetchRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s rates: %w", s.primary.Name(), err)
	}

	extra := make([]map[string]registry.Quote, len(s.secondary))
	var g errgroup.Group
	for i, f := range s.secondary {
		g.Go(func() error {
			quotes, err := f.FetchRates(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Str("source", f.Name()).Msg("optional source failed; its codes are omitted this cycle")
				return nil
			}
			extra[i] = quotes
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]registry.Quote, len(primary))
	for code, q := range primary {
		merged[code] = q
	}
	for _, quotes := range extra {
		for code, q := range quotes {
			// an override keeps what the earlier source knew about the code
			if prior, ok := merged[code]; ok {
				q.IsCrypto = q.IsCrypto || prior.IsCrypto
				if q.Change24h == nil {
					q.Change24h = prior.Change24h
				}
			}
			merged[code] = q
		}
	}
	return merged, nil
}

func (s *Service) persist(ctx context.Context, snap *registry.Snapshot, fired []alerts.Firing) {
	if s.quoteStore != nil {
		if err := s.quoteStore.InsertSnapshot(ctx, storage.PointsFromSnapshot(snap)); err != nil {
			s.logger.Error().Err(err).Time("taken_at", snap.TakenAt).Msg("failed to persist snapshot")
		}
	}
	if s.alertStore == nil {
		return
	}
	for _, f := range fired {
		s.unmarked[f.Alert.ID] = f.At
	}
	for id, at := range s.unmarked {
		if _, err := s.alertStore.MarkAlertFired(ctx, id, at); err != nil {
			s.logger.Error().Err(err).Str("alert_id", id.String()).Msg("failed to persist alert trigger; retrying next cycle")
			continue
		}
		delete(s.unmarked, id)
	}
}

func (s *Service) notify(ctx context.Context, fired []alerts.Firing) {
	if s.notifier == nil {
		return
	}
	for _, f := range fired {
		if err := s.notifier.Notify(ctx, alerting.FromFiring(f, s.channels)); err != nil {
			s.logger.Error().Err(err).Str("alert_id", f.Alert.ID.String()).Msg("failed to dispatch alert")
		}
	}
}

// Subscribe registers for cycle results. A slow subscriber loses stale results rather than
// blocking the refresh; call the returned func to unsubscribe.
func (s *Service) Subscribe(buffer int) (<-chan CycleResult, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan CycleResult, buffer)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) publish(res CycleResult) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- res:
			continue
		default:
		}
		// drop the oldest queued result and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- res:
		default:
		}
	}
}

// Snapshot returns the current registry snapshot.
func (s *Service) Snapshot() *registry.Snapshot { return s.registry.Snapshot() }

// Converter exposes the conversion engine bound to the registry.
func (s *Service) Converter() *conversion.Engine { return s.converter }

// Convert converts amount between two currencies at the current snapshot.
func (s *Service) Convert(amount decimal.Decimal, from, to string) (conversion.Result, error) {
	return s.converter.Do(conversion.Request{Amount: amount, From: from, To: to})
}

// Alerts lists every alert, newest first.
func (s *Service) Alerts() []*alerts.Alert { return s.book.List() }

// Alert looks up one alert.
func (s *Service) Alert(id uuid.UUID) (*alerts.Alert, bool) { return s.book.Get(id) }

// AlertInput describes an alert to create.
type AlertInput struct {
	CurrencyCode string
	Kind         alerts.Kind
	Threshold    decimal.Decimal
	Title        string
	Message      string
}

// CreateAlert validates, persists and arms a new alert.
func (s *Service) CreateAlert(ctx context.Context, in AlertInput) (*alerts.Alert, error) {
	a, err := alerts.Restore(alerts.Definition{
		CurrencyCode: in.CurrencyCode,
		Kind:         in.Kind,
		Threshold:    in.Threshold,
		Title:        in.Title,
		Message:      in.Message,
		Active:       true,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	if s.alertStore != nil {
		if err := s.alertStore.CreateAlert(ctx, a.Definition()); err != nil {
			return nil, err
		}
	}
	if err := s.book.Add(a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("alert_id", a.ID.String()).
		Str("code", a.CurrencyCode).
		Str("kind", string(a.Kind)).
		Str("threshold", a.Threshold.String()).
		Msg("alert created")
	return a, nil
}

// DeleteAlert removes an alert in any state.
func (s *Service) DeleteAlert(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.book.Get(id); !ok {
		return ErrAlertNotFound
	}
	if s.alertStore != nil {
		if err := s.alertStore.DeleteAlert(ctx, id); err != nil && !errors.Is(err, storage.ErrAlertNotFound) {
			return err
		}
	}
	s.book.Delete(id)
	return nil
}

// ClearTriggered removes every fired alert and returns how many were removed.
func (s *Service) ClearTriggered(ctx context.Context) (int, error) {
	if s.alertStore != nil {
		if _, err := s.alertStore.DeleteTriggeredAlerts(ctx); err != nil {
			return 0, err
		}
	}
	return len(s.book.ClearTriggered()), nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
