package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"moneymate/internal/alerts"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertNotFound is returned when an alert id has no row.
	ErrAlertNotFound = errors.New("storage: alert not found")
)

const (
	upsertQuoteSQL = `INSERT INTO quote_snapshots (
        taken_at,
        code,
        rate,
        is_crypto,
        change_24h,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (code, taken_at) DO UPDATE
    SET
        rate       = EXCLUDED.rate,
        is_crypto  = EXCLUDED.is_crypto,
        change_24h = EXCLUDED.change_24h,
        source     = EXCLUDED.source;`

	listRateHistorySQL = `SELECT
        taken_at,
        code,
        rate::text,
        is_crypto,
        change_24h::text,
        source
    FROM quote_snapshots
    WHERE code = $1
      AND taken_at >= $2
      AND taken_at < $3
    ORDER BY taken_at;`

	listRecentRatesSQL = `SELECT
        taken_at,
        code,
        rate::text,
        is_crypto,
        change_24h::text,
        source
    FROM quote_snapshots
    WHERE code = $1
    ORDER BY taken_at DESC
    LIMIT $2;`

	latestSnapshotSQL = `SELECT
        taken_at,
        code,
        rate::text,
        is_crypto,
        change_24h::text,
        source
    FROM quote_snapshots
    WHERE taken_at = (SELECT MAX(taken_at) FROM quote_snapshots)
    ORDER BY code;`

	deleteSnapshotsBeforeSQL = `DELETE FROM quote_snapshots WHERE taken_at < $1;`

	insertAlertSQL = `INSERT INTO price_alerts (
        id,
        currency_code,
        kind,
        threshold,
        title,
        message,
        is_active,
        created_at,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listAlertsSQL = `SELECT
        id,
        currency_code,
        kind,
        threshold::text,
        title,
        message,
        is_active,
        created_at,
        triggered_at
    FROM price_alerts
    ORDER BY created_at DESC;`

	deleteAlertSQL = `DELETE FROM price_alerts WHERE id = $1;`

	markAlertFiredSQL = `UPDATE price_alerts
    SET is_active = FALSE, triggered_at = $2
    WHERE id = $1
      AND is_active;`

	deleteTriggeredAlertsSQL = `DELETE FROM price_alerts WHERE NOT is_active;`

	markerExistsSQL = `SELECT EXISTS (SELECT 1 FROM app_markers WHERE name = $1);`
	setMarkerSQL    = `INSERT INTO app_markers (name) VALUES ($1) ON CONFLICT (name) DO NOTHING;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteStore persists refreshed snapshots and serves rate history.
type QuoteStore interface {
	InsertSnapshot(ctx context.Context, points []RatePoint) error
	ListRateHistory(ctx context.Context, code string, from, to time.Time) ([]RatePoint, error)
	ListRecentRates(ctx context.Context, code string, limit int) ([]RatePoint, error)
	LatestSnapshot(ctx context.Context) ([]RatePoint, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore persists alert definitions and their lifecycle.
type AlertStore interface {
	CreateAlert(ctx context.Context, def alerts.Definition) error
	ListAlerts(ctx context.Context) ([]alerts.Definition, error)
	DeleteAlert(ctx context.Context, id uuid.UUID) error
	MarkAlertFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeleteTriggeredAlerts(ctx context.Context) (int64, error)
	// SeedApplied reports whether the alert seed file was ever imported.
	SeedApplied(ctx context.Context) (bool, error)
	MarkSeedApplied(ctx context.Context) error
}

const alertSeedMarker = "alert_seed_applied"

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to quote history and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshot writes every point of one refresh in a single batch.
func (s *Store) InsertSnapshot(ctx context.Context, points []RatePoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		var change any
		if p.Change24h != nil {
			change = p.Change24h.String()
		}
		batch.Queue(upsertQuoteSQL, p.TakenAt, p.Code, p.Rate.String(), p.IsCrypto, change, p.Source)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListRateHistory lists one currency's points within [from, to).
func (s *Store) ListRateHistory(ctx context.Context, code string, from, to time.Time) ([]RatePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRateHistorySQL, code, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rate history: %w", queryErr)
	}
	return collectPoints(rows)
}

// ListRecentRates lists the newest points of one currency, newest first.
func (s *Store) ListRecentRates(ctx context.Context, code string, limit int) ([]RatePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRatesSQL, code, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rates: %w", queryErr)
	}
	return collectPoints(rows)
}

// LatestSnapshot returns every point of the most recent stored refresh.
func (s *Store) LatestSnapshot(ctx context.Context) ([]RatePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestSnapshotSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest snapshot: %w", queryErr)
	}
	return collectPoints(rows)
}

// DeleteSnapshotsBefore prunes history older than the cutoff.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CreateAlert persists a new alert definition.
func (s *Store) CreateAlert(ctx context.Context, def alerts.Definition) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		def.ID,
		def.CurrencyCode,
		string(def.Kind),
		def.Threshold.String(),
		def.Title,
		def.Message,
		def.Active,
		def.CreatedAt,
		def.TriggeredAt,
	)
	if execErr != nil {
		return fmt.Errorf("create alert: %w", execErr)
	}
	return nil
}

// ListAlerts returns every stored alert, newest first.
func (s *Store) ListAlerts(ctx context.Context) ([]alerts.Definition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	defs := make([]alerts.Definition, 0)
	for rows.Next() {
		var (
			def          alerts.Definition
			kind         string
			thresholdStr string
		)
		if err := rows.Scan(
			&def.ID,
			&def.CurrencyCode,
			&kind,
			&thresholdStr,
			&def.Title,
			&def.Message,
			&def.Active,
			&def.CreatedAt,
			&def.TriggeredAt,
		); err != nil {
			return nil, err
		}

		def.Kind = alerts.Kind(kind)
		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert threshold: %w", convErr)
		}
		def.Threshold = threshold
		defs = append(defs, def)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return defs, nil
}

// DeleteAlert removes one alert.
func (s *Store) DeleteAlert(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// MarkAlertFired records a trigger. It reports false when the row was already fired, so
// two processes sharing the table never both claim the same firing.
func (s *Store) MarkAlertFired(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, markAlertFiredSQL, id, at)
	if execErr != nil {
		return false, fmt.Errorf("mark alert fired: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTriggeredAlerts removes every fired alert.
func (s *Store) DeleteTriggeredAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteTriggeredAlertsSQL)
	if execErr != nil {
		return 0, fmt.Errorf("delete triggered alerts: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// SeedApplied reports whether the seed marker row exists.
func (s *Store) SeedApplied(ctx context.Context) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, markerExistsSQL, alertSeedMarker).Scan(&exists); err != nil {
		return false, fmt.Errorf("read seed marker: %w", err)
	}
	return exists, nil
}

// MarkSeedApplied records that the seed file was imported.
func (s *Store) MarkSeedApplied(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setMarkerSQL, alertSeedMarker); execErr != nil {
		return fmt.Errorf("set seed marker: %w", execErr)
	}
	return nil
}

func collectPoints(rows pgx.Rows) ([]RatePoint, error) {
	defer rows.Close()

	points := make([]RatePoint, 0)
	for rows.Next() {
		point, err := scanRatePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func scanRatePoint(rows pgx.Rows) (RatePoint, error) {
	var (
		point     RatePoint
		rateStr   string
		changeStr *string
	)

	if err := rows.Scan(
		&point.TakenAt,
		&point.Code,
		&rateStr,
		&point.IsCrypto,
		&changeStr,
		&point.Source,
	); err != nil {
		return RatePoint{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RatePoint{}, fmt.Errorf("parse rate: %w", err)
	}
	point.Rate = rate

	if changeStr != nil {
		change, err := decimal.NewFromString(*changeStr)
		if err != nil {
			return RatePoint{}, fmt.Errorf("parse 24h change: %w", err)
		}
		point.Change24h = &change
	}

	return point, nil
}

var (
	_ QuoteStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
