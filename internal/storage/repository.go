package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates no observation matched the query.
	ErrNotFound = errors.New("storage: observation not found")
)

const (
	upsertObservationSQL = `INSERT INTO rate_observations (
        observed_at,
        pair,
        network,
        rate,
        source
    ) VALUES (
        $1,$2,$3,$4::numeric,$5
    )
    ON CONFLICT (pair, network, observed_at) DO UPDATE
    SET
        rate   = EXCLUDED.rate,
        source = EXCLUDED.source;`

	latestObservationSQL = `SELECT
        observed_at,
        pair,
        network,
        rate::text,
        source,
        created_at
    FROM rate_observations
    WHERE pair = $1
      AND network = $2
    ORDER BY observed_at DESC
    LIMIT 1;`

	listObservationsBetweenSQL = `SELECT
        observed_at,
        pair,
        network,
        rate::text,
        source,
        created_at
    FROM rate_observations
    WHERE pair = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	listRecentObservationsSQL = `SELECT
        observed_at,
        pair,
        network,
        rate::text,
        source,
        created_at
    FROM rate_observations
    ORDER BY observed_at DESC
    LIMIT $1;`

	countObservationsSQL = `SELECT COUNT(*) FROM rate_observations;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RateObservationStore defines persistence for fetched rates.
type RateObservationStore interface {
	InsertObservation(ctx context.Context, obs RateObservation) error
	LatestObservation(ctx context.Context, pair, network string) (RateObservation, error)
	ListObservationsBetween(ctx context.Context, pair string, from, to time.Time) ([]RateObservation, error)
	ListRecentObservations(ctx context.Context, limit int) ([]RateObservation, error)
	CountObservations(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store gives access to rate observations.
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
		// best effort; the lock is dropped with the session anyway
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

// InsertObservation persists or replaces an observation.
func (s *Store) InsertObservation(ctx context.Context, obs RateObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !obs.Rate.IsPositive() {
		return fmt.Errorf("insert observation: rate must be positive, got %s", obs.Rate)
	}

	if _, err := pool.Exec(ctx, upsertObservationSQL,
		obs.ObservedAt.UTC(),
		obs.Pair,
		obs.Network,
		obs.Rate.String(),
		obs.Source,
	); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// LatestObservation returns the most recent observation for a pair and network.
func (s *Store) LatestObservation(ctx context.Context, pair, network string) (RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateObservation{}, err
	}

	rows, err := pool.Query(ctx, latestObservationSQL, pair, network)
	if err != nil {
		return RateObservation{}, fmt.Errorf("latest observation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return RateObservation{}, rows.Err()
		}
		return RateObservation{}, ErrNotFound
	}
	return scanObservation(rows)
}

// ListObservationsBetween lists observations for a pair within [from, to).
func (s *Store) ListObservationsBetween(ctx context.Context, pair string, from, to time.Time) ([]RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listObservationsBetweenSQL, pair, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return collectObservations(rows, 0)
}

// ListRecentObservations lists the most recent observations, newest first.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentObservationsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent observations: %w", err)
	}
	return collectObservations(rows, limit)
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

func collectObservations(rows pgx.Rows, capacity int) ([]RateObservation, error) {
	defer rows.Close()

	out := make([]RateObservation, 0, capacity)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanObservation(rows pgx.Rows) (RateObservation, error) {
	var (
		obs     RateObservation
		rateStr string
	)
	if err := rows.Scan(
		&obs.ObservedAt,
		&obs.Pair,
		&obs.Network,
		&rateStr,
		&obs.Source,
		&obs.CreatedAt,
	); err != nil {
		return RateObservation{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RateObservation{}, fmt.Errorf("parse rate: %w", err)
	}
	obs.Rate = rate
	return obs, nil
}

var (
	_ RateObservationStore = (*Store)(nil)
	_ AdvisoryLocker       = (*Store)(nil)
)
