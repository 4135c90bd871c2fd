package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is a shared Store for horizontally scaled gateways. The
// atomic check-and-set is a single INSERT ... ON CONFLICT DO NOTHING; the
// database decides the race, so the losing handler observes false.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore with the given TTL.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, ttl: ttl, logger: logger}
}

// InsertIfAbsent implements Store. An expired record under the same key is
// reclaimed in the same statement rather than waiting for the purge.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, key string) (bool, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)

	// Expired rows must not block re-admission of a hash that has aged out
	// of the window.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM replay_records WHERE tx_hash = $1 AND first_seen_at < $2`,
		key, cutoff,
	); err != nil {
		return false, fmt.Errorf("reclaim expired replay record: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO replay_records (tx_hash, first_seen_at)
		 VALUES ($1, now())
		 ON CONFLICT (tx_hash) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("insert replay record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM replay_records WHERE tx_hash = $1 AND first_seen_at >= $2)`,
		key, cutoff,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query replay record: %w", err)
	}
	return exists, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Purge deletes all expired replay records. Called from a background ticker
// in the gateway main.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM replay_records WHERE first_seen_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge replay records: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("purged expired replay records", zap.Int64("count", n))
		return n, nil
	}
	return 0, nil
}
