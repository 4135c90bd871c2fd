package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index on (publisher_id) WHERE active.
const uniqueViolation = "23505"

// PostgresStore persists licenses to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, lic *License) error {
	if lic.ID == uuid.Nil {
		lic.ID = uuid.New()
	}
	now := time.Now().UTC()
	lic.CreatedAt = now
	lic.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO licenses (id, publisher_id, domain, pay_to, price_minor, active, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		lic.ID, lic.PublisherID, lic.Domain, lic.PayTo.Hex(),
		lic.PriceMinor, lic.Active, lic.APIKeyHash, lic.CreatedAt, lic.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveLicenseExists
		}
		return fmt.Errorf("insert license: %w", err)
	}

	s.logger.Debug("license created",
		zap.String("id", lic.ID.String()),
		zap.String("publisher", lic.PublisherID),
	)
	return nil
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*License, error) {
	return s.scanOne(ctx,
		`SELECT id, publisher_id, domain, pay_to, price_minor, active, api_key_hash, created_at, updated_at
		 FROM licenses WHERE id = $1`, id)
}

// GetByPublisher implements Store.
func (s *PostgresStore) GetByPublisher(ctx context.Context, publisherID string) (*License, error) {
	return s.scanOne(ctx,
		`SELECT id, publisher_id, domain, pay_to, price_minor, active, api_key_hash, created_at, updated_at
		 FROM licenses WHERE publisher_id = $1 AND active`, publisherID)
}

// GetByDomain implements Store.
func (s *PostgresStore) GetByDomain(ctx context.Context, domain string) (*License, error) {
	return s.scanOne(ctx,
		`SELECT id, publisher_id, domain, pay_to, price_minor, active, api_key_hash, created_at, updated_at
		 FROM licenses WHERE domain = $1 AND active`, domain)
}

// SetPrice implements Store.
func (s *PostgresStore) SetPrice(ctx context.Context, id uuid.UUID, priceMinor int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE licenses SET price_minor = $2, updated_at = now() WHERE id = $1`,
		id, priceMinor,
	)
	if err != nil {
		return fmt.Errorf("update license price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive implements Store.
func (s *PostgresStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE licenses SET active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveLicenseExists
		}
		return fmt.Errorf("update license active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg any) (*License, error) {
	lic := &License{}
	var payTo string
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&lic.ID, &lic.PublisherID, &lic.Domain, &payTo,
		&lic.PriceMinor, &lic.Active, &lic.APIKeyHash,
		&lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query license: %w", err)
	}
	lic.PayTo = common.HexToAddress(payTo)
	return lic, nil
}
