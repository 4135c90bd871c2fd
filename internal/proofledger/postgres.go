package proofledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across all gateway
// instances sharing the database. Arbitrary but must be stable.
const advisoryLockKey = int64(7_402_402_402)

// PostgresStore persists the proof-of-crawl chain to PostgreSQL.
// It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool. The
// genesis row is inserted by cmd/migrate.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store. It takes a transaction-scoped advisory lock,
// checks for a duplicate crawl triple, reads the chain tail, and inserts the
// new entry, all in one transaction.
func (s *PostgresStore) Append(ctx context.Context, action string, licenseID uuid.UUID, crawler common.Address, ts time.Time) (*Entry, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}

	if action == ActionCrawl {
		existing := &Entry{}
		var crawlerHex string
		err := tx.QueryRow(ctx,
			`SELECT sequence_id, action, license_id, crawler, timestamp, prev_hash, hash
			 FROM crawl_ledger
			 WHERE action = $1 AND license_id = $2 AND crawler = $3 AND timestamp = $4`,
			ActionCrawl, licenseID, crawler.Hex(), ts,
		).Scan(
			&existing.SequenceID, &existing.Action, &existing.LicenseID,
			&crawlerHex, &existing.Timestamp, &existing.PrevHash, &existing.Hash,
		)
		switch {
		case err == nil:
			existing.Crawler = common.HexToAddress(crawlerHex)
			return existing, false, nil
		case errors.Is(err, pgx.ErrNoRows):
			// fall through to append
		default:
			return nil, false, fmt.Errorf("check duplicate crawl: %w", err)
		}
	}

	var prevSeq int64
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT sequence_id, hash FROM crawl_ledger ORDER BY sequence_id DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash); err != nil {
		return nil, false, fmt.Errorf("read chain tail: %w", err)
	}

	entry := &Entry{
		SequenceID: prevSeq + 1,
		Action:     action,
		LicenseID:  licenseID,
		Crawler:    crawler,
		Timestamp:  ts,
		PrevHash:   prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO crawl_ledger (sequence_id, action, license_id, crawler, timestamp, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SequenceID, entry.Action, entry.LicenseID,
		entry.Crawler.Hex(), entry.Timestamp, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("crawl ledger entry appended",
		zap.Int64("sequence_id", entry.SequenceID),
		zap.String("action", entry.Action),
	)
	return entry, true, nil
}

// EntryAt implements Store.
func (s *PostgresStore) EntryAt(ctx context.Context, sequenceID int64) (*Entry, error) {
	entry := &Entry{}
	var crawlerHex string
	err := s.pool.QueryRow(ctx,
		`SELECT sequence_id, action, license_id, crawler, timestamp, prev_hash, hash
		 FROM crawl_ledger WHERE sequence_id = $1`, sequenceID,
	).Scan(
		&entry.SequenceID, &entry.Action, &entry.LicenseID,
		&crawlerHex, &entry.Timestamp, &entry.PrevHash, &entry.Hash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry %d: %w", sequenceID, err)
	}
	entry.Crawler = common.HexToAddress(crawlerHex)
	return entry, nil
}

// Last implements Store.
func (s *PostgresStore) Last(ctx context.Context) (*Entry, error) {
	entry := &Entry{}
	var crawlerHex string
	err := s.pool.QueryRow(ctx,
		`SELECT sequence_id, action, license_id, crawler, timestamp, prev_hash, hash
		 FROM crawl_ledger ORDER BY sequence_id DESC LIMIT 1`,
	).Scan(
		&entry.SequenceID, &entry.Action, &entry.LicenseID,
		&crawlerHex, &entry.Timestamp, &entry.PrevHash, &entry.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	entry.Crawler = common.HexToAddress(crawlerHex)
	return entry, nil
}

// Total implements Store.
func (s *PostgresStore) Total(ctx context.Context, action string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM crawl_ledger WHERE action = $1", action,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Store. Streams the chain in sequence order and checks
// hash consistency.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence_id, action, license_id, crawler, timestamp, prev_hash, hash
		 FROM crawl_ledger ORDER BY sequence_id`,
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prevHash string
	var prevSeq int64 = -1
	for rows.Next() {
		entry := &Entry{}
		var crawlerHex string
		if err := rows.Scan(
			&entry.SequenceID, &entry.Action, &entry.LicenseID,
			&crawlerHex, &entry.Timestamp, &entry.PrevHash, &entry.Hash,
		); err != nil {
			return fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Crawler = common.HexToAddress(crawlerHex)

		if prevSeq == -1 {
			if entry.SequenceID != 0 || entry.Hash != GenesisHash {
				return fmt.Errorf("genesis entry missing or corrupt")
			}
		} else {
			if entry.SequenceID != prevSeq+1 {
				return fmt.Errorf("sequence gap at %d", entry.SequenceID)
			}
			if entry.PrevHash != prevHash {
				return fmt.Errorf("hash chain broken at sequence %d", entry.SequenceID)
			}
			if entry.Hash != hashEntry(entry) {
				return fmt.Errorf("entry %d has invalid hash", entry.SequenceID)
			}
		}
		prevHash = entry.Hash
		prevSeq = entry.SequenceID
	}
	return rows.Err()
}
