package proofledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrNotAuthorized is returned when the writer is not in the
	// authorized set. Only principals that have just processed a valid
	// payment may log a receipt.
	ErrNotAuthorized = errors.New("writer not authorized")

	// ErrNotOwner is returned when a non-owner mutates the writer set.
	ErrNotOwner = errors.New("caller is not the ledger owner")

	// ErrNotFound is returned for an out-of-range sequence id.
	ErrNotFound = errors.New("entry not found")

	// ErrEmptyBatch is returned for a batch with no entries.
	ErrEmptyBatch = errors.New("batch is empty")
)

// Store is the chain persistence interface. MemoryStore and PostgresStore
// implement it. Append must serialise concurrent callers and must return the
// existing entry, appended=false, for a duplicate crawl triple.
type Store interface {
	Append(ctx context.Context, action string, licenseID uuid.UUID, crawler common.Address, ts time.Time) (entry *Entry, appended bool, err error)
	EntryAt(ctx context.Context, sequenceID int64) (*Entry, error)
	Last(ctx context.Context) (*Entry, error)
	// Total counts entries with the given action.
	Total(ctx context.Context, action string) (int64, error)
	// Verify walks the chain and checks hash consistency.
	Verify(ctx context.Context) error
}

// LogRequest is one receipt of a batch log.
type LogRequest struct {
	LicenseID uuid.UUID
	Crawler   common.Address
	Timestamp time.Time
}

// Ledger wraps a Store with write authorization. Reads are public; writes
// are restricted to the authorized writer set, and the writer set itself
// mutates only through the owner (the governance gate), each change
// appending an audit entry to the same chain.
type Ledger struct {
	store Store
	owner common.Address

	mu      sync.RWMutex
	writers map[common.Address]bool
}

// NewLedger creates a Ledger over store, administered by owner, with the
// given initial writer set.
func NewLedger(store Store, owner common.Address, writers ...common.Address) *Ledger {
	set := make(map[common.Address]bool, len(writers))
	for _, w := range writers {
		set[w] = true
	}
	return &Ledger{store: store, owner: owner, writers: set}
}

// Log appends one crawl receipt and returns its sequence id. Logging a
// duplicate (license, crawler, timestamp) triple is a no-op returning the
// existing id, so receipt-submission retries stay idempotent.
func (l *Ledger) Log(ctx context.Context, writer common.Address, licenseID uuid.UUID, crawler common.Address, ts time.Time) (int64, error) {
	if !l.authorized(writer) {
		return 0, ErrNotAuthorized
	}
	entry, _, err := l.store.Append(ctx, ActionCrawl, licenseID, crawler, ts.UTC().Truncate(time.Second))
	if err != nil {
		return 0, err
	}
	return entry.SequenceID, nil
}

// LogBatch appends receipts in order and returns their sequence ids.
func (l *Ledger) LogBatch(ctx context.Context, writer common.Address, reqs []LogRequest) ([]int64, error) {
	if !l.authorized(writer) {
		return nil, ErrNotAuthorized
	}
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		entry, _, err := l.store.Append(ctx, ActionCrawl, req.LicenseID, req.Crawler, req.Timestamp.UTC().Truncate(time.Second))
		if err != nil {
			return ids, err
		}
		ids = append(ids, entry.SequenceID)
	}
	return ids, nil
}

// TotalLogged returns the number of crawl receipts. Monotonic: the chain is
// append-only and carries no delete or decrement operation.
func (l *Ledger) TotalLogged(ctx context.Context) (int64, error) {
	return l.store.Total(ctx, ActionCrawl)
}

// EntryAt returns the entry at the given sequence id. Public read path.
func (l *Ledger) EntryAt(ctx context.Context, sequenceID int64) (*Entry, error) {
	return l.store.EntryAt(ctx, sequenceID)
}

// Verify walks the whole chain and checks hash consistency.
func (l *Ledger) Verify(ctx context.Context) error {
	return l.store.Verify(ctx)
}

// Root returns the hash of the chain tip.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	last, err := l.store.Last(ctx)
	if err != nil {
		return "", err
	}
	return last.Hash, nil
}

// SetWriter grants or revokes a writer. Owner-only; every change appends an
// audit entry so the authorization history is itself on the chain.
func (l *Ledger) SetWriter(ctx context.Context, caller, writer common.Address, allowed bool) error {
	if caller != l.owner {
		return ErrNotOwner
	}

	action := ActionWriterGrant
	if !allowed {
		action = ActionWriterRevoke
	}
	if _, _, err := l.store.Append(ctx, action, uuid.Nil, writer, time.Now().UTC().Truncate(time.Second)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if allowed {
		l.writers[writer] = true
	} else {
		delete(l.writers, writer)
	}
	return nil
}

// IsWriter reports whether addr may log receipts.
func (l *Ledger) IsWriter(addr common.Address) bool {
	return l.authorized(addr)
}

func (l *Ledger) authorized(writer common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.writers[writer]
}
