package proofledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation, initialised
// with the canonical genesis entry at sequence 0.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	crawls  map[string]*Entry // tripleKey → entry, duplicate protection
}

// NewMemoryStore creates a MemoryStore holding only the genesis entry.
func NewMemoryStore() *MemoryStore {
	genesis := &Entry{
		SequenceID: 0,
		Action:     ActionGenesis,
		Timestamp:  time.Now().UTC(),
		PrevHash:   GenesisHash,
		Hash:       GenesisHash, // well-known constant, not computed
	}
	return &MemoryStore{
		entries: []*Entry{genesis},
		crawls:  make(map[string]*Entry),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, action string, licenseID uuid.UUID, crawler common.Address, ts time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action == ActionCrawl {
		if existing, ok := s.crawls[tripleKey(licenseID, crawler, ts)]; ok {
			return existing, false, nil
		}
	}

	prev := s.entries[len(s.entries)-1]
	entry := &Entry{
		SequenceID: prev.SequenceID + 1,
		Action:     action,
		LicenseID:  licenseID,
		Crawler:    crawler,
		Timestamp:  ts,
		PrevHash:   prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	s.entries = append(s.entries, entry)

	if action == ActionCrawl {
		s.crawls[tripleKey(licenseID, crawler, ts)] = entry
	}
	return entry, true, nil
}

// EntryAt implements Store.
func (s *MemoryStore) EntryAt(_ context.Context, sequenceID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequenceID < 0 || sequenceID >= int64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[sequenceID], nil
}

// Last implements Store.
func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[len(s.entries)-1], nil
}

// Total implements Store.
func (s *MemoryStore) Total(_ context.Context, action string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if e.Action == action {
			n++
		}
	}
	return n, nil
}

// Verify implements Store. It walks the chain and checks that every hash is
// consistent with its predecessor.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, curr := range s.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := s.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at sequence %d", curr.SequenceID)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.SequenceID)
		}
	}
	return nil
}
