package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Check-and-set runs under one mutex, so
// two handlers racing on the same hash cannot both be admitted. Suitable for
// a single gateway instance; horizontally scaled deployments use the shared
// PostgresStore instead.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	seen    map[string]time.Time // key → firstSeenAt
	stop    chan struct{}
	stopped sync.Once
}

// DefaultTTL is used when NewMemoryStore is handed a non-positive TTL.
const DefaultTTL = time.Hour

// NewMemoryStore creates a MemoryStore with the given TTL and starts a
// background janitor that evicts expired records. Non-positive TTLs fall
// back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		stop: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// InsertIfAbsent implements Store.
func (s *MemoryStore) InsertIfAbsent(_ context.Context, key string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if firstSeen, ok := s.seen[key]; ok && now.Sub(firstSeen) < s.ttl {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	firstSeen, ok := s.seen[key]
	return ok && now.Sub(firstSeen) < s.ttl, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			for key, firstSeen := range s.seen {
				if now.Sub(firstSeen) >= s.ttl {
					delete(s.seen, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
