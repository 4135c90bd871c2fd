package license

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation. Useful for
// tests and single-process deployments without durable persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[uuid.UUID]*License
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{licenses: make(map[uuid.UUID]*License)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lic.Active {
		for _, existing := range s.licenses {
			if existing.PublisherID == lic.PublisherID && existing.Active {
				return ErrActiveLicenseExists
			}
		}
	}
	if lic.ID == uuid.Nil {
		lic.ID = uuid.New()
	}
	now := time.Now().UTC()
	lic.CreatedAt = now
	lic.UpdatedAt = now

	cp := *lic
	s.licenses[lic.ID] = &cp
	return nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

// GetByPublisher implements Store.
func (s *MemoryStore) GetByPublisher(_ context.Context, publisherID string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lic := range s.licenses {
		if lic.PublisherID == publisherID && lic.Active {
			cp := *lic
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetByDomain implements Store.
func (s *MemoryStore) GetByDomain(_ context.Context, domain string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lic := range s.licenses {
		if lic.Domain == domain && lic.Active {
			cp := *lic
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// SetPrice implements Store.
func (s *MemoryStore) SetPrice(_ context.Context, id uuid.UUID, priceMinor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	lic.PriceMinor = priceMinor
	lic.UpdatedAt = time.Now().UTC()
	return nil
}

// SetActive implements Store.
func (s *MemoryStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	if active && !lic.Active {
		for _, other := range s.licenses {
			if other.ID != id && other.PublisherID == lic.PublisherID && other.Active {
				return ErrActiveLicenseExists
			}
		}
	}
	lic.Active = active
	lic.UpdatedAt = time.Now().UTC()
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
