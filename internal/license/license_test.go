package license

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var payout = common.HexToAddress("0x2222222222222222222222222222222222222222")

func newLicense(publisher, domain string) *License {
	return &License{
		PublisherID: publisher,
		Domain:      domain,
		PayTo:       payout,
		PriceMinor:  10_000,
		Active:      true,
		APIKeyHash:  "$2a$10$fake",
	}
}

func TestMemoryStoreCreateAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lic := newLicense("pub-1", "example.com")
	if err := s.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}
	if lic.ID == uuid.Nil {
		t.Fatal("create must assign an id")
	}

	byID, err := s.GetByID(ctx, lic.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.PublisherID != "pub-1" || byID.PriceMinor != 10_000 {
		t.Fatalf("unexpected license %+v", byID)
	}

	byPub, err := s.GetByPublisher(ctx, "pub-1")
	if err != nil || byPub.ID != lic.ID {
		t.Fatalf("get by publisher: %v, %+v", err, byPub)
	}
	byDom, err := s.GetByDomain(ctx, "example.com")
	if err != nil || byDom.ID != lic.ID {
		t.Fatalf("get by domain: %v, %+v", err, byDom)
	}

	if _, err := s.GetByPublisher(ctx, "pub-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreOneActiveLicensePerPublisher(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, newLicense("pub-1", "a.example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(ctx, newLicense("pub-1", "b.example.com"))
	if !errors.Is(err, ErrActiveLicenseExists) {
		t.Fatalf("expected ErrActiveLicenseExists, got %v", err)
	}

	// An inactive second license is history, not a conflict.
	inactive := newLicense("pub-1", "b.example.com")
	inactive.Active = false
	if err := s.Create(ctx, inactive); err != nil {
		t.Fatalf("create inactive: %v", err)
	}

	// Reactivating it would give the publisher two active licenses.
	err = s.SetActive(ctx, inactive.ID, true)
	if !errors.Is(err, ErrActiveLicenseExists) {
		t.Fatalf("expected ErrActiveLicenseExists on reactivation, got %v", err)
	}
}

func TestMemoryStoreDeactivatedLicenseInvisibleToLookups(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lic := newLicense("pub-1", "example.com")
	if err := s.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetActive(ctx, lic.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := s.GetByPublisher(ctx, "pub-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deactivation, got %v", err)
	}
	if _, err := s.GetByDomain(ctx, "example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deactivation, got %v", err)
	}
	// The record itself survives.
	if _, err := s.GetByID(ctx, lic.ID); err != nil {
		t.Fatalf("get by id after deactivation: %v", err)
	}
}

func TestMemoryStoreSetPrice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lic := newLicense("pub-1", "example.com")
	if err := s.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetPrice(ctx, lic.ID, 25_000); err != nil {
		t.Fatalf("set price: %v", err)
	}
	got, _ := s.GetByID(ctx, lic.ID)
	if got.PriceMinor != 25_000 {
		t.Fatalf("price = %d", got.PriceMinor)
	}

	if err := s.SetPrice(ctx, uuid.New(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewAPIKey(t *testing.T) {
	a, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	b, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	if !strings.HasPrefix(a, "tck_") || len(a) < 20 {
		t.Fatalf("malformed key %q", a)
	}
	if a == b {
		t.Fatal("keys must be unique")
	}
}

// countingStore wraps a Store and counts read traffic reaching it.
type countingStore struct {
	Store
	reads int
}

func (s *countingStore) GetByPublisher(ctx context.Context, publisherID string) (*License, error) {
	s.reads++
	return s.Store.GetByPublisher(ctx, publisherID)
}

func (s *countingStore) GetByDomain(ctx context.Context, domain string) (*License, error) {
	s.reads++
	return s.Store.GetByDomain(ctx, domain)
}

func TestCacheServesRepeatReadsFromMemory(t *testing.T) {
	backing := &countingStore{Store: NewMemoryStore()}
	ctx := context.Background()
	lic := newLicense("pub-1", "example.com")
	if err := backing.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}

	cache := NewCache(backing, time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := cache.GetByPublisher(ctx, "pub-1"); err != nil {
			t.Fatalf("cached read %d: %v", i, err)
		}
	}
	if backing.reads != 1 {
		t.Fatalf("store reads = %d, want 1", backing.reads)
	}

	for i := 0; i < 5; i++ {
		if _, err := cache.GetByDomain(ctx, "example.com"); err != nil {
			t.Fatalf("cached domain read %d: %v", i, err)
		}
	}
	if backing.reads != 2 {
		t.Fatalf("store reads = %d, want 2", backing.reads)
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	backing := &countingStore{Store: NewMemoryStore()}
	ctx := context.Background()
	lic := newLicense("pub-1", "example.com")
	if err := backing.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}

	cache := NewCache(backing, time.Minute)
	if _, err := cache.GetByPublisher(ctx, "pub-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if err := backing.SetPrice(ctx, lic.ID, 99_000); err != nil {
		t.Fatalf("set price: %v", err)
	}
	cache.Invalidate("pub-1", "example.com")

	got, err := cache.GetByPublisher(ctx, "pub-1")
	if err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if got.PriceMinor != 99_000 {
		t.Fatalf("stale price %d after invalidate", got.PriceMinor)
	}
}

func TestApplyGovernance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	lic := newLicense("pub-1", "example.com")
	if err := store.Create(ctx, lic); err != nil {
		t.Fatalf("create: %v", err)
	}
	cache := NewCache(store, time.Minute)
	if _, err := cache.GetByPublisher(ctx, "pub-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	apply := ApplyGovernance(store, cache)

	payload := EncodeGovernancePayload(GovernancePayload{
		Op: OpSetPrice, LicenseID: lic.ID, PriceMinor: 42_000,
	})
	if err := apply(ctx, payload); err != nil {
		t.Fatalf("apply set_price: %v", err)
	}
	got, err := cache.GetByPublisher(ctx, "pub-1")
	if err != nil {
		t.Fatalf("read after governance: %v", err)
	}
	if got.PriceMinor != 42_000 {
		t.Fatalf("price = %d, cache not invalidated", got.PriceMinor)
	}

	payload = EncodeGovernancePayload(GovernancePayload{
		Op: OpSetActive, LicenseID: lic.ID, Active: false,
	})
	if err := apply(ctx, payload); err != nil {
		t.Fatalf("apply set_active: %v", err)
	}
	if _, err := store.GetByPublisher(ctx, "pub-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("license still active after governance deactivation: %v", err)
	}

	// Invalid inputs are rejected without touching state.
	if err := apply(ctx, []byte("{")); err == nil {
		t.Fatal("malformed payload must fail")
	}
	bad := EncodeGovernancePayload(GovernancePayload{Op: OpSetPrice, LicenseID: lic.ID, PriceMinor: -1})
	if err := apply(ctx, bad); err == nil {
		t.Fatal("non-positive price must fail")
	}
	unknown := EncodeGovernancePayload(GovernancePayload{Op: "rename", LicenseID: lic.ID})
	if err := apply(ctx, unknown); err == nil {
		t.Fatal("unknown op must fail")
	}
}
