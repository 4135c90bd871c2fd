// Package license implements the publisher license registry: a non-transferable
// credential tying a publisher identity to an access price and domain.
package license

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no license matches the query.
	ErrNotFound = errors.New("license not found")

	// ErrActiveLicenseExists is returned when a publisher already holds an
	// active license. At most one active license per publisher identity.
	ErrActiveLicenseExists = errors.New("publisher already has an active license")
)

// License ties a publisher identity to an access price and payout address.
// PublisherID and PayTo are fixed at issue time; ownership is permanent.
type License struct {
	ID          uuid.UUID      `json:"id"`
	PublisherID string         `json:"publisher_id"`
	Domain      string         `json:"domain"`
	PayTo       common.Address `json:"pay_to"`
	PriceMinor  int64          `json:"price_minor"`
	Active      bool           `json:"active"`

	// APIKeyHash is the bcrypt hash of the publisher's admin API key.
	// The plaintext key is delivered once at creation and never persisted.
	APIKeyHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence interface for licenses.
// Both MemoryStore and PostgresStore implement it.
type Store interface {
	// Create persists a new license. Fails with ErrActiveLicenseExists if
	// the publisher already holds an active license.
	Create(ctx context.Context, lic *License) error

	// GetByID returns the license with the given id.
	GetByID(ctx context.Context, id uuid.UUID) (*License, error)

	// GetByPublisher returns the publisher's active license.
	GetByPublisher(ctx context.Context, publisherID string) (*License, error)

	// GetByDomain returns the active license covering the given domain.
	GetByDomain(ctx context.Context, domain string) (*License, error)

	// SetPrice updates the access price. Governance-gated at the API layer.
	SetPrice(ctx context.Context, id uuid.UUID, priceMinor int64) error

	// SetActive activates or deactivates a license. Reactivation fails with
	// ErrActiveLicenseExists if it would give the publisher two active ones.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// NewAPIKey generates a publisher API key. Shown once, stored only hashed.
func NewAPIKey() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return "tck_" + strings.ToLower(enc.EncodeToString(raw)), nil
}
