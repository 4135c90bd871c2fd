package license

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Governance ops on the license registry. Price and activation changes are
// administrative fields: only the governance gate may apply them.
const (
	OpSetPrice  = "set_price"
	OpSetActive = "set_active"
)

// GovernancePayload is the payload format for governance transactions
// targeting the license registry.
type GovernancePayload struct {
	Op         string    `json:"op"`
	LicenseID  uuid.UUID `json:"license_id"`
	PriceMinor int64     `json:"price_minor,omitempty"`
	Active     bool      `json:"active,omitempty"`
}

// EncodeGovernancePayload marshals a license governance payload.
func EncodeGovernancePayload(p GovernancePayload) []byte {
	raw, _ := json.Marshal(p)
	return raw
}

// ApplyGovernance decodes and applies a governance payload against the
// store, invalidating the read-through cache so the change takes effect on
// the next challenge. Registered as the gate's handler for the registry
// destination.
func ApplyGovernance(store Store, cache *Cache) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var p GovernancePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode license governance payload: %w", err)
		}

		lic, err := store.GetByID(ctx, p.LicenseID)
		if err != nil {
			return err
		}

		switch p.Op {
		case OpSetPrice:
			if p.PriceMinor <= 0 {
				return fmt.Errorf("price must be positive, got %d", p.PriceMinor)
			}
			if err := store.SetPrice(ctx, p.LicenseID, p.PriceMinor); err != nil {
				return err
			}
		case OpSetActive:
			if err := store.SetActive(ctx, p.LicenseID, p.Active); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown license governance op %q", p.Op)
		}

		if cache != nil {
			cache.Invalidate(lic.PublisherID, lic.Domain)
		}
		return nil
	}
}
