package proofledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Governance ops on the crawl ledger. Writer membership is administrative:
// only the governance gate may change it.
const (
	OpGrantWriter  = "grant_writer"
	OpRevokeWriter = "revoke_writer"
)

// GovernancePayload is the payload format for governance transactions
// targeting the crawl ledger.
type GovernancePayload struct {
	Op     string         `json:"op"`
	Writer common.Address `json:"writer"`
}

// EncodeGovernancePayload marshals a crawl ledger governance payload.
func EncodeGovernancePayload(p GovernancePayload) []byte {
	raw, _ := json.Marshal(p)
	return raw
}

// ApplyGovernance decodes and applies a governance payload against the
// ledger, acting as owner. Registered as the gate's handler for the ledger
// destination.
func ApplyGovernance(l *Ledger, owner common.Address) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var p GovernancePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode ledger governance payload: %w", err)
		}

		switch p.Op {
		case OpGrantWriter:
			return l.SetWriter(ctx, owner, p.Writer, true)
		case OpRevokeWriter:
			return l.SetWriter(ctx, owner, p.Writer, false)
		default:
			return fmt.Errorf("unknown ledger governance op %q", p.Op)
		}
	}
}
