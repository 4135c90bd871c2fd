package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Self-administration ops. Changing the signer set or threshold is itself a
// transaction confirmed and executed through the normal flow.
const (
	OpSetThreshold = "set_threshold"
	OpAddSigner    = "add_signer"
	OpRemoveSigner = "remove_signer"
)

// SelfPayload is the payload format for transactions targeting the gate's
// own address.
type SelfPayload struct {
	Op        string         `json:"op"`
	Threshold int            `json:"threshold,omitempty"`
	Signer    common.Address `json:"signer,omitempty"`
}

// EncodeSelfPayload marshals a self-administration payload.
func EncodeSelfPayload(p SelfPayload) []byte {
	raw, _ := json.Marshal(p)
	return raw
}

// applySelf is the handler for the gate's own address. Runs without g.mu
// held by Execute, so it takes the lock itself.
func (g *Gate) applySelf(_ context.Context, payload []byte) error {
	var p SelfPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode self payload: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch p.Op {
	case OpSetThreshold:
		if p.Threshold < 1 || p.Threshold > len(g.signers) {
			return fmt.Errorf("%w: threshold %d of %d signers", ErrInvalidConfig, p.Threshold, len(g.signers))
		}
		g.threshold = p.Threshold

	case OpAddSigner:
		if _, exists := g.index[p.Signer]; exists {
			return fmt.Errorf("%w: signer %s already present", ErrInvalidConfig, p.Signer.Hex())
		}
		if len(g.signers) >= maxSigners {
			return fmt.Errorf("%w: signer set full", ErrInvalidConfig)
		}
		g.index[p.Signer] = len(g.signers)
		g.signers = append(g.signers, p.Signer)

	case OpRemoveSigner:
		idx, exists := g.index[p.Signer]
		if !exists {
			return fmt.Errorf("%w: signer %s not present", ErrInvalidConfig, p.Signer.Hex())
		}
		if len(g.signers)-1 < g.threshold {
			return fmt.Errorf("%w: removal would drop signers below threshold", ErrInvalidConfig)
		}
		// Compact by swapping in the last signer. Pending confirmation
		// bitmasks reference indexes, so clear the affected bits.
		last := len(g.signers) - 1
		moved := g.signers[last]
		g.signers[idx] = moved
		g.signers = g.signers[:last]
		delete(g.index, p.Signer)
		if moved != p.Signer {
			g.index[moved] = idx
		}
		for _, tx := range g.txs {
			if tx.Executed {
				continue
			}
			movedBit := tx.confirmations & (uint64(1) << uint(last))
			tx.confirmations &^= uint64(1) << uint(idx)
			tx.confirmations &^= uint64(1) << uint(last)
			if movedBit != 0 {
				tx.confirmations |= uint64(1) << uint(idx)
			}
			// Same rule as Revoke: dropping below quorum restarts the
			// time-lock clock on re-quorum.
			if bits.OnesCount64(tx.confirmations) < g.threshold {
				tx.quorumAt = time.Time{}
			}
		}

	default:
		return fmt.Errorf("%w: unknown self op %q", ErrInvalidConfig, p.Op)
	}
	return nil
}
