package proofledger

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestApplyGovernanceWriterGrants(t *testing.T) {
	owner := common.HexToAddress("0x0000000000000000000000000000000000000403")
	newWriter := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ledger := NewLedger(NewMemoryStore(), owner)
	apply := ApplyGovernance(ledger, owner)
	ctx := context.Background()

	if ledger.IsWriter(newWriter) {
		t.Fatal("writer must start unauthorized")
	}

	grant := EncodeGovernancePayload(GovernancePayload{Op: OpGrantWriter, Writer: newWriter})
	if err := apply(ctx, grant); err != nil {
		t.Fatalf("apply grant: %v", err)
	}
	if !ledger.IsWriter(newWriter) {
		t.Fatal("writer not granted")
	}
	if _, err := ledger.Log(ctx, newWriter, uuid.New(), newWriter, time.Now()); err != nil {
		t.Fatalf("granted writer cannot log: %v", err)
	}

	revoke := EncodeGovernancePayload(GovernancePayload{Op: OpRevokeWriter, Writer: newWriter})
	if err := apply(ctx, revoke); err != nil {
		t.Fatalf("apply revoke: %v", err)
	}
	if ledger.IsWriter(newWriter) {
		t.Fatal("writer not revoked")
	}

	if err := apply(ctx, []byte("{")); err == nil {
		t.Fatal("malformed payload must fail")
	}
	unknown := EncodeGovernancePayload(GovernancePayload{Op: "freeze", Writer: newWriter})
	if err := apply(ctx, unknown); err == nil {
		t.Fatal("unknown op must fail")
	}
}
