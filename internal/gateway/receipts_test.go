package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/tachi-protocol/tachi/internal/proofledger"
	"go.uber.org/zap"
)

func waitForTotal(t *testing.T, ledger *proofledger.Ledger, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		total, err := ledger.TotalLogged(context.Background())
		if err != nil {
			t.Fatalf("total logged: %v", err)
		}
		if total == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("total = %d, want %d", total, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiptSubmitterRecordsCrawl(t *testing.T) {
	writer := common.HexToAddress("0x0000000000000000000000000000000000000405")
	ledger := proofledger.NewLedger(proofledger.NewMemoryStore(), testSettlement, writer)
	s := NewReceiptSubmitter(ledger, writer, 16, 3, time.Millisecond, zap.NewNop())
	defer s.Close()

	s.Submit(testTxHash, uuid.New(), testPayer, time.Now().UTC())
	waitForTotal(t, ledger, 1)
}

func TestReceiptSubmitterDeduplicatesTxHash(t *testing.T) {
	writer := common.HexToAddress("0x0000000000000000000000000000000000000405")
	ledger := proofledger.NewLedger(proofledger.NewMemoryStore(), testSettlement, writer)
	s := NewReceiptSubmitter(ledger, writer, 16, 3, time.Millisecond, zap.NewNop())
	defer s.Close()

	licID := uuid.New()
	ts := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Submit(testTxHash, licID, testPayer, ts)
	}
	waitForTotal(t, ledger, 1)

	// Give a wrongly duplicated receipt a chance to land, then re-check.
	time.Sleep(20 * time.Millisecond)
	waitForTotal(t, ledger, 1)
}

func TestReceiptSubmitterCloseDrainsQueue(t *testing.T) {
	writer := common.HexToAddress("0x0000000000000000000000000000000000000405")
	ledger := proofledger.NewLedger(proofledger.NewMemoryStore(), testSettlement, writer)
	s := NewReceiptSubmitter(ledger, writer, 64, 3, time.Millisecond, zap.NewNop())

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		tx := testTxHash[:len(testTxHash)-2] + string(rune('a'+i)) + "0"
		s.Submit(tx, uuid.New(), testPayer, base.Add(time.Duration(i)*time.Second))
	}
	s.Close()

	total, err := ledger.TotalLogged(context.Background())
	if err != nil {
		t.Fatalf("total logged: %v", err)
	}
	if total != 10 {
		t.Fatalf("total after drain = %d, want 10", total)
	}
}

func TestReceiptSubmitterGivesUpOnUnauthorizedWriter(t *testing.T) {
	owner := testSettlement
	writer := common.HexToAddress("0x0000000000000000000000000000000000000405")
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	ledger := proofledger.NewLedger(proofledger.NewMemoryStore(), owner, writer)

	s := NewReceiptSubmitter(ledger, stranger, 16, 2, time.Millisecond, zap.NewNop())
	s.Submit(testTxHash, uuid.New(), testPayer, time.Now().UTC())
	s.Close()

	total, err := ledger.TotalLogged(context.Background())
	if err != nil {
		t.Fatalf("total logged: %v", err)
	}
	if total != 0 {
		t.Fatalf("unauthorized writer must not land receipts, total = %d", total)
	}
}
