// Package proofledger implements the append-only proof-of-crawl ledger: a
// hash-chained log of verified (license, crawler, timestamp) receipts with a
// strictly increasing sequence id.
package proofledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// GenesisHash anchors the chain. The genesis entry at sequence 0 carries this
// well-known constant rather than a computed hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry actions. Crawl receipts and writer-set audit records share the same
// append-only chain; history is never mutated, corrections append.
const (
	ActionGenesis      = "genesis"
	ActionCrawl        = "crawl"
	ActionWriterGrant  = "writer_grant"
	ActionWriterRevoke = "writer_revoke"
)

// Entry is a single record in the proof-of-crawl chain.
type Entry struct {
	SequenceID int64          `json:"sequence_id"`
	Action     string         `json:"action"`
	LicenseID  uuid.UUID      `json:"license_id"`
	Crawler    common.Address `json:"crawler"`
	Timestamp  time.Time      `json:"timestamp"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 over an entry's fields.
// Never called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d|%s",
		e.SequenceID, e.Action, e.LicenseID, e.Crawler.Hex(),
		e.Timestamp.Unix(), e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// tripleKey identifies a (license, crawler, second) crawl for duplicate
// protection. The ledger records events; it must not double count.
func tripleKey(licenseID uuid.UUID, crawler common.Address, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", licenseID, crawler.Hex(), ts.Unix())
}
