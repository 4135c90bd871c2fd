// Package governance implements the N-of-M multi-signature gate that is the
// sole administrator of the settlement and proof-of-crawl ledgers. Every
// administrative action is a proposed transaction that signers confirm and
// execute; execution happens exactly once.
package governance

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	// ErrNotSigner is returned when the caller is not in the signer set.
	ErrNotSigner = errors.New("caller is not a signer")

	// ErrUnknownTransaction is returned for an id that was never submitted.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrAlreadyConfirmed is returned when a signer confirms twice.
	ErrAlreadyConfirmed = errors.New("signer already confirmed")

	// ErrNotConfirmed is returned when a signer revokes a confirmation it
	// never gave.
	ErrNotConfirmed = errors.New("signer has not confirmed")

	// ErrAlreadyExecuted guards against double execution.
	ErrAlreadyExecuted = errors.New("transaction already executed")

	// ErrBelowThreshold is returned when Execute is called before quorum.
	ErrBelowThreshold = errors.New("confirmations below threshold")

	// ErrTimelocked is returned when a sensitive destination's time-lock
	// window has not elapsed yet.
	ErrTimelocked = errors.New("time-lock window has not elapsed")

	// ErrUnknownDestination is returned when no handler is registered for
	// the transaction's destination.
	ErrUnknownDestination = errors.New("no handler for destination")

	// ErrInvalidConfig rejects impossible signer/threshold combinations.
	ErrInvalidConfig = errors.New("invalid signer set or threshold")
)

// maxSigners bounds the signer set so confirmations fit in one bitmask word.
const maxSigners = 64

// Handler executes a confirmed transaction's payload at a destination.
type Handler func(ctx context.Context, payload []byte) error

// Transaction is one pending or executed governance action.
type Transaction struct {
	ID          uint64
	Destination common.Address
	Payload     []byte
	Executed    bool
	SubmittedAt time.Time

	// confirmations is a bitmask keyed by signer index; counting quorum is
	// a popcount, and "has this signer confirmed" is unambiguous.
	confirmations uint64

	// quorumAt is when the threshold was first reached; zero while below.
	// Sensitive destinations become executable quorumAt+timelock.
	quorumAt time.Time
}

// Status is the externally visible state of a transaction.
type Status struct {
	ID            uint64           `json:"id"`
	Destination   common.Address   `json:"destination"`
	Confirmations int              `json:"confirmations"`
	ConfirmedBy   []common.Address `json:"confirmed_by"`
	Executed      bool             `json:"executed"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	ExecutableAt  time.Time        `json:"executable_at,omitempty"`
}

// Gate is the multi-signature wallet. Signer set and threshold are fixed at
// construction; changing either goes through the same submit/confirm/execute
// flow targeting the gate's own address.
type Gate struct {
	addr     common.Address
	timelock time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	signers   []common.Address
	index     map[common.Address]int
	threshold int
	sensitive map[common.Address]bool
	handlers  map[common.Address]Handler
	txs       map[uint64]*Transaction
	nextID    uint64
}

// NewGate creates a gate at addr with the given signer set and threshold.
func NewGate(addr common.Address, signers []common.Address, threshold int, timelock time.Duration, logger *zap.Logger) (*Gate, error) {
	if len(signers) == 0 || len(signers) > maxSigners || threshold < 1 || threshold > len(signers) {
		return nil, ErrInvalidConfig
	}
	index := make(map[common.Address]int, len(signers))
	for i, s := range signers {
		if _, dup := index[s]; dup {
			return nil, fmt.Errorf("%w: duplicate signer %s", ErrInvalidConfig, s.Hex())
		}
		index[s] = i
	}

	g := &Gate{
		addr:      addr,
		timelock:  timelock,
		logger:    logger,
		signers:   append([]common.Address(nil), signers...),
		index:     index,
		threshold: threshold,
		sensitive: make(map[common.Address]bool),
		handlers:  make(map[common.Address]Handler),
		txs:       make(map[uint64]*Transaction),
		nextID:    1,
	}
	// The gate administers itself through the same flow, and self-changes
	// are always time-locked.
	g.handlers[addr] = g.applySelf
	g.sensitive[addr] = true
	return g, nil
}

// Address returns the gate's own address.
func (g *Gate) Address() common.Address { return g.addr }

// RegisterDestination wires a handler for a destination address. Sensitive
// destinations (ownership transfer, implementation upgrade) additionally
// require the time-lock window between quorum and execution.
func (g *Gate) RegisterDestination(dest common.Address, h Handler, sensitive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[dest] = h
	if sensitive {
		g.sensitive[dest] = true
	}
}

// Submit proposes a transaction. Any signer may submit; the id is assigned
// from a monotonically increasing sequence and never reused.
func (g *Gate) Submit(_ context.Context, caller common.Address, dest common.Address, payload []byte) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[caller]; !ok {
		return 0, ErrNotSigner
	}

	tx := &Transaction{
		ID:          g.nextID,
		Destination: dest,
		Payload:     append([]byte(nil), payload...),
		SubmittedAt: time.Now().UTC(),
	}
	g.nextID++
	g.txs[tx.ID] = tx

	g.logger.Info("governance transaction submitted",
		zap.Uint64("id", tx.ID),
		zap.String("destination", dest.Hex()),
		zap.String("signer", caller.Hex()),
	)
	return tx.ID, nil
}

// Confirm adds the caller's confirmation. A signer confirms at most once per
// transaction; confirming again is rejected.
func (g *Gate) Confirm(_ context.Context, caller common.Address, id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[caller]
	if !ok {
		return ErrNotSigner
	}
	tx, ok := g.txs[id]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.Executed {
		return ErrAlreadyExecuted
	}

	bit := uint64(1) << uint(idx)
	if tx.confirmations&bit != 0 {
		return ErrAlreadyConfirmed
	}
	tx.confirmations |= bit

	if bits.OnesCount64(tx.confirmations) >= g.threshold && tx.quorumAt.IsZero() {
		tx.quorumAt = time.Now().UTC()
	}

	g.logger.Info("governance transaction confirmed",
		zap.Uint64("id", id),
		zap.String("signer", caller.Hex()),
		zap.Int("confirmations", bits.OnesCount64(tx.confirmations)),
	)
	return nil
}

// Revoke withdraws the caller's own confirmation before execution.
func (g *Gate) Revoke(_ context.Context, caller common.Address, id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[caller]
	if !ok {
		return ErrNotSigner
	}
	tx, ok := g.txs[id]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.Executed {
		return ErrAlreadyExecuted
	}

	bit := uint64(1) << uint(idx)
	if tx.confirmations&bit == 0 {
		return ErrNotConfirmed
	}
	tx.confirmations &^= bit

	// Dropping below quorum restarts the time-lock clock on re-quorum.
	if bits.OnesCount64(tx.confirmations) < g.threshold {
		tx.quorumAt = time.Time{}
	}

	g.logger.Info("governance confirmation revoked",
		zap.Uint64("id", id),
		zap.String("signer", caller.Hex()),
	)
	return nil
}

// Execute performs the transaction's call once confirmations meet the
// threshold at call time. A successful execution is terminal: re-executing
// fails with ErrAlreadyExecuted and leaves all state unchanged.
func (g *Gate) Execute(ctx context.Context, caller common.Address, id uint64) error {
	g.mu.Lock()

	if _, ok := g.index[caller]; !ok {
		g.mu.Unlock()
		return ErrNotSigner
	}
	tx, ok := g.txs[id]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownTransaction
	}
	if tx.Executed {
		g.mu.Unlock()
		return ErrAlreadyExecuted
	}
	if bits.OnesCount64(tx.confirmations) < g.threshold {
		g.mu.Unlock()
		return ErrBelowThreshold
	}
	if g.sensitive[tx.Destination] && g.timelock > 0 {
		if tx.quorumAt.IsZero() || time.Now().UTC().Before(tx.quorumAt.Add(g.timelock)) {
			g.mu.Unlock()
			return ErrTimelocked
		}
	}
	handler, ok := g.handlers[tx.Destination]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownDestination
	}

	// Mark executed before the call: a reentrant Execute through the
	// handler must observe the terminal state, not run the call twice.
	tx.Executed = true
	g.mu.Unlock()

	if err := handler(ctx, tx.Payload); err != nil {
		g.mu.Lock()
		tx.Executed = false
		g.mu.Unlock()
		return fmt.Errorf("execute transaction %d: %w", id, err)
	}

	g.logger.Info("governance transaction executed",
		zap.Uint64("id", id),
		zap.String("destination", tx.Destination.Hex()),
	)
	return nil
}

// Signers returns a copy of the signer set.
func (g *Gate) Signers() []common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.Address(nil), g.signers...)
}

// Threshold returns the current confirmation threshold.
func (g *Gate) Threshold() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// TransactionStatus returns the externally visible state of a transaction.
func (g *Gate) TransactionStatus(id uint64) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, ok := g.txs[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}

	st := &Status{
		ID:            tx.ID,
		Destination:   tx.Destination,
		Confirmations: bits.OnesCount64(tx.confirmations),
		Executed:      tx.Executed,
		SubmittedAt:   tx.SubmittedAt,
	}
	for i, s := range g.signers {
		if tx.confirmations&(uint64(1)<<uint(i)) != 0 {
			st.ConfirmedBy = append(st.ConfirmedBy, s)
		}
	}
	if g.sensitive[tx.Destination] && g.timelock > 0 && !tx.quorumAt.IsZero() {
		st.ExecutableAt = tx.quorumAt.Add(g.timelock)
	}
	return st, nil
}
