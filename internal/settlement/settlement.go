// Package settlement implements the escrow-free payment forwarder. A payment
// is pulled from the payer's pre-approved allowance and delivered to the
// payee in one atomic operation; the ledger never holds funds at rest.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	// ErrNotOwner is returned when a non-owner calls an administrative
	// function. The owner is always the governance gate.
	ErrNotOwner = errors.New("caller is not the ledger owner")

	// ErrZeroAmount is returned for forwards of zero or negative amounts.
	ErrZeroAmount = errors.New("amount must be positive")

	// ErrZeroAddress is returned when the payee is the zero address.
	ErrZeroAddress = errors.New("payee is the zero address")

	// ErrEmptyBatch is returned for a batch with no entries.
	ErrEmptyBatch = errors.New("batch is empty")

	// ErrSettlementToken is returned when foreign-token recovery targets
	// the settlement token itself.
	ErrSettlementToken = errors.New("cannot recover the settlement token")

	// ErrFundsRetained is returned when a batch leaves settlement tokens
	// parked on the ledger's own address. The forwarder is escrow-free:
	// every leg runs payer to payee and the ledger balance must not grow.
	ErrFundsRetained = errors.New("settlement ledger retained funds")
)

// BatchEntry is one (payee, amount) pair of a batch forward.
type BatchEntry struct {
	Payee  common.Address
	Amount *big.Int
}

// Event describes a completed settlement, consumed by gateway metrics.
type Event struct {
	Payer  common.Address
	Payee  common.Address
	Amount *big.Int
	At     time.Time
}

// snapshotter is implemented by tokens that can roll back state, making
// batch forwarding all-or-nothing the way a chain transaction would be.
type snapshotter interface {
	Snapshot() func()
}

// Ledger forwards settlement-token payments from payer to payee. All
// administrative fields mutate only through the owner, which is the
// governance gate address.
type Ledger struct {
	addr  common.Address
	owner common.Address

	mu             sync.RWMutex
	token          Token
	implementation common.Address
	subscriber     func(Event)

	logger *zap.Logger
}

// NewLedger creates a settlement ledger at addr, administered by owner.
func NewLedger(addr, owner common.Address, token Token, logger *zap.Logger) *Ledger {
	return &Ledger{addr: addr, owner: owner, token: token, logger: logger}
}

// Address returns the ledger's own address, the forwarding route crawlers
// pay through.
func (l *Ledger) Address() common.Address { return l.addr }

// Owner returns the governance gate address.
func (l *Ledger) Owner() common.Address { return l.owner }

// Token returns the current settlement token.
func (l *Ledger) Token() Token {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.token
}

// Implementation returns the current implementation pointer set by Upgrade.
func (l *Ledger) Implementation() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.implementation
}

// Subscribe registers a settlement event callback. One subscriber; the
// gateway wires its metrics here.
func (l *Ledger) Subscribe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriber = fn
}

// Forward pulls amountMinor from caller's allowance and delivers it to payee
// in the same operation. Callable by anyone: the crawler pays for itself.
func (l *Ledger) Forward(ctx context.Context, caller, payee common.Address, amountMinor *big.Int) error {
	if amountMinor == nil || amountMinor.Sign() <= 0 {
		return ErrZeroAmount
	}
	if payee == (common.Address{}) {
		return ErrZeroAddress
	}

	token := l.Token()
	if err := token.TransferFrom(ctx, l.addr, caller, payee, amountMinor); err != nil {
		return fmt.Errorf("forward %s -> %s: %w", caller.Hex(), payee.Hex(), err)
	}

	l.emit(Event{Payer: caller, Payee: payee, Amount: new(big.Int).Set(amountMinor), At: time.Now().UTC()})
	l.logger.Debug("payment forwarded",
		zap.String("payer", caller.Hex()),
		zap.String("payee", payee.Hex()),
		zap.String("amount_minor", amountMinor.String()),
	)
	return nil
}

// ForwardBatch forwards all entries or none. The allowance and balance are
// checked once for the aggregate amount, then per-entry transfers run; any
// failing entry reverts the whole batch.
func (l *Ledger) ForwardBatch(ctx context.Context, caller common.Address, entries []BatchEntry) error {
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	total := big.NewInt(0)
	for _, e := range entries {
		if e.Amount == nil || e.Amount.Sign() <= 0 {
			return ErrZeroAmount
		}
		if e.Payee == (common.Address{}) {
			return ErrZeroAddress
		}
		total.Add(total, e.Amount)
	}

	token := l.Token()

	// One aggregate check instead of N.
	allowance, err := token.Allowance(ctx, caller, l.addr)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(total) < 0 {
		return ErrInsufficientAllowance
	}
	balance, err := token.BalanceOf(ctx, caller)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(total) < 0 {
		return ErrInsufficientBalance
	}
	heldBefore, err := token.BalanceOf(ctx, l.addr)
	if err != nil {
		return fmt.Errorf("read ledger balance: %w", err)
	}

	var restore func()
	if snap, ok := token.(snapshotter); ok {
		restore = snap.Snapshot()
	}

	for i, e := range entries {
		if err := token.TransferFrom(ctx, l.addr, caller, e.Payee, e.Amount); err != nil {
			if restore != nil {
				restore()
			}
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
	}

	// Escrow-free post-condition: no leg may have parked funds here.
	heldAfter, err := token.BalanceOf(ctx, l.addr)
	if err != nil {
		return fmt.Errorf("read ledger balance: %w", err)
	}
	if heldAfter.Cmp(heldBefore) > 0 {
		if restore != nil {
			restore()
		}
		return fmt.Errorf("%w: held %s, was %s", ErrFundsRetained, heldAfter, heldBefore)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		l.emit(Event{Payer: caller, Payee: e.Payee, Amount: new(big.Int).Set(e.Amount), At: now})
	}
	l.logger.Debug("batch forwarded",
		zap.String("payer", caller.Hex()),
		zap.Int("entries", len(entries)),
		zap.String("total_minor", total.String()),
	)
	return nil
}

// SetToken swaps the settlement token. Owner-only.
func (l *Ledger) SetToken(_ context.Context, caller common.Address, token Token) error {
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = token
	l.logger.Info("settlement token changed", zap.String("token", token.Address().Hex()))
	return nil
}

// RecoverForeignToken sweeps a token accidentally sent to the ledger address
// out to `to`. The settlement token itself is never recoverable: the ledger
// holds none of it at rest, and a sweep path for it would be a theft path.
// Owner-only.
func (l *Ledger) RecoverForeignToken(ctx context.Context, caller common.Address, foreign Token, to common.Address, amount *big.Int) error {
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if foreign.Address() == l.Token().Address() {
		return ErrSettlementToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := foreign.Transfer(ctx, l.addr, to, amount); err != nil {
		return fmt.Errorf("recover foreign token: %w", err)
	}
	l.logger.Info("foreign token recovered",
		zap.String("token", foreign.Address().Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
	)
	return nil
}

// Upgrade points the ledger at a new implementation. Owner-only.
func (l *Ledger) Upgrade(_ context.Context, caller, implementation common.Address) error {
	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.implementation = implementation
	l.logger.Info("ledger implementation upgraded", zap.String("implementation", implementation.Hex()))
	return nil
}

func (l *Ledger) requireOwner(caller common.Address) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	return nil
}

func (l *Ledger) emit(ev Event) {
	l.mu.RLock()
	fn := l.subscriber
	l.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}
