package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance is returned when the holder's balance cannot
	// cover the requested transfer.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrInsufficientAllowance is returned when the spender's approved
	// allowance cannot cover the requested transfer.
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
)

// Token is the ERC-20 surface the settlement ledger needs: pull payments via
// pre-approved allowances plus direct transfers.
type Token interface {
	// Address is the token contract address.
	Address() common.Address

	// TransferFrom moves amount from `from` to `to` on behalf of spender,
	// consuming spender's allowance granted by `from`.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error

	// Transfer moves amount from `from` to `to`.
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error

	// BalanceOf returns the holder's balance.
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)

	// Allowance returns what spender may still pull from owner.
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)

	// Approve sets spender's allowance from owner.
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
}

// MemoryToken is an in-process Token with USDC-like semantics (six decimal
// minor units). Used by tests and local simulation.
type MemoryToken struct {
	addr common.Address

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewMemoryToken creates an empty MemoryToken at the given address.
func NewMemoryToken(addr common.Address) *MemoryToken {
	return &MemoryToken{
		addr:       addr,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Address implements Token.
func (t *MemoryToken) Address() common.Address { return t.addr }

// Mint credits amount to holder. Test setup only.
func (t *MemoryToken) Mint(holder common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(holder, amount)
}

// TransferFrom implements Token.
func (t *MemoryToken) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if t.balance(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	t.allowances[from][spender] = new(big.Int).Sub(allowance, amount)
	t.debit(from, amount)
	t.credit(to, amount)
	return nil
}

// Transfer implements Token.
func (t *MemoryToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balance(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	t.debit(from, amount)
	t.credit(to, amount)
	return nil
}

// BalanceOf implements Token.
func (t *MemoryToken) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balance(holder)), nil
}

// Allowance implements Token.
func (t *MemoryToken) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.allowance(owner, spender)), nil
}

// Approve implements Token.
func (t *MemoryToken) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

// Snapshot captures the full token state and returns a restore function.
// The ledger uses it to make batch forwarding all-or-nothing.
func (t *MemoryToken) Snapshot() func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	balances := make(map[common.Address]*big.Int, len(t.balances))
	for addr, bal := range t.balances {
		balances[addr] = new(big.Int).Set(bal)
	}
	allowances := make(map[common.Address]map[common.Address]*big.Int, len(t.allowances))
	for owner, spenders := range t.allowances {
		cp := make(map[common.Address]*big.Int, len(spenders))
		for spender, amt := range spenders {
			cp[spender] = new(big.Int).Set(amt)
		}
		allowances[owner] = cp
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.balances = balances
		t.allowances = allowances
	}
}

// callers hold t.mu

func (t *MemoryToken) balance(holder common.Address) *big.Int {
	if bal, ok := t.balances[holder]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (t *MemoryToken) allowance(owner, spender common.Address) *big.Int {
	if spenders, ok := t.allowances[owner]; ok {
		if amt, ok := spenders[spender]; ok {
			return amt
		}
	}
	return big.NewInt(0)
}

func (t *MemoryToken) credit(holder common.Address, amount *big.Int) {
	t.balances[holder] = new(big.Int).Add(t.balance(holder), amount)
}

func (t *MemoryToken) debit(holder common.Address, amount *big.Int) {
	t.balances[holder] = new(big.Int).Sub(t.balance(holder), amount)
}
