// Package chainmock provides a scriptable chain.Backend for tests.
package chainmock

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type backendMock struct {
	transactionReceipt func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	headerByNumber     func(ctx context.Context, number *big.Int) (*types.Header, error)
	blockNumber        func(ctx context.Context) (uint64, error)
	sendTransaction    func(ctx context.Context, tx *types.Transaction) error
}

func (m *backendMock) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.transactionReceipt != nil {
		return m.transactionReceipt(ctx, txHash)
	}
	return nil, errors.New("chainmock: TransactionReceipt not implemented")
}

func (m *backendMock) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.headerByNumber != nil {
		return m.headerByNumber(ctx, number)
	}
	return nil, errors.New("chainmock: HeaderByNumber not implemented")
}

func (m *backendMock) BlockNumber(ctx context.Context) (uint64, error) {
	if m.blockNumber != nil {
		return m.blockNumber(ctx)
	}
	return 0, errors.New("chainmock: BlockNumber not implemented")
}

func (m *backendMock) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendTransaction != nil {
		return m.sendTransaction(ctx, tx)
	}
	return errors.New("chainmock: SendTransaction not implemented")
}

// Option configures one backend function.
type Option interface {
	apply(*backendMock)
}

type optionFunc func(*backendMock)

func (f optionFunc) apply(m *backendMock) { f(m) }

// New creates a mock backend; unscripted calls fail loudly.
func New(opts ...Option) *backendMock {
	m := &backendMock{}
	for _, o := range opts {
		o.apply(m)
	}
	return m
}

func WithTransactionReceipt(f func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)) Option {
	return optionFunc(func(m *backendMock) { m.transactionReceipt = f })
}

func WithHeaderByNumber(f func(ctx context.Context, number *big.Int) (*types.Header, error)) Option {
	return optionFunc(func(m *backendMock) { m.headerByNumber = f })
}

func WithBlockNumber(f func(ctx context.Context) (uint64, error)) Option {
	return optionFunc(func(m *backendMock) { m.blockNumber = f })
}

func WithSendTransaction(f func(ctx context.Context, tx *types.Transaction) error) Option {
	return optionFunc(func(m *backendMock) { m.sendTransaction = f })
}
