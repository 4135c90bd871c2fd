package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tachi-protocol/tachi/internal/chain"
	"github.com/tachi-protocol/tachi/internal/chain/chainmock"
	"go.uber.org/zap"
)

var (
	tokenAddr = common.HexToAddress("0x8888888888888888888888888888888888888888")
	payerAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payeeAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	someTx    = common.HexToHash("0xdead000000000000000000000000000000000000000000000000000000000001")
)

func transferLog(token, from, to common.Address, amount int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func testConfig() chain.Config {
	return chain.Config{Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}
}

func TestProofDecodesTokenTransfers(t *testing.T) {
	blockTime := time.Now().Add(-time.Minute).Unix()
	otherToken := common.HexToAddress("0x9999999999999999999999999999999999999999")

	backend := chainmock.New(
		chainmock.WithTransactionReceipt(func(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
			if txHash != someTx {
				return nil, ethereum.NotFound
			}
			return &types.Receipt{
				Status:      types.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(100),
				Logs: []*types.Log{
					transferLog(otherToken, payerAddr, payeeAddr, 999), // foreign token, skipped
					transferLog(tokenAddr, payerAddr, payeeAddr, 10_000),
				},
			}, nil
		}),
		chainmock.WithHeaderByNumber(func(_ context.Context, number *big.Int) (*types.Header, error) {
			if number.Int64() != 100 {
				t.Fatalf("unexpected block number %s", number)
			}
			return &types.Header{Time: uint64(blockTime)}, nil
		}),
	)

	c := chain.NewClient(backend, testConfig(), zap.NewNop())
	proof, err := c.Proof(context.Background(), someTx, tokenAddr)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof.Transfers) != 1 {
		t.Fatalf("expected 1 settlement token transfer, got %d", len(proof.Transfers))
	}
	tr := proof.Transfers[0]
	if tr.From != payerAddr || tr.To != payeeAddr || tr.Amount.Int64() != 10_000 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if proof.Payer != payerAddr {
		t.Fatalf("payer = %s", proof.Payer.Hex())
	}
	if proof.BlockTime.Unix() != blockTime {
		t.Fatalf("block time = %v", proof.BlockTime)
	}
}

func TestProofNotFoundIsNotRetried(t *testing.T) {
	calls := 0
	backend := chainmock.New(
		chainmock.WithTransactionReceipt(func(context.Context, common.Hash) (*types.Receipt, error) {
			calls++
			return nil, ethereum.NotFound
		}),
	)

	c := chain.NewClient(backend, testConfig(), zap.NewNop())
	_, err := c.Proof(context.Background(), someTx, tokenAddr)
	if !errors.Is(err, chain.ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("not-found must not be retried, got %d calls", calls)
	}
}

func TestProofRevertedTransaction(t *testing.T) {
	backend := chainmock.New(
		chainmock.WithTransactionReceipt(func(context.Context, common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}, nil
		}),
	)

	c := chain.NewClient(backend, testConfig(), zap.NewNop())
	_, err := c.Proof(context.Background(), someTx, tokenAddr)
	if !errors.Is(err, chain.ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	calls := 0
	backend := chainmock.New(
		chainmock.WithBlockNumber(func(context.Context) (uint64, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("connection reset")
			}
			return 42, nil
		}),
	)

	c := chain.NewClient(backend, testConfig(), zap.NewNop())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	backend := chainmock.New(
		chainmock.WithBlockNumber(func(context.Context) (uint64, error) {
			return 0, errors.New("connection reset")
		}),
	)

	c := chain.NewClient(backend, testConfig(), zap.NewNop())
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestValidTxHash(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"0x" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", true},
		{"0x" + "AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12", true},
		{"", false},
		{"0x1234", false},
		{"ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", false},
		{"0x" + "zz12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", false},
	}
	for _, tc := range cases {
		if got := chain.ValidTxHash(tc.in); got != tc.want {
			t.Errorf("ValidTxHash(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
