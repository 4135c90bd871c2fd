package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// ErrTxNotFound is returned when the transaction is not (yet) known to
	// the chain. Callers may retry with the same hash.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxReverted is returned when the transaction was mined but its
	// execution reverted. This outcome is permanent.
	ErrTxReverted = errors.New("transaction reverted")
)

// PaymentProof is the on-chain evidence re-read for a given transaction hash.
// It is derived state: never persisted beyond the replay window.
type PaymentProof struct {
	TxHash    common.Hash
	Payer     common.Address
	Transfers []TokenTransfer
	BlockTime time.Time
}

// TokenTransfer is one decoded ERC-20 Transfer log carried by the receipt.
type TokenTransfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Config tunes the client's per-call budget.
type Config struct {
	// Timeout bounds a single RPC attempt. The verification path fails
	// closed when the budget is exhausted.
	Timeout time.Duration

	// Retries is the number of additional attempts after a transient
	// failure. Not-found and reverted outcomes are never retried.
	Retries int

	// Backoff is the base delay between attempts; doubled each retry.
	Backoff time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 250 * time.Millisecond
	}
}

// Client wraps a Backend with bounded timeouts and retry of transient
// network failures. It is safe for concurrent use.
type Client struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
}

// NewClient creates a Client over the given backend.
func NewClient(backend Backend, cfg Config, logger *zap.Logger) *Client {
	cfg.defaults()
	return &Client{backend: backend, cfg: cfg, logger: logger}
}

// Proof fetches the receipt for txHash and decodes every Transfer log of the
// given settlement token. It returns ErrTxNotFound if the transaction is
// unknown or still pending, and ErrTxReverted if it was mined but failed.
func (c *Client) Proof(ctx context.Context, txHash common.Hash, token common.Address) (*PaymentProof, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, "TransactionReceipt", func(callCtx context.Context) error {
		var rcptErr error
		receipt, rcptErr = c.backend.TransactionReceipt(callCtx, txHash)
		return rcptErr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrTxReverted
	}

	header, err := c.headerByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}

	proof := &PaymentProof{
		TxHash:    txHash,
		BlockTime: time.Unix(int64(header.Time), 0).UTC(),
	}
	for _, log := range receipt.Logs {
		transfer, ok := decodeTransfer(log)
		if !ok || transfer.Token != token {
			continue
		}
		proof.Transfers = append(proof.Transfers, transfer)
	}
	// The payer, for receipt purposes, is whoever funded the first settlement
	// token transfer. Signature recovery is not needed to verify a payment.
	if len(proof.Transfers) > 0 {
		proof.Payer = proof.Transfers[0].From
	}
	return proof, nil
}

// BlockTimestamp returns the timestamp of the block containing txHash.
func (c *Client) BlockTimestamp(ctx context.Context, txHash common.Hash) (time.Time, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, "TransactionReceipt", func(callCtx context.Context) error {
		var rcptErr error
		receipt, rcptErr = c.backend.TransactionReceipt(callCtx, txHash)
		return rcptErr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return time.Time{}, ErrTxNotFound
		}
		return time.Time{}, err
	}
	header, err := c.headerByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// SendSignedTransaction submits an already-signed transaction.
func (c *Client) SendSignedTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := c.withRetry(ctx, "SendTransaction", func(callCtx context.Context) error {
		return c.backend.SendTransaction(callCtx, tx)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// Ping checks that the chain endpoint answers at all. Used by the startup
// health check; a gateway that cannot reach its chain must not serve traffic.
func (c *Client) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "BlockNumber", func(callCtx context.Context) error {
		_, err := c.backend.BlockNumber(callCtx)
		return err
	})
}

func (c *Client) headerByNumber(ctx context.Context, number *big.Int) (header *types.Header, err error) {
	err = c.withRetry(ctx, "HeaderByNumber", func(callCtx context.Context) error {
		var hdrErr error
		header, hdrErr = c.backend.HeaderByNumber(callCtx, number)
		return hdrErr
	})
	return header, err
}

// withRetry runs call with a per-attempt timeout, retrying transient errors
// with doubling backoff. Not-found outcomes are returned immediately: the
// chain answered, the transaction simply is not there.
func (c *Client) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	backoff := c.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if attempt < c.cfg.Retries {
			c.logger.Warn("chain RPC attempt failed",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}
