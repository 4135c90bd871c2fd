package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tachi-protocol/tachi/internal/chain"
	"github.com/tachi-protocol/tachi/internal/license"
	"github.com/tachi-protocol/tachi/internal/replay"
	"go.uber.org/zap"
)

// Reason codes surfaced in the 402 body's error field. All are
// client-correctable: the crawler can pay, wait, retry, or give up.
const (
	ReasonPaymentRequired    = "payment_required"
	ReasonAlreadyUsed        = "payment_already_used"
	ReasonTxNotFound         = "tx_not_found"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonWrongRecipient     = "wrong_recipient"
	ReasonTooOld             = "too_old"
)

// VerifyError is a rejected payment proof. It always carries a reason code
// the crawler can act on; verification failures never escape the gateway as
// anything but a 402.
type VerifyError struct {
	Reason string
	cause  error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("payment rejected (%s): %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("payment rejected (%s)", e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.cause }

func reject(reason string, cause error) *VerifyError {
	return &VerifyError{Reason: reason, cause: cause}
}

// Verifier runs the payment-proof pipeline: replay check, on-chain
// verification, freshness check, and the atomic replay admission.
type Verifier struct {
	chain          *chain.Client
	replay         replay.Store
	token          common.Address
	settlementAddr common.Address
	maxProofAge    time.Duration
	logger         *zap.Logger
}

// NewVerifier creates a Verifier. maxProofAge bounds how old a mined
// transaction may be to count as fresh proof, independent of the replay TTL.
func NewVerifier(chainClient *chain.Client, replayStore replay.Store, token, settlementAddr common.Address, maxProofAge time.Duration, logger *zap.Logger) *Verifier {
	return &Verifier{
		chain:          chainClient,
		replay:         replayStore,
		token:          token,
		settlementAddr: settlementAddr,
		maxProofAge:    maxProofAge,
		logger:         logger,
	}
}

// Verify checks txHash as payment for lic. On success the hash has been
// atomically admitted into the replay window: a given proof is single-use.
// The caller must have validated the hash shape already.
func (v *Verifier) Verify(ctx context.Context, txHash string, lic *license.License) (*chain.PaymentProof, *VerifyError) {
	// Cheap rejection before any RPC: a hash already inside the replay
	// window cannot be admitted again.
	used, err := v.replay.Exists(ctx, txHash)
	if err != nil {
		// Replay store down: fail closed, retryable.
		v.logger.Warn("replay store unavailable", zap.String("tx", txHash), zap.Error(err))
		return nil, reject(ReasonTxNotFound, err)
	}
	if used {
		return nil, reject(ReasonAlreadyUsed, nil)
	}

	proof, err := v.chain.Proof(ctx, common.HexToHash(txHash), v.token)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrTxReverted):
			return nil, reject(ReasonTxNotFound, err)
		default:
			// RPC budget exhausted. The crawler's remedy is the same as
			// for a pending transaction: retry.
			v.logger.Warn("chain verification unavailable", zap.String("tx", txHash), zap.Error(err))
			return nil, reject(ReasonTxNotFound, err)
		}
	}

	if age := time.Since(proof.BlockTime); age > v.maxProofAge {
		return nil, reject(ReasonTooOld, fmt.Errorf("proof is %s old, max %s", age.Truncate(time.Second), v.maxProofAge))
	}

	if vErr := v.checkTransfers(proof, lic); vErr != nil {
		return nil, vErr
	}

	// Atomic admission: of two handlers racing on the same hash, exactly
	// one wins here; the loser observes payment_already_used.
	admitted, err := v.replay.InsertIfAbsent(ctx, txHash)
	if err != nil {
		v.logger.Warn("replay store unavailable at admission", zap.String("tx", txHash), zap.Error(err))
		return nil, reject(ReasonTxNotFound, err)
	}
	if !admitted {
		return nil, reject(ReasonAlreadyUsed, nil)
	}
	return proof, nil
}

// checkTransfers accepts either payment route as first-class proof. Direct:
// a settlement-token transfer crediting the publisher's payout address, from
// anyone, the settlement ledger included. Forwarder: a transfer into the
// settlement ledger's address, accepted only while the receipt shows no
// outbound leg from the ledger. Once the ledger has forwarded within the
// same transaction, the outbound leg names the funded publisher and must
// itself credit this license's payout address.
func (v *Verifier) checkTransfers(proof *chain.PaymentProof, lic *license.License) *VerifyError {
	price := big.NewInt(lic.PriceMinor)

	var best *big.Int
	track := func(amount *big.Int) {
		if best == nil || amount.Cmp(best) > 0 {
			best = amount
		}
	}

	var inbound *big.Int
	forwarded := false
	for _, t := range proof.Transfers {
		if t.To == lic.PayTo {
			if t.Amount.Cmp(price) >= 0 {
				return nil
			}
			track(t.Amount)
		}
		if t.From == v.settlementAddr {
			forwarded = true
		}
		if t.To == v.settlementAddr {
			if inbound == nil || t.Amount.Cmp(inbound) > 0 {
				inbound = t.Amount
			}
		}
	}

	if inbound != nil && !forwarded {
		if inbound.Cmp(price) >= 0 {
			return nil
		}
		track(inbound)
	}

	if best != nil {
		return reject(ReasonInsufficientAmount,
			fmt.Errorf("transferred %s, price %s", best, price))
	}
	return reject(ReasonWrongRecipient, nil)
}
