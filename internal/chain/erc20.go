package chain

import (
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the topic
// of the canonical ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// txHashPattern is the syntactic shape of a transaction hash: 0x followed by
// 64 hex characters. Anything else is rejected before any RPC is spent.
var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidTxHash reports whether s has the shape of a transaction hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// decodeTransfer decodes an ERC-20 Transfer log. Returns ok=false for logs
// that are not well-formed Transfer events.
func decodeTransfer(log *types.Log) (TokenTransfer, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return TokenTransfer{}, false
	}
	if len(log.Data) != 32 {
		return TokenTransfer{}, false
	}
	return TokenTransfer{
		Token:  log.Address,
		From:   common.BytesToAddress(log.Topics[1].Bytes()),
		To:     common.BytesToAddress(log.Topics[2].Bytes()),
		Amount: new(big.Int).SetBytes(log.Data),
	}, true
}
