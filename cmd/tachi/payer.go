package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// keyedPayer settles challenges with a plain ERC-20 transfer signed by a
// local private key.
type keyedPayer struct {
	client *ethclient.Client
	priv   *ecdsa.PrivateKey
	from   common.Address
	token  common.Address
}

func newKeyedPayer(hexKey, rpcURL, tokenAddr string) (*keyedPayer, error) {
	if !common.IsHexAddress(tokenAddr) {
		return nil, fmt.Errorf("invalid token address %q", tokenAddr)
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc %s: %w", rpcURL, err)
	}
	return &keyedPayer{
		client: client,
		priv:   priv,
		from:   crypto.PubkeyToAddress(priv.PublicKey),
		token:  common.HexToAddress(tokenAddr),
	}, nil
}

// Pay sends transfer(to, amount) to the token contract and returns the
// transaction hash without waiting for inclusion.
func (p *keyedPayer) Pay(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	chainID, err := p.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := p.client.PendingNonceAt(ctx, p.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &p.token,
		Gas:      100_000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), p.priv)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}
