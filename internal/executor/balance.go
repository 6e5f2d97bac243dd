package executor

import (
	"context"
	"fmt"

	"rugshield/internal/solana"
)

// BalanceReader reads a wallet's on-chain token balance.
type BalanceReader interface {
	Balance(ctx context.Context, wallet, mint string) (solana.TokenAmount, error)
}

// RPCBalanceReader reads the associated token account, falling back to
// every token account the wallet owns for the mint.
type RPCBalanceReader struct {
	rpc solana.RPCClient
}

var _ BalanceReader = (*RPCBalanceReader)(nil)

// NewRPCBalanceReader creates an RPCBalanceReader.
func NewRPCBalanceReader(rpc solana.RPCClient) *RPCBalanceReader {
	return &RPCBalanceReader{rpc: rpc}
}

// Balance returns the wallet's balance of mint. A wallet without a token
// account has a zero balance.
func (b *RPCBalanceReader) Balance(ctx context.Context, wallet, mint string) (solana.TokenAmount, error) {
	ata, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.TokenAmount{}, fmt.Errorf("derive token account: %w", err)
	}

	amount, err := b.rpc.GetTokenAccountBalance(ctx, ata)
	if err != nil {
		return solana.TokenAmount{}, fmt.Errorf("token account balance: %w", err)
	}
	if amount != nil && amount.Amount > 0 {
		return *amount, nil
	}

	accounts, err := b.rpc.GetTokenAccountsByOwner(ctx, wallet, mint)
	if err != nil {
		return solana.TokenAmount{}, fmt.Errorf("token accounts by owner: %w", err)
	}
	var total solana.TokenAmount
	if amount != nil {
		total.Decimals = amount.Decimals
	}
	for _, acc := range accounts {
		if acc.Mint != "" && acc.Mint != mint {
			continue
		}
		total.Amount += acc.Amount.Amount
		total.Decimals = acc.Amount.Decimals
	}
	return total, nil
}
