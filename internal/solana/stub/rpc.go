package stub

import (
	"context"
	"sync"

	"rugshield/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu            sync.Mutex
	Accounts      map[string]*solana.AccountInfo
	Balances      map[string]*solana.TokenAmount
	OwnerAccounts map[string][]solana.TokenAccount // keyed by owner|mint
	Statuses      map[string]*solana.SignatureStatus

	// Err, when set, is returned by every call.
	Err error
	// BalanceCalls counts GetTokenAccountBalance invocations.
	BalanceCalls int
}

var _ solana.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts:      make(map[string]*solana.AccountInfo),
		Balances:      make(map[string]*solana.TokenAmount),
		OwnerAccounts: make(map[string][]solana.TokenAccount),
		Statuses:      make(map[string]*solana.SignatureStatus),
	}
}

// GetAccountInfo returns the stored account or nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Accounts[pubkey], nil
}

// GetTokenAccountBalance returns the stored balance or nil.
func (c *RPCClient) GetTokenAccountBalance(_ context.Context, tokenAccount string) (*solana.TokenAmount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BalanceCalls++
	if c.Err != nil {
		return nil, c.Err
	}
	b, ok := c.Balances[tokenAccount]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// GetTokenAccountsByOwner returns stored accounts for owner and mint.
func (c *RPCClient) GetTokenAccountsByOwner(_ context.Context, owner, mint string) ([]solana.TokenAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return append([]solana.TokenAccount(nil), c.OwnerAccounts[owner+"|"+mint]...), nil
}

// GetSignatureStatuses returns stored statuses, nil for unknown signatures.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		if st, ok := c.Statuses[sig]; ok {
			cp := *st
			out[i] = &cp
		}
	}
	return out, nil
}

// SetBalance stores a token account balance.
func (c *RPCClient) SetBalance(tokenAccount string, amount uint64, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[tokenAccount] = &solana.TokenAmount{Amount: amount, Decimals: decimals}
}

// SetStatus stores a signature status.
func (c *RPCClient) SetStatus(signature string, status *solana.SignatureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Statuses[signature] = status
}
