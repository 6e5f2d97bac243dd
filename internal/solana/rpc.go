package solana

import "context"

// RPCClient defines the Solana JSON-RPC methods the engine uses.
type RPCClient interface {
	// GetAccountInfo retrieves raw account data. Returns nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetTokenAccountBalance returns the balance of an SPL token account.
	// Returns nil if the account does not exist.
	GetTokenAccountBalance(ctx context.Context, tokenAccount string) (*TokenAmount, error)

	// GetTokenAccountsByOwner lists the owner's token accounts for a mint.
	GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccount, error)

	// GetSignatureStatuses returns one status per signature; nil entries are unknown.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}
