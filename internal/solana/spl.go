package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Well-known program and mint addresses.
const (
	TokenProgramID           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenProgramID = "ATokenGPvbd9wuhMJnecGW2Qw6u44Vt7xuD5WQq6XQ"
	WrappedSOLMint           = "So11111111111111111111111111111111111111112"
)

// splAccountMinLen covers mint(32) | owner(32) | amount(8).
const splAccountMinLen = 72

// TokenAccountData is the prefix of an SPL token account.
type TokenAccountData struct {
	Mint   string
	Owner  string
	Amount uint64
}

// DecodeTokenAccount parses base64 SPL token account data.
// Token account layout: mint(32) | owner(32) | amount(8, little endian) | ...
func DecodeTokenAccount(data string) (*TokenAccountData, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode token account data: %w", err)
	}
	if len(decoded) < splAccountMinLen {
		return nil, fmt.Errorf("token account data too short: %d", len(decoded))
	}
	return &TokenAccountData{
		Mint:   base58.Encode(decoded[:32]),
		Owner:  base58.Encode(decoded[32:64]),
		Amount: binary.LittleEndian.Uint64(decoded[64:72]),
	}, nil
}
