package solana

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// FindAssociatedTokenAddress derives the associated token account of wallet for mint.
func FindAssociatedTokenAddress(wallet, mint string) (string, error) {
	walletKey, err := decodeKey(wallet)
	if err != nil {
		return "", fmt.Errorf("wallet: %w", err)
	}
	mintKey, err := decodeKey(mint)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	tokenProgram, _ := base58.Decode(TokenProgramID)
	ataProgram, _ := base58.Decode(AssociatedTokenProgramID)

	addr := derivePDA([][]byte{walletKey, tokenProgram, mintKey}, ataProgram)
	if addr == "" {
		return "", fmt.Errorf("no viable bump for %s/%s", wallet, mint)
	}
	return addr, nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", s, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key %q has %d bytes, want 32", s, len(b))
	}
	return b, nil
}

// derivePDA returns the first off-curve address found from bump 255 down.
func derivePDA(seeds [][]byte, programID []byte) string {
	for bump := byte(255); bump > 0; bump-- {
		data := make([]byte, 0, 32*len(seeds)+1+len(programID)+21)
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, bump)
		data = append(data, programID...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)

		if !isOnCurve(hash[:]) {
			return base58.Encode(hash[:])
		}
	}

	return ""
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
