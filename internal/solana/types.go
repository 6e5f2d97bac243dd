package solana

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// TokenAmount is an SPL token balance.
type TokenAmount struct {
	Amount   uint64 // raw base units
	Decimals uint8
}

// UIAmount returns the amount scaled by decimals.
func (t TokenAmount) UIAmount() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(t.Amount), -int32(t.Decimals))
}

// TokenAccount is one token account returned by getTokenAccountsByOwner.
type TokenAccount struct {
	Pubkey string
	Mint   string
	Amount TokenAmount
}

// Commitment levels reported by getSignatureStatuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus from getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *int64
	Err                interface{}
	ConfirmationStatus string
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return s.Err != nil
}

// Landed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Landed() bool {
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}
