package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle status of an emergency swap.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "QUEUED"
	ExecutionSubmitted ExecutionStatus = "SUBMITTED"
	ExecutionConfirmed ExecutionStatus = "CONFIRMED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionConfirmed || s == ExecutionFailed || s == ExecutionCancelled
}

// IsValid checks if the status is a known value.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionQueued, ExecutionSubmitted, ExecutionConfirmed, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ExecutionRecord tracks one emergency exit swap for a target.
// At most one non-terminal record exists per target.
// Corresponds to execution_records table in PostgreSQL.
type ExecutionRecord struct {
	ID            string          // UUID
	TokenMint     string          // token being exited
	WalletAddress string          // owner wallet
	TriggerState  RiskState       // state that queued the swap
	Status        ExecutionStatus // QUEUED | SUBMITTED | CONFIRMED | FAILED | CANCELLED
	Attempts      int             // submissions made so far
	TxRef         string          // last submitted transaction signature
	Amount        decimal.Decimal // token amount of the last submission
	LastError     string          // last failure reason
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the target this record belongs to.
func (r *ExecutionRecord) Key() TargetKey {
	return TargetKey{TokenMint: r.TokenMint, WalletAddress: r.WalletAddress}
}

// Clone returns a copy.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	c := *r
	return &c
}
