package domain

import "time"

// AlertKind classifies alerts raised by the protection executor.
type AlertKind string

const (
	AlertSwapFailed      AlertKind = "swap_failed"
	AlertFinalityTimeout AlertKind = "finality_timeout"
)

// Alert is surfaced to operators when an emergency exit could not complete.
// Corresponds to alerts table in PostgreSQL.
type Alert struct {
	ID            string
	TokenMint     string
	WalletAddress string
	ExecutionID   string
	Kind          AlertKind
	Message       string
	CreatedAt     time.Time
}
