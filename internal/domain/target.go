package domain

import (
	"fmt"
	"time"
)

// TargetKey identifies a monitored (token, wallet) pair.
type TargetKey struct {
	TokenMint     string
	WalletAddress string
}

// String returns "mint/wallet".
func (k TargetKey) String() string {
	return fmt.Sprintf("%s/%s", k.TokenMint, k.WalletAddress)
}

// IsValid reports whether both halves of the key are set.
func (k TargetKey) IsValid() bool {
	return k.TokenMint != "" && k.WalletAddress != ""
}

// MonitoringTarget is a (token, wallet) pair under risk monitoring.
// Corresponds to monitoring_targets table in PostgreSQL.
type MonitoringTarget struct {
	TokenMint                  string    // SPL token mint address
	WalletAddress              string    // owner wallet address
	PoolAddress                *string   // resolved liquidity pool, nil until discovered
	CreatedAt                  time.Time // first sighting
	UpdatedAt                  time.Time // last mutation
	Active                     bool      // false once the wallet removed the token or monitoring was disabled
	AutomatedProtectionEnabled bool      // emergency exit swaps allowed
}

// Key returns the target's identity.
func (t *MonitoringTarget) Key() TargetKey {
	return TargetKey{TokenMint: t.TokenMint, WalletAddress: t.WalletAddress}
}

// Age returns how long the target has existed at now.
func (t *MonitoringTarget) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Clone returns a deep copy.
func (t *MonitoringTarget) Clone() *MonitoringTarget {
	c := *t
	if t.PoolAddress != nil {
		pool := *t.PoolAddress
		c.PoolAddress = &pool
	}
	return &c
}
