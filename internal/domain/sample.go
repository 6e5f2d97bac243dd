package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one normalized price/liquidity observation for a token.
// Samples are immutable once appended to the time-series store.
type Sample struct {
	TokenMint    string           // SPL token mint address
	PoolAddress  string           // pool the observation came from, empty when unknown
	Timestamp    time.Time        // observation time
	Price        decimal.Decimal  // quote units per token, >= 0
	Liquidity    *decimal.Decimal // quote-denominated pool liquidity, nil when unknown
	Source       Source           // poll | pool-event
	RiskScore    *float64         // provider risk score in [0,1], nil when absent
	ImminentExit bool             // provider flagged an imminent-exit pattern
}

// HasLiquidity reports whether liquidity is known for this sample.
func (s *Sample) HasLiquidity() bool {
	return s.Liquidity != nil
}
