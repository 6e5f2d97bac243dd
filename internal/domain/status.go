package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the read model served for a monitored target.
type Status struct {
	TokenMint                  string           `json:"tokenMint"`
	WalletAddress              string           `json:"walletAddress"`
	RiskState                  RiskState        `json:"riskState"`
	Liquidity                  *decimal.Decimal `json:"liquidity"`
	Price                      *decimal.Decimal `json:"price"`
	MonitoringActive           bool             `json:"monitoringActive"`
	AutomatedProtectionEnabled bool             `json:"automatedProtectionEnabled"`
	HasCompleteData            bool             `json:"hasCompleteData"`
	StaleTelemetry             bool             `json:"staleTelemetry"`
	LastUpdated                time.Time        `json:"lastUpdated"`
}

// Transition is emitted when a target's evaluated state changes.
type Transition struct {
	Key  TargetKey
	From RiskState
	To   RiskState
	At   time.Time
}
