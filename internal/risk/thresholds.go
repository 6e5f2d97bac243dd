package risk

import (
	"github.com/shopspring/decimal"

	"rugshield/internal/config"
)

// ThresholdsFromConfig converts validated configuration into Thresholds.
func ThresholdsFromConfig(c config.RiskConfig) Thresholds {
	return Thresholds{
		LiquidityFloor:       decimal.NewFromFloat(c.LiquidityFloor),
		RuggedDropPct:        decimal.NewFromFloat(c.RuggedDropPct),
		SellNowDropPct:       decimal.NewFromFloat(c.SellNowDropPct),
		SellLiquidityDropPct: decimal.NewFromFloat(c.SellLiquidityDropPct),
		SellPriceDropPct:     decimal.NewFromFloat(c.SellPriceDropPct),
		PumpingRisePct:       decimal.NewFromFloat(c.PumpingRisePct),
		VolatileChangePct:    decimal.NewFromFloat(c.VolatileChangePct),
		NewTargetAge:         c.NewTargetAge.D(),
		MinSamples:           c.MinSamples,
	}
}
