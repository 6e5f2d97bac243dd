// Package risk classifies a target's recent samples into a RiskState.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
)

// Thresholds drive the state machine. Percentages are fractions in (0, 1].
type Thresholds struct {
	LiquidityFloor       decimal.Decimal
	RuggedDropPct        decimal.Decimal
	SellNowDropPct       decimal.Decimal
	SellLiquidityDropPct decimal.Decimal
	SellPriceDropPct     decimal.Decimal
	PumpingRisePct       decimal.Decimal
	VolatileChangePct    decimal.Decimal
	NewTargetAge         time.Duration
	MinSamples           int
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LiquidityFloor:       decimal.NewFromInt(1),
		RuggedDropPct:        decimal.RequireFromString("0.90"),
		SellNowDropPct:       decimal.RequireFromString("0.50"),
		SellLiquidityDropPct: decimal.RequireFromString("0.25"),
		SellPriceDropPct:     decimal.RequireFromString("0.40"),
		PumpingRisePct:       decimal.RequireFromString("0.20"),
		VolatileChangePct:    decimal.RequireFromString("0.10"),
		NewTargetAge:         5 * time.Minute,
		MinSamples:           2,
	}
}

// Input is everything Evaluate looks at.
type Input struct {
	SampleCount       int
	Latest            *domain.Sample   // newest sample, nil when none
	PriceBaseline     *decimal.Decimal // price at now-window or earliest
	LiquidityBaseline *decimal.Decimal // known liquidity at now-window or earliest
	TargetAge         time.Duration
	MonitoringActive  bool
	Stale             bool // consecutive poll failures reached the limit
}

// Evaluate returns the state for in. It is pure: the same input always
// yields the same state.
func Evaluate(in Input, th Thresholds) domain.RiskState {
	if in.SampleCount == 0 || in.Latest == nil {
		return domain.RiskStateUnknown
	}
	if in.TargetAge < th.NewTargetAge && in.SampleCount < th.MinSamples {
		return domain.RiskStateNew
	}

	// Directional rules need history and fresh telemetry.
	if in.SampleCount >= th.MinSamples && !in.Stale {
		if s, ok := directional(in, th); ok {
			return s
		}
	}

	if in.MonitoringActive {
		return domain.RiskStateWatching
	}
	return domain.RiskStateUnknown
}

func directional(in Input, th Thresholds) (domain.RiskState, bool) {
	liq := in.Latest.Liquidity
	liqDrop, hasLiqDrop := drop(in.LiquidityBaseline, liq)

	if liq != nil {
		if liq.LessThan(th.LiquidityFloor) {
			return domain.RiskStateRugged, true
		}
		if hasLiqDrop && liqDrop.GreaterThanOrEqual(th.RuggedDropPct) {
			return domain.RiskStateRugged, true
		}
	}

	if (hasLiqDrop && liqDrop.GreaterThanOrEqual(th.SellNowDropPct)) || in.Latest.ImminentExit {
		return domain.RiskStateSellNow, true
	}

	priceChange, hasPrice := change(in.PriceBaseline, &in.Latest.Price)
	if hasLiqDrop && liqDrop.GreaterThanOrEqual(th.SellLiquidityDropPct) {
		return domain.RiskStateSell, true
	}
	if hasPrice && priceChange.Neg().GreaterThanOrEqual(th.SellPriceDropPct) {
		return domain.RiskStateSell, true
	}

	if hasPrice && priceChange.GreaterThanOrEqual(th.PumpingRisePct) {
		return domain.RiskStatePumping, true
	}
	if hasPrice && priceChange.Abs().GreaterThanOrEqual(th.VolatileChangePct) {
		return domain.RiskStateVolatile, true
	}
	return "", false
}

// change returns (current - baseline) / baseline. It is undefined when
// either side is unknown or the baseline is not positive.
func change(baseline, current *decimal.Decimal) (decimal.Decimal, bool) {
	if baseline == nil || current == nil || !baseline.IsPositive() {
		return decimal.Zero, false
	}
	return current.Sub(*baseline).Div(*baseline), true
}

// drop returns the fractional decrease from baseline to current.
// Increases yield a negative drop.
func drop(baseline, current *decimal.Decimal) (decimal.Decimal, bool) {
	c, ok := change(baseline, current)
	if !ok {
		return decimal.Zero, false
	}
	return c.Neg(), true
}
