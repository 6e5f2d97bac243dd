// Package telemetry turns provider and pool payloads into samples.
package telemetry

import (
	"time"

	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
)

// Pool liquidity formulas a payload may name.
const (
	FormulaConstantProduct = "constant_product" // quote reserve x 2
	FormulaQuoteOnly       = "quote_only"       // quote reserve
	FormulaSum             = "sum"              // quote + base x price
	FormulaWeightedPrefix  = "weighted:"        // quote / weight, e.g. "weighted:0.2"
)

// Risk flags that mark an imminent-exit pattern.
var exitFlags = map[string]struct{}{
	"rug_imminent":              {},
	"liquidity_removal_pending": {},
	"owner_dumping":             {},
}

// RawTelemetry is an unvalidated observation from a provider or pool event.
type RawTelemetry struct {
	TokenMint      string
	PoolAddress    string // pool the observation came from, empty when unknown
	Source         domain.Source
	ObservedAt     time.Time
	Price          *decimal.Decimal // quote per token; derived from reserves when nil
	BaseReserve    *decimal.Decimal // token-side reserve, UI units
	QuoteReserve   *decimal.Decimal // quote-side reserve, UI units
	LiquidityQuote *decimal.Decimal // explicit total when reserves are unavailable
	PoolFormula    string
	RiskScore      *float64
	RiskFlags      []string
}

// HasExitFlag reports whether any flag names an imminent-exit pattern.
func (r *RawTelemetry) HasExitFlag() bool {
	for _, f := range r.RiskFlags {
		if _, ok := exitFlags[f]; ok {
			return true
		}
	}
	return false
}
