package telemetry

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
	"rugshield/internal/keylock"
)

var two = decimal.NewFromInt(2)

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	// StalenessSkew is how far behind the last accepted sample a new one may be.
	StalenessSkew time.Duration
	// ExitRiskScore marks samples at or above this provider score as imminent exit.
	ExitRiskScore float64
}

// Normalizer validates raw telemetry and converts it into samples.
// It tracks the last accepted timestamp per token and per (token, source).
type Normalizer struct {
	opts  NormalizerOptions
	locks *keylock.Striped
	marks []map[string]*watermark // one map per lock stripe
}

type watermark struct {
	last     time.Time
	bySource map[domain.Source]time.Time
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.ExitRiskScore <= 0 {
		opts.ExitRiskScore = 0.9
	}
	locks := keylock.New(keylock.DefaultStripes)
	marks := make([]map[string]*watermark, locks.Len())
	for i := range marks {
		marks[i] = make(map[string]*watermark)
	}
	return &Normalizer{opts: opts, locks: locks, marks: marks}
}

// Normalize validates raw and returns the sample to append.
// Rejected payloads return *domain.NormalizationError or *domain.StaleTelemetryError.
func (n *Normalizer) Normalize(raw RawTelemetry) (domain.Sample, error) {
	sample, err := n.build(raw)
	if err != nil {
		return domain.Sample{}, err
	}

	idx := n.locks.Index(raw.TokenMint)
	mu := n.locks.For(raw.TokenMint)
	mu.Lock()
	defer mu.Unlock()

	wm := n.marks[idx][raw.TokenMint]
	if wm == nil {
		wm = &watermark{bySource: make(map[domain.Source]time.Time)}
		n.marks[idx][raw.TokenMint] = wm
	}

	ts := sample.Timestamp
	if !wm.last.IsZero() && ts.Before(wm.last.Add(-n.opts.StalenessSkew)) {
		return domain.Sample{}, &domain.StaleTelemetryError{
			TokenMint: raw.TokenMint, Source: raw.Source, Timestamp: ts, LastAccepted: wm.last,
		}
	}
	if prev, ok := wm.bySource[raw.Source]; ok && ts.Before(prev) {
		return domain.Sample{}, &domain.StaleTelemetryError{
			TokenMint: raw.TokenMint, Source: raw.Source, Timestamp: ts, LastAccepted: prev,
		}
	}

	wm.bySource[raw.Source] = ts
	if ts.After(wm.last) {
		wm.last = ts
	}
	return sample, nil
}

// Forget drops watermarks for a token no longer monitored.
func (n *Normalizer) Forget(mint string) {
	mu := n.locks.For(mint)
	mu.Lock()
	delete(n.marks[n.locks.Index(mint)], mint)
	mu.Unlock()
}

func (n *Normalizer) build(raw RawTelemetry) (domain.Sample, error) {
	fail := func(field, reason string) (domain.Sample, error) {
		return domain.Sample{}, &domain.NormalizationError{TokenMint: raw.TokenMint, Field: field, Reason: reason}
	}

	if raw.TokenMint == "" {
		return fail("token_mint", "missing")
	}
	if !raw.Source.IsValid() {
		return fail("source", "unknown source "+string(raw.Source))
	}
	if raw.ObservedAt.IsZero() {
		return fail("observed_at", "missing")
	}
	for _, f := range []struct {
		name string
		v    *decimal.Decimal
	}{
		{"base_reserve", raw.BaseReserve},
		{"quote_reserve", raw.QuoteReserve},
		{"liquidity_quote", raw.LiquidityQuote},
	} {
		if f.v != nil && f.v.IsNegative() {
			return fail(f.name, "negative")
		}
	}

	price, ok := resolvePrice(raw)
	if !ok {
		return fail("price", "missing")
	}
	if price.IsNegative() {
		return fail("price", "negative")
	}

	sample := domain.Sample{
		TokenMint:    raw.TokenMint,
		PoolAddress:  raw.PoolAddress,
		Timestamp:    raw.ObservedAt,
		Price:        price,
		Liquidity:    liquidity(raw, price),
		Source:       raw.Source,
		ImminentExit: raw.HasExitFlag(),
	}
	if raw.RiskScore != nil && *raw.RiskScore >= 0 && *raw.RiskScore <= 1 {
		score := *raw.RiskScore
		sample.RiskScore = &score
		if score >= n.opts.ExitRiskScore {
			sample.ImminentExit = true
		}
	}
	return sample, nil
}

func resolvePrice(raw RawTelemetry) (decimal.Decimal, bool) {
	if raw.Price != nil {
		return *raw.Price, true
	}
	if raw.BaseReserve != nil && raw.QuoteReserve != nil && raw.BaseReserve.IsPositive() {
		return raw.QuoteReserve.Div(*raw.BaseReserve), true
	}
	return decimal.Zero, false
}

// liquidity returns nil when the payload does not determine it.
func liquidity(raw RawTelemetry, price decimal.Decimal) *decimal.Decimal {
	if raw.QuoteReserve == nil || raw.BaseReserve == nil {
		if raw.LiquidityQuote != nil {
			v := *raw.LiquidityQuote
			return &v
		}
		return nil
	}

	quote := *raw.QuoteReserve
	var v decimal.Decimal
	formula := strings.ToLower(strings.TrimSpace(raw.PoolFormula))
	switch {
	case formula == FormulaQuoteOnly:
		v = quote
	case formula == FormulaSum:
		v = quote.Add(raw.BaseReserve.Mul(price))
	case strings.HasPrefix(formula, FormulaWeightedPrefix):
		w, err := decimal.NewFromString(strings.TrimPrefix(formula, FormulaWeightedPrefix))
		if err == nil && w.IsPositive() && w.LessThanOrEqual(decimal.NewFromInt(1)) {
			v = quote.Div(w)
		} else {
			v = quote.Mul(two)
		}
	default:
		v = quote.Mul(two)
	}
	return &v
}
