package replay

import (
	"context"
	"time"

	"rugshield/internal/domain"
	"rugshield/internal/risk"
	"rugshield/internal/timeseries"
)

// Classifier rebuilds a token's series sample by sample and evaluates
// the state machine at every sample's timestamp, as a monitored target
// created at the first sample would have seen it.
type Classifier struct {
	key        domain.TargetKey
	thresholds risk.Thresholds
	window     time.Duration
	series     *timeseries.Store

	created     time.Time
	last        time.Time
	state       domain.RiskState
	transitions []domain.Transition
}

// NewClassifier creates a Classifier. The store must retain at least window.
func NewClassifier(key domain.TargetKey, th risk.Thresholds, window time.Duration, opts timeseries.Options) *Classifier {
	return &Classifier{
		key:        key,
		thresholds: th,
		window:     window,
		series:     timeseries.New(opts),
		state:      domain.RiskStateUnknown,
	}
}

// OnSample appends s and records a transition when the state changes.
func (c *Classifier) OnSample(_ context.Context, s domain.Sample) error {
	if !c.last.IsZero() && s.Timestamp.Before(c.last) {
		return ErrInvalidOrdering
	}
	if c.created.IsZero() {
		c.created = s.Timestamp
	}
	c.last = s.Timestamp
	c.series.Append(s)

	snap, _ := c.series.Snapshot(s.TokenMint, s.Timestamp, c.window, c.thresholds.MinSamples)
	next := risk.Evaluate(risk.Input{
		SampleCount:       snap.Count,
		Latest:            snap.Latest,
		PriceBaseline:     snap.PriceBaseline,
		LiquidityBaseline: snap.LiquidityBaseline,
		TargetAge:         s.Timestamp.Sub(c.created),
		MonitoringActive:  true,
	}, c.thresholds)

	if next != c.state {
		c.transitions = append(c.transitions, domain.Transition{
			Key:  c.key,
			From: c.state,
			To:   next,
			At:   s.Timestamp,
		})
		c.state = next
	}
	return nil
}

// State returns the state after the last sample.
func (c *Classifier) State() domain.RiskState {
	return c.state
}

// Transitions returns the recorded state changes in order.
func (c *Classifier) Transitions() []domain.Transition {
	return append([]domain.Transition(nil), c.transitions...)
}
