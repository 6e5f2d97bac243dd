// Package replay feeds archived samples through the risk state machine.
package replay

import (
	"context"

	"rugshield/internal/domain"
)

// Engine processes samples in deterministic order.
type Engine interface {
	// OnSample is called for each sample in order.
	// Samples are guaranteed to be ordered by (timestamp, source).
	OnSample(ctx context.Context, s domain.Sample) error
}
