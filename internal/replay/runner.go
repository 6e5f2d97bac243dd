package replay

import (
	"context"
	"fmt"
	"time"

	"rugshield/internal/storage"
)

// Runner loads samples from the archive and replays them in deterministic order.
type Runner struct {
	archive storage.SampleArchive
}

// NewRunner creates a new replay runner.
func NewRunner(archive storage.SampleArchive) *Runner {
	return &Runner{archive: archive}
}

// Run loads mint's samples within [from, to] and replays them through engine.
// Returns the number of samples replayed.
func (r *Runner) Run(ctx context.Context, mint string, from, to time.Time, engine Engine) (int, error) {
	if to.Before(from) {
		return 0, fmt.Errorf("%w: range ends before it starts", storage.ErrInvalidInput)
	}
	samples, err := r.archive.QuerySamples(ctx, mint, from, to)
	if err != nil {
		return 0, fmt.Errorf("query samples: %w", err)
	}

	SortSamples(samples)

	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := engine.OnSample(ctx, s); err != nil {
			return i, err
		}
	}
	return len(samples), nil
}
