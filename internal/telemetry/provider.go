package telemetry

import "context"

// Provider fetches market telemetry for a batch of tokens.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// FetchBatch returns one observation per token the provider knows.
	// Tokens missing from the result had no data. pools pins a mint to the
	// pool its other telemetry comes from; nil or a missing entry means any.
	FetchBatch(ctx context.Context, mints []string, pools map[string]string) (map[string]RawTelemetry, error)
}
