package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientData is returned when fewer samples exist than a window
// computation needs. The evaluator caps the state instead of failing.
var ErrInsufficientData = errors.New("insufficient data")

// TransientProviderError is a telemetry provider failure worth retrying
// on the next poll: timeouts, 5xx responses and transport errors.
type TransientProviderError struct {
	Provider   string
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// StaleTelemetryError marks a sample dropped because it arrived too far
// behind the last accepted sample for its token.
type StaleTelemetryError struct {
	TokenMint    string
	Source       Source
	Timestamp    time.Time
	LastAccepted time.Time
}

func (e *StaleTelemetryError) Error() string {
	return fmt.Sprintf("stale %s sample for %s: %s is behind last accepted %s",
		e.Source, e.TokenMint, e.Timestamp.Format(time.RFC3339Nano), e.LastAccepted.Format(time.RFC3339Nano))
}

// NormalizationError is a payload that cannot be turned into a sample.
type NormalizationError struct {
	TokenMint string
	Field     string
	Reason    string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s: %s", e.TokenMint, e.Field, e.Reason)
}

// InsufficientDataError reports how many samples were available when
// at least Required were needed.
type InsufficientDataError struct {
	TokenMint string
	Have      int
	Required  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("token %s: have %d samples, need %d", e.TokenMint, e.Have, e.Required)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// SwapSubmissionError is a rejection or timeout from the swap router.
type SwapSubmissionError struct {
	ExecutionID string
	Attempt     int
	Err         error
}

func (e *SwapSubmissionError) Error() string {
	return fmt.Sprintf("execution %s attempt %d: submit swap: %v", e.ExecutionID, e.Attempt, e.Err)
}

func (e *SwapSubmissionError) Unwrap() error {
	return e.Err
}

// SwapFinalityTimeoutError means a submitted swap was not confirmed in time.
// The on-chain balance must be re-read before any further attempt.
type SwapFinalityTimeoutError struct {
	ExecutionID string
	TxRef       string
	Timeout     time.Duration
}

func (e *SwapFinalityTimeoutError) Error() string {
	return fmt.Sprintf("execution %s: tx %s not final after %s", e.ExecutionID, e.TxRef, e.Timeout)
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
