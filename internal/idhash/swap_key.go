// Package idhash derives deterministic identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"rugshield/internal/domain"
)

// ComputeSwapKey computes the idempotency key of one swap submission.
// Formula: SHA256(execution_id|attempt)
// Returns hex-encoded hash (64 characters).
func ComputeSwapKey(executionID string, attempt int) string {
	data := fmt.Sprintf("%s|%d", executionID, attempt)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeAlertID computes a deterministic alert_id so an execution raises
// each kind of alert at most once.
// Formula: SHA256(execution_id|kind)
func ComputeAlertID(executionID string, kind domain.AlertKind) string {
	data := fmt.Sprintf("%s|%s", executionID, string(kind))

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
