package storage

import (
	"context"
	"time"

	"rugshield/internal/domain"
)

// TargetStore persists monitoring targets.
type TargetStore interface {
	// Upsert inserts or replaces the target keyed by (token_mint, wallet_address).
	Upsert(ctx context.Context, t *domain.MonitoringTarget) error

	// Get retrieves a target. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error)

	// ListActive retrieves all active targets ordered by created_at ASC.
	ListActive(ctx context.Context) ([]*domain.MonitoringTarget, error)
}

// ExecutionStore persists emergency swap execution records.
type ExecutionStore interface {
	// CreateIfNoActive inserts r unless the target already has a QUEUED or
	// SUBMITTED record, in which case it returns ErrDuplicateKey.
	CreateIfNoActive(ctx context.Context, r *domain.ExecutionRecord) error

	// Get retrieves a record by ID. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.ExecutionRecord, error)

	// GetActive retrieves the non-terminal record of a target. Returns ErrNotFound if none.
	GetActive(ctx context.Context, key domain.TargetKey) (*domain.ExecutionRecord, error)

	// CompareAndSwap replaces the stored record with r if its current status
	// equals expected. Returns ErrStatusConflict otherwise.
	CompareAndSwap(ctx context.Context, expected domain.ExecutionStatus, r *domain.ExecutionRecord) error

	// ListByTarget retrieves up to limit records of a target, newest first.
	ListByTarget(ctx context.Context, key domain.TargetKey, limit int) ([]*domain.ExecutionRecord, error)

	// ListActive retrieves every non-terminal record.
	ListActive(ctx context.Context) ([]*domain.ExecutionRecord, error)
}

// AlertStore persists operator alerts.
type AlertStore interface {
	// Insert adds an alert. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, a *domain.Alert) error

	// List retrieves up to limit alerts, newest first.
	List(ctx context.Context, limit int) ([]*domain.Alert, error)
}

// SampleArchive stores accepted samples beyond the in-memory retention.
type SampleArchive interface {
	// InsertSamples appends a batch of samples.
	InsertSamples(ctx context.Context, samples []domain.Sample) error

	// QuerySamples retrieves samples for mint within [from, to], ordered by timestamp ASC.
	QuerySamples(ctx context.Context, mint string, from, to time.Time) ([]domain.Sample, error)
}
