package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using PostgreSQL.
// The partial unique index uq_execution_records_active enforces at most one
// QUEUED or SUBMITTED record per target.
type ExecutionStore struct {
	pool *Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

const executionColumns = `id, token_mint, wallet_address, trigger_state, status, attempts, tx_ref, amount::text, last_error, created_at, updated_at`

const activeStatuses = `('QUEUED', 'SUBMITTED')`

// CreateIfNoActive inserts r. Returns ErrDuplicateKey if the ID exists or the
// target already has a non-terminal record.
func (s *ExecutionStore) CreateIfNoActive(ctx context.Context, r *domain.ExecutionRecord) (err error) {
	if r == nil || r.ID == "" || !r.Key().IsValid() || !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}
	defer func(start time.Time) { observe("execution_create", start, err) }(time.Now())

	query := `
		INSERT INTO execution_records (
			id, token_mint, wallet_address, trigger_state, status, attempts, tx_ref, amount, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID,
		r.TokenMint,
		r.WalletAddress,
		string(r.TriggerState),
		string(r.Status),
		r.Attempts,
		r.TxRef,
		r.Amount.String(),
		r.LastError,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID. Returns ErrNotFound if not exists.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	start := time.Now()
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE id = $1`

	r, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	observe("execution_get", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get execution record: %w", err)
	}
	return r, nil
}

// GetActive retrieves the non-terminal record of a target. Returns ErrNotFound if none.
func (s *ExecutionStore) GetActive(ctx context.Context, key domain.TargetKey) (*domain.ExecutionRecord, error) {
	start := time.Now()
	query := `
		SELECT ` + executionColumns + `
		FROM execution_records
		WHERE token_mint = $1 AND wallet_address = $2 AND status IN ` + activeStatuses

	r, err := scanExecution(s.pool.QueryRow(ctx, query, key.TokenMint, key.WalletAddress))
	observe("execution_get_active", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get active execution record: %w", err)
	}
	return r, nil
}

// CompareAndSwap replaces the stored record with r if its status is expected.
func (s *ExecutionStore) CompareAndSwap(ctx context.Context, expected domain.ExecutionStatus, r *domain.ExecutionRecord) (err error) {
	if r == nil || r.ID == "" || !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}
	defer func(start time.Time) { observe("execution_cas", start, err) }(time.Now())

	query := `
		UPDATE execution_records SET
			status = $2,
			attempts = $3,
			tx_ref = $4,
			amount = $5::numeric,
			last_error = $6,
			updated_at = $7
		WHERE id = $1 AND status = $8 AND token_mint = $9 AND wallet_address = $10
	`
	tag, err := s.pool.Exec(ctx, query,
		r.ID,
		string(r.Status),
		r.Attempts,
		r.TxRef,
		r.Amount.String(),
		r.LastError,
		r.UpdatedAt,
		string(expected),
		r.TokenMint,
		r.WalletAddress,
	)
	if err != nil {
		return fmt.Errorf("update execution record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if cur.Key() != r.Key() {
		return storage.ErrInvalidInput
	}
	return storage.ErrStatusConflict
}

// ListByTarget retrieves up to limit records of a target, newest first.
func (s *ExecutionStore) ListByTarget(ctx context.Context, key domain.TargetKey, limit int) (records []*domain.ExecutionRecord, err error) {
	defer func(start time.Time) { observe("execution_list_target", start, err) }(time.Now())
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + executionColumns + `
		FROM execution_records
		WHERE token_mint = $1 AND wallet_address = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, key.TokenMint, key.WalletAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ListActive retrieves every non-terminal record, oldest first.
func (s *ExecutionStore) ListActive(ctx context.Context) (records []*domain.ExecutionRecord, err error) {
	defer func(start time.Time) { observe("execution_list_active", start, err) }(time.Now())

	query := `
		SELECT ` + executionColumns + `
		FROM execution_records
		WHERE status IN ` + activeStatuses + `
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecution(row pgx.Row) (*domain.ExecutionRecord, error) {
	var r domain.ExecutionRecord
	var trigger, status, amount string

	err := row.Scan(
		&r.ID,
		&r.TokenMint,
		&r.WalletAddress,
		&trigger,
		&status,
		&r.Attempts,
		&r.TxRef,
		&amount,
		&r.LastError,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TriggerState = domain.RiskState(trigger)
	r.Status = domain.ExecutionStatus(status)
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanExecutions(rows pgx.Rows) ([]*domain.ExecutionRecord, error) {
	var records []*domain.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return records, nil
}
