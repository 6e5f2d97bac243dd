package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// TargetStore implements storage.TargetStore using PostgreSQL.
type TargetStore struct {
	pool *Pool
}

// NewTargetStore creates a new TargetStore.
func NewTargetStore(pool *Pool) *TargetStore {
	return &TargetStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TargetStore = (*TargetStore)(nil)

const targetColumns = `token_mint, wallet_address, pool_address, active, automated_protection_enabled, created_at, updated_at`

// Upsert inserts or replaces the target.
func (s *TargetStore) Upsert(ctx context.Context, t *domain.MonitoringTarget) (err error) {
	if t == nil || !t.Key().IsValid() {
		return storage.ErrInvalidInput
	}
	defer func(start time.Time) { observe("target_upsert", start, err) }(time.Now())

	query := `
		INSERT INTO monitoring_targets (` + targetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token_mint, wallet_address) DO UPDATE SET
			pool_address = EXCLUDED.pool_address,
			active = EXCLUDED.active,
			automated_protection_enabled = EXCLUDED.automated_protection_enabled,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		t.TokenMint,
		t.WalletAddress,
		t.PoolAddress,
		t.Active,
		t.AutomatedProtectionEnabled,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// Get retrieves a target. Returns ErrNotFound if not exists.
func (s *TargetStore) Get(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error) {
	start := time.Now()
	query := `SELECT ` + targetColumns + ` FROM monitoring_targets WHERE token_mint = $1 AND wallet_address = $2`

	t, err := scanTarget(s.pool.QueryRow(ctx, query, key.TokenMint, key.WalletAddress))
	observe("target_get", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListActive retrieves all active targets ordered by created_at ASC.
func (s *TargetStore) ListActive(ctx context.Context) (targets []*domain.MonitoringTarget, err error) {
	defer func(start time.Time) { observe("target_list_active", start, err) }(time.Now())

	query := `
		SELECT ` + targetColumns + `
		FROM monitoring_targets
		WHERE active
		ORDER BY created_at ASC, token_mint ASC, wallet_address ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target rows: %w", err)
	}
	return targets, nil
}

func scanTarget(row pgx.Row) (*domain.MonitoringTarget, error) {
	var t domain.MonitoringTarget
	err := row.Scan(
		&t.TokenMint,
		&t.WalletAddress,
		&t.PoolAddress,
		&t.Active,
		&t.AutomatedProtectionEnabled,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
