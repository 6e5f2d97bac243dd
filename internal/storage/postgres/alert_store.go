package postgres

import (
	"context"
	"fmt"
	"time"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// AlertStore implements storage.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *Pool
}

// NewAlertStore creates a new AlertStore.
func NewAlertStore(pool *Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AlertStore = (*AlertStore)(nil)

// Insert adds an alert. Returns ErrDuplicateKey if the ID exists.
func (s *AlertStore) Insert(ctx context.Context, a *domain.Alert) (err error) {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	defer func(start time.Time) { observe("alert_insert", start, err) }(time.Now())

	query := `
		INSERT INTO alerts (id, token_mint, wallet_address, execution_id, kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		a.ID,
		a.TokenMint,
		a.WalletAddress,
		a.ExecutionID,
		string(a.Kind),
		a.Message,
		a.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// List retrieves up to limit alerts, newest first.
func (s *AlertStore) List(ctx context.Context, limit int) (alerts []*domain.Alert, err error) {
	defer func(start time.Time) { observe("alert_list", start, err) }(time.Now())
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, token_mint, wallet_address, execution_id, kind, message, created_at
		FROM alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Alert
		var kind string
		if err := rows.Scan(&a.ID, &a.TokenMint, &a.WalletAddress, &a.ExecutionID, &kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Kind = domain.AlertKind(kind)
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return alerts, nil
}
