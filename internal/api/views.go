package api

import (
	"time"

	"rugshield/internal/domain"
)

type targetView struct {
	TokenMint                  string    `json:"tokenMint"`
	WalletAddress              string    `json:"walletAddress"`
	PoolAddress                *string   `json:"poolAddress"`
	Active                     bool      `json:"monitoringActive"`
	AutomatedProtectionEnabled bool      `json:"automatedProtectionEnabled"`
	CreatedAt                  time.Time `json:"createdAt"`
	UpdatedAt                  time.Time `json:"updatedAt"`
}

func newTargetView(t *domain.MonitoringTarget) targetView {
	return targetView{
		TokenMint:                  t.TokenMint,
		WalletAddress:              t.WalletAddress,
		PoolAddress:                t.PoolAddress,
		Active:                     t.Active,
		AutomatedProtectionEnabled: t.AutomatedProtectionEnabled,
		CreatedAt:                  t.CreatedAt,
		UpdatedAt:                  t.UpdatedAt,
	}
}

type executionView struct {
	ID           string    `json:"id"`
	TriggerState string    `json:"triggerState"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	TxRef        string    `json:"txRef,omitempty"`
	Amount       string    `json:"amount"`
	LastError    string    `json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newExecutionView(r *domain.ExecutionRecord) executionView {
	return executionView{
		ID:           r.ID,
		TriggerState: string(r.TriggerState),
		Status:       string(r.Status),
		Attempts:     r.Attempts,
		TxRef:        r.TxRef,
		Amount:       r.Amount.String(),
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type alertView struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	TokenMint     string    `json:"tokenMint"`
	WalletAddress string    `json:"walletAddress"`
	ExecutionID   string    `json:"executionId"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newAlertView(a *domain.Alert) alertView {
	return alertView{
		ID:            a.ID,
		Kind:          string(a.Kind),
		TokenMint:     a.TokenMint,
		WalletAddress: a.WalletAddress,
		ExecutionID:   a.ExecutionID,
		Message:       a.Message,
		CreatedAt:     a.CreatedAt,
	}
}
