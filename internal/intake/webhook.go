// Package intake accepts wallet balance-change webhooks and turns them
// into monitoring registrations.
package intake

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	sol "github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"rugshield/internal/api"
	"rugshield/internal/domain"
	"rugshield/internal/observability"
)

// ChangeType is the kind of balance change reported for a wallet.
type ChangeType string

const (
	ChangeAdded     ChangeType = "added"
	ChangeIncreased ChangeType = "increased"
	ChangeDecreased ChangeType = "decreased"
	ChangeChanged   ChangeType = "changed"
	ChangeRemoved   ChangeType = "removed"
)

// Registers reports whether the change should start or keep monitoring.
func (c ChangeType) Registers() bool {
	switch c {
	case ChangeAdded, ChangeIncreased, ChangeDecreased, ChangeChanged:
		return true
	}
	return false
}

// Event is one balance change.
type Event struct {
	WalletAddress string     `json:"walletAddress"`
	TokenMint     string     `json:"tokenMint"`
	ChangeType    ChangeType `json:"changeType"`
}

// Key returns the target the event refers to.
func (e Event) Key() domain.TargetKey {
	return domain.TargetKey{TokenMint: e.TokenMint, WalletAddress: e.WalletAddress}
}

// Registrar applies webhook events to the monitoring registry.
type Registrar interface {
	EnableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error)
	DisableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error)
}

// Result summarises one webhook delivery.
type Result struct {
	Processed   int `json:"processed"`
	Registered  int `json:"registered"`
	Deactivated int `json:"deactivated"`
}

// Handler serves POST /v1/webhooks/balance.
type Handler struct {
	registrar Registrar
	authToken string
	maxBody   int64
	log       *logrus.Entry
}

// NewHandler creates a Handler. An empty authToken disables authentication.
func NewHandler(registrar Registrar, authToken string, maxBody int64, log *logrus.Entry) *Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{registrar: registrar, authToken: authToken, maxBody: maxBody, log: log}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		observability.RecordWebhookEvent("unauthorized")
		api.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		observability.RecordWebhookEvent("malformed")
		api.WriteError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	events, err := ParseEvents(body)
	if err != nil {
		observability.RecordWebhookEvent("malformed")
		h.log.WithError(err).Debug("Rejected webhook payload")
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Apply(r.Context(), events)
	if err != nil {
		observability.RecordWebhookEvent("error")
		h.log.WithError(err).Error("Failed to apply webhook events")
		api.WriteError(w, http.StatusInternalServerError, "failed to apply events")
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// Apply registers or deactivates targets for events in order.
// Both operations are idempotent, so redelivered events are no-ops.
func (h *Handler) Apply(ctx context.Context, events []Event) (Result, error) {
	var res Result
	for _, ev := range events {
		log := h.log.WithFields(logrus.Fields{
			"mint":   ev.TokenMint,
			"wallet": ev.WalletAddress,
			"change": ev.ChangeType,
		})
		if ev.ChangeType.Registers() {
			if _, err := h.registrar.EnableMonitoring(ctx, ev.Key()); err != nil {
				return res, fmt.Errorf("enable monitoring %s: %w", ev.Key(), err)
			}
			res.Registered++
			observability.RecordWebhookEvent("registered")
			log.Debug("Webhook registered target")
		} else {
			if _, err := h.registrar.DisableMonitoring(ctx, ev.Key()); err != nil {
				return res, fmt.Errorf("disable monitoring %s: %w", ev.Key(), err)
			}
			res.Deactivated++
			observability.RecordWebhookEvent("deactivated")
			log.Debug("Webhook deactivated target")
		}
		res.Processed++
	}
	return res, nil
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.authToken)) == 1
}

// ParseEvents decodes a single event object or an array of events and
// validates every entry. Nothing is returned unless all entries are valid.
func ParseEvents(body []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if trimmed[0] == '[' {
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
	} else {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = []Event{ev}
	}
	if dec.More() {
		return nil, errors.New("trailing data after payload")
	}

	for i := range events {
		ev := &events[i]
		ev.WalletAddress = strings.TrimSpace(ev.WalletAddress)
		ev.TokenMint = strings.TrimSpace(ev.TokenMint)
		ev.ChangeType = ChangeType(strings.ToLower(strings.TrimSpace(string(ev.ChangeType))))

		if err := validateAddress(ev.WalletAddress); err != nil {
			return nil, fmt.Errorf("event %d: walletAddress: %w", i, err)
		}
		if err := validateAddress(ev.TokenMint); err != nil {
			return nil, fmt.Errorf("event %d: tokenMint: %w", i, err)
		}
		if !ev.ChangeType.Registers() && ev.ChangeType != ChangeRemoved {
			return nil, fmt.Errorf("event %d: unknown changeType %q", i, ev.ChangeType)
		}
	}
	return events, nil
}

func validateAddress(s string) error {
	if s == "" {
		return errors.New("missing")
	}
	if _, err := sol.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("invalid public key %q", s)
	}
	return nil
}
