// Package api serves the monitoring commands and the status read model over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/observability"
	"rugshield/internal/storage"
)

// Service is the engine surface the API exposes.
type Service interface {
	EnableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error)
	DisableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error)
	SetAutomatedProtection(ctx context.Context, key domain.TargetKey, enabled bool) (*domain.MonitoringTarget, error)
	GetStatus(ctx context.Context, key domain.TargetKey) (domain.Status, error)
	Targets() []*domain.MonitoringTarget
	Executions(ctx context.Context, key domain.TargetKey, limit int) ([]*domain.ExecutionRecord, error)
	Alerts(ctx context.Context, limit int) ([]*domain.Alert, error)
}

const maxCommandBody = 64 << 10

// Server holds the HTTP handlers.
type Server struct {
	svc Service
	log *logrus.Entry
}

// NewRouter builds the API routes. webhook may be nil when intake is disabled.
func NewRouter(svc Service, webhook http.Handler, log *logrus.Entry) *mux.Router {
	s := &Server{svc: svc, log: log}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/targets", s.handleListTargets).Methods(http.MethodGet)
	v1.HandleFunc("/targets", s.handleEnableMonitoring).Methods(http.MethodPost)
	v1.HandleFunc("/targets/{mint}/{wallet}", s.handleDisableMonitoring).Methods(http.MethodDelete)
	v1.HandleFunc("/targets/{mint}/{wallet}/protection", s.handleSetProtection).Methods(http.MethodPut)
	v1.HandleFunc("/targets/{mint}/{wallet}/executions", s.handleExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/status/{mint}/{wallet}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	if webhook != nil {
		v1.Handle("/webhooks/balance", webhook).Methods(http.MethodPost)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type targetRequest struct {
	TokenMint                  string `json:"tokenMint"`
	WalletAddress              string `json:"walletAddress"`
	AutomatedProtectionEnabled *bool  `json:"automatedProtectionEnabled,omitempty"`
}

func (s *Server) handleEnableMonitoring(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decode(w, r, &req) {
		return
	}
	key := domain.TargetKey{TokenMint: req.TokenMint, WalletAddress: req.WalletAddress}

	t, err := s.svc.EnableMonitoring(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.AutomatedProtectionEnabled != nil && *req.AutomatedProtectionEnabled != t.AutomatedProtectionEnabled {
		if t, err = s.svc.SetAutomatedProtection(r.Context(), key, *req.AutomatedProtectionEnabled); err != nil {
			s.fail(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, newTargetView(t))
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.svc.Targets()
	out := make([]targetView, 0, len(targets))
	for _, t := range targets {
		out = append(out, newTargetView(t))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleDisableMonitoring(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.DisableMonitoring(r.Context(), pathKey(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if t == nil {
		WriteError(w, http.StatusNotFound, "target not found")
		return
	}
	WriteJSON(w, http.StatusOK, newTargetView(t))
}

type protectionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetProtection(w http.ResponseWriter, r *http.Request) {
	var req protectionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		WriteError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	t, err := s.svc.SetAutomatedProtection(r.Context(), pathKey(r), *req.Enabled)
	if err != nil {
		s.fail(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTargetView(t))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStatus(r.Context(), pathKey(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.svc.Executions(r.Context(), pathKey(r), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]executionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newExecutionView(rec))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	alerts, err := s.svc.Alerts(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, newAlertView(a))
	}
	WriteJSON(w, http.StatusOK, out)
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, "target not found")
	default:
		s.log.WithError(err).Error("Request failed")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathKey(r *http.Request) domain.TargetKey {
	vars := mux.Vars(r)
	return domain.TargetKey{TokenMint: vars["mint"], WalletAddress: vars["wallet"]}
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// WriteJSON encodes data as the JSON response body with status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes {"error": msg} with status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
