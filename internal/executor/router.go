package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TxStatus is the finality of a submitted swap transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxUnknown   TxStatus = "unknown" // not seen by the finality source
)

// ErrSwapRejected marks a submission the router refused outright.
var ErrSwapRejected = errors.New("swap rejected")

// SwapRequest is one emergency exit submission.
type SwapRequest struct {
	WalletAddress  string `json:"walletAddress"`
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	Amount         string `json:"amount"` // raw base units
	Decimals       uint8  `json:"decimals"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SwapRouter submits swaps.
type SwapRouter interface {
	SubmitEmergencySwap(ctx context.Context, req SwapRequest) (txRef string, err error)
}

// Finality reports whether a submitted transaction landed.
type Finality interface {
	TransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// HTTPRouter is a client for the swap router service.
//
//	POST {base}/v1/swap                 -> {"txRef": "..."}
//	GET  {base}/v1/transactions/{txRef} -> {"status": "pending|confirmed|failed"}
type HTTPRouter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var (
	_ SwapRouter = (*HTTPRouter)(nil)
	_ Finality   = (*HTTPRouter)(nil)
)

// NewHTTPRouter creates an HTTPRouter.
func NewHTTPRouter(baseURL, apiKey string, timeout time.Duration) *HTTPRouter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRouter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type swapResponse struct {
	TxRef string `json:"txRef"`
	Error string `json:"error"`
}

// SubmitEmergencySwap submits req. 4xx responses wrap ErrSwapRejected.
func (r *HTTPRouter) SubmitEmergencySwap(ctx context.Context, req SwapRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/swap", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if r.apiKey != "" {
		httpReq.Header.Set("X-API-KEY", r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit swap: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed swapResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := parsed.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrSwapRejected, resp.StatusCode, msg)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted:
		return "", fmt.Errorf("submit swap: unexpected status %d", resp.StatusCode)
	}
	if parsed.TxRef == "" {
		return "", fmt.Errorf("submit swap: response without txRef")
	}
	return parsed.TxRef, nil
}

type txStatusResponse struct {
	Status string `json:"status"`
}

// TransactionStatus returns the router's view of txRef.
func (r *HTTPRouter) TransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/transactions/"+url.PathEscape(txRef), nil)
	if err != nil {
		return TxUnknown, fmt.Errorf("create request: %w", err)
	}
	if r.apiKey != "" {
		httpReq.Header.Set("X-API-KEY", r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return TxUnknown, fmt.Errorf("transaction status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TxUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return TxUnknown, fmt.Errorf("transaction status: unexpected status %d", resp.StatusCode)
	}

	var parsed txStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TxUnknown, fmt.Errorf("transaction status: decode: %w", err)
	}
	switch TxStatus(strings.ToLower(parsed.Status)) {
	case TxConfirmed, "finalized":
		return TxConfirmed, nil
	case TxFailed:
		return TxFailed, nil
	case TxPending, "submitted", "processed":
		return TxPending, nil
	}
	return TxUnknown, nil
}
