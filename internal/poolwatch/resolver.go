// Package poolwatch streams pool vault balances for monitored tokens.
package poolwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rugshield/internal/observability"
)

// ErrPoolNotFound is returned while no pool exists for a mint.
var ErrPoolNotFound = errors.New("pool not found")

// PoolInfo describes a token's primary liquidity pool.
type PoolInfo struct {
	PoolAddress   string `json:"poolAddress"`
	BaseVault     string `json:"baseVault"`  // token-side reserve account
	QuoteVault    string `json:"quoteVault"` // quote-side reserve account
	BaseDecimals  uint8  `json:"baseDecimals"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
}

// Resolver finds the pool for a mint.
type Resolver interface {
	Resolve(ctx context.Context, mint string) (*PoolInfo, error)
}

// HTTPResolver calls a pool discovery service: GET {base}/v1/pools/{mint}.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

var _ Resolver = (*HTTPResolver)(nil)

// NewHTTPResolver creates an HTTPResolver.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve returns the pool of mint, or ErrPoolNotFound.
func (r *HTTPResolver) Resolve(ctx context.Context, mint string) (*PoolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/pools/"+url.PathEscape(mint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve pool %s: %w", mint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPoolNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("resolve pool %s: status %d: %s", mint, resp.StatusCode, string(body))
	}

	var info PoolInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("resolve pool %s: decode: %w", mint, err)
	}
	if info.PoolAddress == "" || info.BaseVault == "" || info.QuoteVault == "" {
		return nil, fmt.Errorf("resolve pool %s: incomplete pool info", mint)
	}
	observability.RecordPoolResolved()
	return &info, nil
}
