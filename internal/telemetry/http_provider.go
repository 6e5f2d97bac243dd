package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"rugshield/internal/domain"
)

// HTTPProviderOptions configures HTTPProvider.
type HTTPProviderOptions struct {
	Name          string
	BaseURL       string // e.g. https://api.dexscreener.com/latest/dex
	APIKey        string // sent as X-API-KEY when set
	RatePerSecond float64
	RateBurst     int
	HTTPClient    *http.Client
	Now           func() time.Time
}

// HTTPProvider queries a DexScreener-compatible token endpoint:
// GET {base}/tokens/{mint1,mint2,...} -> {"pairs":[...]}.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(opts HTTPProviderOptions) *HTTPProvider {
	if opts.Name == "" {
		opts.Name = "dexscreener"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &HTTPProvider{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  opts.HTTPClient,
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		now:     opts.Now,
	}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string {
	return p.name
}

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string           `json:"chainId"`
	PairAddress string           `json:"pairAddress"`
	Labels      []string         `json:"labels"`
	BaseToken   pairToken        `json:"baseToken"`
	QuoteToken  pairToken        `json:"quoteToken"`
	PriceNative *decimal.Decimal `json:"priceNative"`
	Liquidity   *pairLiquidity   `json:"liquidity"`
	// Extensions served by risk-enriched proxies.
	PoolFormula string   `json:"poolFormula"`
	RiskScore   *float64 `json:"riskScore"`
	RiskFlags   []string `json:"riskFlags"`
}

type pairToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type pairLiquidity struct {
	USD   *decimal.Decimal `json:"usd"`
	Base  *decimal.Decimal `json:"base"`
	Quote *decimal.Decimal `json:"quote"`
}

// FetchBatch fetches telemetry for mints in a single request. A mint's
// pinned pool is used when the response lists it; otherwise the deepest
// pool wins.
func (p *HTTPProvider) FetchBatch(ctx context.Context, mints []string, pools map[string]string) (map[string]RawTelemetry, error) {
	if len(mints) == 0 {
		return map[string]RawTelemetry{}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &domain.TransientProviderError{Provider: p.name, Err: err}
	}

	url := fmt.Sprintf("%s/tokens/%s", p.baseURL, strings.Join(mints, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-KEY", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.TransientProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientProviderError{Provider: p.name, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransientProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Err:        errors.New(truncate(string(body), 200)),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider %s: unexpected status %d: %s", p.name, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed pairsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("provider %s: unmarshal response: %w", p.name, err)
	}

	observedAt := p.now()
	wanted := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		wanted[m] = struct{}{}
	}

	best := make(map[string]pair)
	pinned := make(map[string]bool)
	for _, pr := range parsed.Pairs {
		if pr.ChainID != "" && pr.ChainID != "solana" {
			continue
		}
		mint := pr.BaseToken.Address
		if _, ok := wanted[mint]; !ok || pinned[mint] {
			continue
		}
		if pool := pools[mint]; pool != "" && pr.PairAddress == pool {
			best[mint] = pr
			pinned[mint] = true
			continue
		}
		if cur, ok := best[mint]; !ok || quoteDepth(pr).GreaterThan(quoteDepth(cur)) {
			best[mint] = pr
		}
	}

	out := make(map[string]RawTelemetry, len(best))
	for mint, pr := range best {
		raw := RawTelemetry{
			TokenMint:   mint,
			PoolAddress: pr.PairAddress,
			Source:      domain.SourcePoll,
			ObservedAt:  observedAt,
			Price:       pr.PriceNative,
			PoolFormula: formulaFor(pr),
			RiskScore:   pr.RiskScore,
			RiskFlags:   pr.RiskFlags,
		}
		if pr.Liquidity != nil {
			raw.BaseReserve = pr.Liquidity.Base
			raw.QuoteReserve = pr.Liquidity.Quote
		}
		out[mint] = raw
	}
	return out, nil
}

func quoteDepth(p pair) decimal.Decimal {
	if p.Liquidity == nil || p.Liquidity.Quote == nil {
		return decimal.Zero
	}
	return *p.Liquidity.Quote
}

// formulaFor maps pool labels onto a liquidity formula. Concentrated
// liquidity pools hold asymmetric reserves, so both sides are valued.
func formulaFor(p pair) string {
	if p.PoolFormula != "" {
		return p.PoolFormula
	}
	for _, l := range p.Labels {
		switch strings.ToUpper(l) {
		case "CLMM", "DLMM", "V3", "WHIRLPOOL":
			return FormulaSum
		}
	}
	return FormulaConstantProduct
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
