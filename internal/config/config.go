// Package config loads engine configuration from YAML, .env and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rugshield/internal/domain"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the full engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Solana     SolanaConfig     `yaml:"solana"`
	Provider   ProviderConfig   `yaml:"provider"`
	Poll       PollConfig       `yaml:"poll"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Pool       PoolConfig       `yaml:"pool"`
	Store      StoreConfig      `yaml:"store"`
	Risk       RiskConfig       `yaml:"risk"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Executor   ExecutorConfig   `yaml:"executor"`
	SwapRouter SwapRouterConfig `yaml:"swap_router"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	UseMemory     bool   `yaml:"use_memory"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"` // optional sample archive
	Migrate       bool   `yaml:"migrate"`
}

// SolanaConfig configures chain access.
type SolanaConfig struct {
	RPCEndpoint        string   `yaml:"rpc_endpoint"`
	WSEndpoint         string   `yaml:"ws_endpoint"`
	RPCTimeout         Duration `yaml:"rpc_timeout"`
	WSSubscribeTimeout Duration `yaml:"ws_subscribe_timeout"`
}

// ProviderConfig configures the market telemetry provider.
type ProviderConfig struct {
	Name          string   `yaml:"name"`
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	BatchSize     int      `yaml:"batch_size"`
	Timeout       Duration `yaml:"timeout"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	RateBurst     int      `yaml:"rate_burst"`
}

// PollConfig configures the poll scheduler.
type PollConfig struct {
	Interval               Duration `yaml:"interval"`
	IdleInterval           Duration `yaml:"idle_interval"`
	IdleAfter              Duration `yaml:"idle_after"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
}

// NormalizerConfig configures sample acceptance.
type NormalizerConfig struct {
	StalenessSkew Duration `yaml:"staleness_skew"`
}

// PoolConfig configures pool discovery and the event listener.
type PoolConfig struct {
	DiscoveryURL    string   `yaml:"discovery_url"`
	ResolveInterval Duration `yaml:"resolve_interval"`
	Enabled         bool     `yaml:"enabled"`
}

// StoreConfig configures the in-process time-series store.
type StoreConfig struct {
	Retention        Duration `yaml:"retention"`
	FullResolution   Duration `yaml:"full_resolution"`
	DownsampleBucket Duration `yaml:"downsample_bucket"`
	ArchiveBatchSize int      `yaml:"archive_batch_size"`
	ArchiveFlush     Duration `yaml:"archive_flush"`
}

// RiskConfig holds the risk state machine thresholds. Percentages are fractions.
type RiskConfig struct {
	LiquidityFloor       float64  `yaml:"liquidity_floor"`         // RUGGED below this absolute liquidity
	RuggedDropPct        float64  `yaml:"rugged_drop_pct"`         // RUGGED when liquidity fell by at least this
	SellNowDropPct       float64  `yaml:"sell_now_drop_pct"`       // SELL_NOW liquidity drop
	SellLiquidityDropPct float64  `yaml:"sell_liquidity_drop_pct"` // SELL liquidity drop
	SellPriceDropPct     float64  `yaml:"sell_price_drop_pct"`     // SELL price drop
	PumpingRisePct       float64  `yaml:"pumping_rise_pct"`        // PUMPING price rise
	VolatileChangePct    float64  `yaml:"volatile_change_pct"`     // VOLATILE absolute price change
	Window               Duration `yaml:"window"`                  // comparison window
	NewTargetAge         Duration `yaml:"new_target_age"`          // NEW while younger than this
	MinSamples           int      `yaml:"min_samples"`             // samples needed for directional rules
	ExitRiskScore        float64  `yaml:"exit_risk_score"`         // provider score treated as imminent exit
}

// EvaluatorConfig configures the status read model.
type EvaluatorConfig struct {
	StatusCacheTTL Duration `yaml:"status_cache_ttl"`
}

// ExecutorConfig configures automated protection.
type ExecutorConfig struct {
	TriggerStates       []string `yaml:"trigger_states"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffBase         Duration `yaml:"backoff_base"`
	SubmitTimeout       Duration `yaml:"submit_timeout"`
	FinalityTimeout     Duration `yaml:"finality_timeout"`
	ConfirmPollInterval Duration `yaml:"confirm_poll_interval"`
	ConfirmCooldown     Duration `yaml:"confirm_cooldown"`
	RetryCooldown       Duration `yaml:"retry_cooldown"`
	SellFraction        float64  `yaml:"sell_fraction"`
	TargetAsset         string   `yaml:"target_asset"`
	FinalitySource      string   `yaml:"finality_source"` // router|rpc
}

// SwapRouterConfig configures the swap router collaborator.
type SwapRouterConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// WebhookConfig configures balance-change intake.
type WebhookConfig struct {
	AuthToken string `yaml:"auth_token"`
	MaxBody   int64  `yaml:"max_body"`
}

// WrappedSOLMint is the default exit asset.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Default returns the configuration with every threshold set.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: Duration(10 * time.Second)},
		Storage: StorageConfig{
			UseMemory: true,
		},
		Solana: SolanaConfig{
			RPCTimeout:         Duration(10 * time.Second),
			WSSubscribeTimeout: Duration(15 * time.Second),
		},
		Provider: ProviderConfig{
			Name:          "dexscreener",
			BaseURL:       "https://api.dexscreener.com/latest/dex",
			BatchSize:     100,
			Timeout:       Duration(5 * time.Second),
			RatePerSecond: 5,
			RateBurst:     5,
		},
		Poll: PollConfig{
			Interval:               Duration(1 * time.Second),
			IdleInterval:           Duration(5 * time.Second),
			IdleAfter:              Duration(1 * time.Hour),
			MaxConsecutiveFailures: 10,
		},
		Normalizer: NormalizerConfig{StalenessSkew: Duration(2 * time.Second)},
		Pool: PoolConfig{
			ResolveInterval: Duration(30 * time.Second),
			Enabled:         true,
		},
		Store: StoreConfig{
			Retention:        Duration(24 * time.Hour),
			FullResolution:   Duration(1 * time.Hour),
			DownsampleBucket: Duration(1 * time.Minute),
			ArchiveBatchSize: 500,
			ArchiveFlush:     Duration(2 * time.Second),
		},
		Risk: RiskConfig{
			LiquidityFloor:       1,
			RuggedDropPct:        0.90,
			SellNowDropPct:       0.50,
			SellLiquidityDropPct: 0.25,
			SellPriceDropPct:     0.40,
			PumpingRisePct:       0.20,
			VolatileChangePct:    0.10,
			Window:               Duration(5 * time.Minute),
			NewTargetAge:         Duration(5 * time.Minute),
			MinSamples:           2,
			ExitRiskScore:        0.9,
		},
		Evaluator: EvaluatorConfig{StatusCacheTTL: Duration(1 * time.Second)},
		Executor: ExecutorConfig{
			TriggerStates:       []string{string(domain.RiskStateSell), string(domain.RiskStateSellNow)},
			MaxAttempts:         3,
			BackoffBase:         Duration(2 * time.Second),
			SubmitTimeout:       Duration(15 * time.Second),
			FinalityTimeout:     Duration(30 * time.Second),
			ConfirmPollInterval: Duration(1 * time.Second),
			ConfirmCooldown:     Duration(60 * time.Second),
			RetryCooldown:       Duration(10 * time.Second),
			SellFraction:        1.0,
			TargetAsset:         WrappedSOLMint,
			FinalitySource:      "router",
		},
		SwapRouter: SwapRouterConfig{Timeout: Duration(15 * time.Second)},
		Webhook:    WebhookConfig{MaxBody: 1 << 20},
	}
}

// Load reads an optional .env file, then the YAML file at path over the
// defaults, then environment overrides, and validates the result.
// An empty path skips the YAML step.
func Load(path string) (*Config, error) {
	// Missing .env is fine; existing env vars win.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config from YAML: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	setString(&c.Solana.RPCEndpoint, "SOLANA_RPC_ENDPOINT")
	setString(&c.Solana.WSEndpoint, "SOLANA_WS_ENDPOINT")
	setString(&c.Storage.PostgresDSN, "POSTGRES_DSN")
	setString(&c.Storage.ClickhouseDSN, "CLICKHOUSE_DSN")
	setString(&c.Provider.BaseURL, "PROVIDER_BASE_URL")
	setString(&c.Provider.APIKey, "PROVIDER_API_KEY")
	setString(&c.Pool.DiscoveryURL, "POOL_DISCOVERY_URL")
	setString(&c.SwapRouter.BaseURL, "SWAP_ROUTER_URL")
	setString(&c.SwapRouter.APIKey, "SWAP_ROUTER_API_KEY")
	setString(&c.Webhook.AuthToken, "WEBHOOK_AUTH_TOKEN")
	setString(&c.Log.Level, "LOG_LEVEL")
	if c.Storage.PostgresDSN != "" && os.Getenv("USE_MEMORY") == "" {
		c.Storage.UseMemory = false
	}
	if v := strings.ToLower(os.Getenv("USE_MEMORY")); v == "1" || v == "true" {
		c.Storage.UseMemory = true
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks every threshold. The first problem found is returned as
// a *domain.ConfigurationError.
func (c *Config) Validate() error {
	r := c.Risk
	checks := []struct {
		ok     bool
		field  string
		reason string
	}{
		{r.LiquidityFloor >= 0, "risk.liquidity_floor", "must be >= 0"},
		{inUnit(r.RuggedDropPct), "risk.rugged_drop_pct", "must be in (0,1]"},
		{inUnit(r.SellNowDropPct), "risk.sell_now_drop_pct", "must be in (0,1]"},
		{inUnit(r.SellLiquidityDropPct), "risk.sell_liquidity_drop_pct", "must be in (0,1]"},
		{inUnit(r.SellPriceDropPct), "risk.sell_price_drop_pct", "must be in (0,1]"},
		{r.PumpingRisePct > 0, "risk.pumping_rise_pct", "must be > 0"},
		{r.VolatileChangePct > 0, "risk.volatile_change_pct", "must be > 0"},
		{r.RuggedDropPct >= r.SellNowDropPct, "risk.rugged_drop_pct", "must be >= sell_now_drop_pct"},
		{r.SellNowDropPct >= r.SellLiquidityDropPct, "risk.sell_now_drop_pct", "must be >= sell_liquidity_drop_pct"},
		{r.Window > 0, "risk.window", "must be > 0"},
		{r.NewTargetAge >= 0, "risk.new_target_age", "must be >= 0"},
		{r.MinSamples >= 2, "risk.min_samples", "must be >= 2"},
		{r.ExitRiskScore > 0 && r.ExitRiskScore <= 1, "risk.exit_risk_score", "must be in (0,1]"},

		{c.Poll.Interval > 0, "poll.interval", "must be > 0"},
		{c.Poll.IdleInterval >= c.Poll.Interval, "poll.idle_interval", "must be >= poll.interval"},
		{c.Poll.MaxConsecutiveFailures > 0, "poll.max_consecutive_failures", "must be > 0"},
		{c.Provider.BatchSize > 0, "provider.batch_size", "must be > 0"},
		{c.Provider.Timeout > 0, "provider.timeout", "must be > 0"},
		{c.Provider.BaseURL != "", "provider.base_url", "is required"},
		{c.Normalizer.StalenessSkew >= 0, "normalizer.staleness_skew", "must be >= 0"},
		{c.Store.Retention > c.Store.FullResolution, "store.retention", "must exceed store.full_resolution"},
		{c.Store.FullResolution >= r.Window, "store.full_resolution", "must cover risk.window"},
		{c.Store.DownsampleBucket > 0, "store.downsample_bucket", "must be > 0"},

		{c.Executor.MaxAttempts > 0, "executor.max_attempts", "must be > 0"},
		{c.Executor.BackoffBase > 0, "executor.backoff_base", "must be > 0"},
		{c.Executor.SubmitTimeout > 0, "executor.submit_timeout", "must be > 0"},
		{c.Executor.FinalityTimeout > 0, "executor.finality_timeout", "must be > 0"},
		{c.Executor.ConfirmPollInterval > 0, "executor.confirm_poll_interval", "must be > 0"},
		{c.Executor.SellFraction > 0 && c.Executor.SellFraction <= 1, "executor.sell_fraction", "must be in (0,1]"},
		{c.Executor.TargetAsset != "", "executor.target_asset", "is required"},
		{c.Executor.FinalitySource == "router" || c.Executor.FinalitySource == "rpc", "executor.finality_source", "must be router or rpc"},

		{c.Storage.UseMemory || c.Storage.PostgresDSN != "", "storage.postgres_dsn", "is required unless storage.use_memory"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return &domain.ConfigurationError{Field: chk.field, Reason: chk.reason}
		}
	}

	if len(c.Executor.TriggerStates) == 0 {
		return &domain.ConfigurationError{Field: "executor.trigger_states", Reason: "must not be empty"}
	}
	for _, s := range c.Executor.TriggerStates {
		if _, ok := domain.ParseRiskState(s); !ok {
			return &domain.ConfigurationError{Field: "executor.trigger_states", Reason: fmt.Sprintf("unknown state %q", s)}
		}
	}
	return nil
}

// TriggerStates returns the parsed executor trigger states.
func (c *Config) TriggerStates() []domain.RiskState {
	out := make([]domain.RiskState, 0, len(c.Executor.TriggerStates))
	for _, s := range c.Executor.TriggerStates {
		out = append(out, domain.RiskState(s))
	}
	return out
}

func inUnit(v float64) bool {
	return v > 0 && v <= 1
}
