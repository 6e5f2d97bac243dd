package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugshield/internal/config"
	"rugshield/internal/domain"
	"rugshield/internal/executor"
	"rugshield/internal/logging"
	"rugshield/internal/solana"
	"rugshield/internal/storage"
	"rugshield/internal/storage/memory"
	"rugshield/internal/telemetry"
)

const (
	mint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	wallet  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	wallet2 = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

var key = domain.TargetKey{TokenMint: mint, WalletAddress: wallet}

type emptyProvider struct{}

func (emptyProvider) Name() string { return "test" }

func (emptyProvider) FetchBatch(context.Context, []string, map[string]string) (map[string]telemetry.RawTelemetry, error) {
	return map[string]telemetry.RawTelemetry{}, nil
}

type okRouter struct{}

func (okRouter) SubmitEmergencySwap(context.Context, executor.SwapRequest) (string, error) {
	return "tx-1", nil
}

type okFinality struct{}

func (okFinality) TransactionStatus(context.Context, string) (executor.TxStatus, error) {
	return executor.TxConfirmed, nil
}

type fixedBalance struct{}

func (fixedBalance) Balance(context.Context, string, string) (solana.TokenAmount, error) {
	return solana.TokenAmount{Amount: 1_000_000, Decimals: 6}, nil
}

type fixture struct {
	engine     *Engine
	executions *memory.ExecutionStore
	alerts     *memory.AlertStore
	archive    *memory.SampleArchive
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.Enabled = false
	cfg.Poll.Interval = config.Duration(time.Hour)
	cfg.Executor.BackoffBase = config.Duration(5 * time.Millisecond)
	cfg.Executor.FinalityTimeout = config.Duration(100 * time.Millisecond)
	cfg.Executor.ConfirmPollInterval = config.Duration(2 * time.Millisecond)
	cfg.Store.ArchiveFlush = config.Duration(5 * time.Millisecond)
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		executions: memory.NewExecutionStore(),
		alerts:     memory.NewAlertStore(),
		archive:    memory.NewSampleArchive(),
	}
	f.engine = New(testConfig(), Stores{
		Targets:    memory.NewTargetStore(),
		Executions: f.executions,
		Alerts:     f.alerts,
		Archive:    f.archive,
	}, Collaborators{
		Provider: emptyProvider{},
		Router:   okRouter{},
		Finality: okFinality{},
		Balances: fixedBalance{},
	}, logging.NewWithOutput(io.Discard, "error", "text"))
	return f
}

func dec(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func raw(at time.Time, price, liquidity string) telemetry.RawTelemetry {
	return telemetry.RawTelemetry{
		TokenMint:      mint,
		Source:         domain.SourcePoll,
		ObservedAt:     at,
		Price:          dec(price),
		LiquidityQuote: dec(liquidity),
	}
}

func seriesLen(f *fixture, mint string) int {
	snap, _ := f.engine.series.Snapshot(mint, time.Now(), time.Hour, 0)
	return snap.Count
}

func TestEnableMonitoring_IdempotentAndValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)
	second, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Len(t, f.engine.Targets(), 1)

	_, err = f.engine.EnableMonitoring(ctx, domain.TargetKey{TokenMint: "not-base58!", WalletAddress: wallet})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	_, err = f.engine.EnableMonitoring(ctx, domain.TargetKey{TokenMint: mint})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetStatus_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GetStatus(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)

	st, err := f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskStateUnknown, st.RiskState)
	assert.True(t, st.MonitoringActive)
	assert.False(t, st.HasCompleteData)

	now := time.Now()
	require.NoError(t, f.engine.Ingest(ctx, raw(now.Add(-time.Minute), "1", "1000")))
	st, err = f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskStateNew, st.RiskState)

	require.NoError(t, f.engine.Ingest(ctx, raw(now, "1.01", "1000")))
	st, err = f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskStateWatching, st.RiskState)
	assert.True(t, st.HasCompleteData)
	require.NotNil(t, st.Price)
	assert.Equal(t, "1.01", st.Price.String())
}

func TestIngest_LiquidityCollapseIsSellNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, f.engine.Ingest(ctx, raw(now.Add(-time.Minute), "1", "1000")))
	require.NoError(t, f.engine.Ingest(ctx, raw(now, "1", "400")))

	st, err := f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskStateSellNow, st.RiskState)
}

func TestIngest_PoolsAreNotCompared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)

	now := time.Now()
	// Same token value, quoted against USDC by the provider and SOL by the pool.
	require.NoError(t, f.engine.Ingest(ctx, telemetry.RawTelemetry{
		TokenMint: mint, PoolAddress: "UsdcPool", Source: domain.SourcePoll, ObservedAt: now.Add(-time.Second),
		Price: dec("0.5"), BaseReserve: dec("100000"), QuoteReserve: dec("50000"),
	}))
	require.NoError(t, f.engine.Ingest(ctx, telemetry.RawTelemetry{
		TokenMint: mint, PoolAddress: "SolPool", Source: domain.SourcePoolEvent, ObservedAt: now,
		Price: dec("0.003"), BaseReserve: dec("100000"), QuoteReserve: dec("300"),
	}))

	st, err := f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, domain.RiskStateRugged, st.RiskState)
	assert.NotEqual(t, domain.RiskStateSellNow, st.RiskState)
	assert.False(t, st.HasCompleteData)
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, f.engine.Ingest(ctx, raw(now, "1", "1000")))

	var stale *domain.StaleTelemetryError
	err = f.engine.Ingest(ctx, raw(now.Add(-time.Minute), "1", "1000"))
	assert.True(t, errors.As(err, &stale), "got %v", err)

	var invalid *domain.NormalizationError
	bad := raw(now, "1", "1000")
	bad.Price = nil
	err = f.engine.Ingest(ctx, bad)
	assert.True(t, errors.As(err, &invalid), "got %v", err)

	untracked := raw(now, "1", "1000")
	untracked.TokenMint = wallet2
	assert.NoError(t, f.engine.Ingest(ctx, untracked))
	assert.Equal(t, 0, seriesLen(f, wallet2))
}

func TestDisableMonitoring_DropsSamplesWhenLastTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := domain.TargetKey{TokenMint: mint, WalletAddress: wallet2}

	for _, k := range []domain.TargetKey{key, other} {
		_, err := f.engine.EnableMonitoring(ctx, k)
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.Ingest(ctx, raw(time.Now(), "1", "1000")))

	tgt, err := f.engine.DisableMonitoring(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, tgt)
	assert.False(t, tgt.Active)
	assert.Equal(t, 1, seriesLen(f, mint))

	st, err := f.engine.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.False(t, st.MonitoringActive)

	_, err = f.engine.DisableMonitoring(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 0, seriesLen(f, mint))

	unknown, err := f.engine.DisableMonitoring(ctx, domain.TargetKey{TokenMint: wallet2, WalletAddress: wallet})
	assert.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestSetAutomatedProtection_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetAutomatedProtection(context.Background(), key, true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetAutomatedProtection_CancelsQueuedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)
	_, err = f.engine.SetAutomatedProtection(ctx, key, true)
	require.NoError(t, err)

	rec := &domain.ExecutionRecord{
		ID:            "exec-1",
		TokenMint:     mint,
		WalletAddress: wallet,
		TriggerState:  domain.RiskStateSell,
		Status:        domain.ExecutionQueued,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, f.executions.CreateIfNoActive(ctx, rec))

	tgt, err := f.engine.SetAutomatedProtection(ctx, key, false)
	require.NoError(t, err)
	assert.False(t, tgt.AutomatedProtectionEnabled)

	got, err := f.executions.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
}

func TestRun_ProtectsTargetAndArchivesSamples(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	_, err := f.engine.EnableMonitoring(ctx, key)
	require.NoError(t, err)
	_, err = f.engine.SetAutomatedProtection(ctx, key, true)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, f.engine.Ingest(ctx, raw(now.Add(-time.Minute), "1", "1000")))
	require.NoError(t, f.engine.Ingest(ctx, raw(now, "1", "400")))

	require.Eventually(t, func() bool {
		recs, err := f.engine.Executions(ctx, key, 0)
		return err == nil && len(recs) == 1 && recs[0].Status == domain.ExecutionConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	recs, err := f.engine.Executions(ctx, key, 10)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", recs[0].TxRef)
	assert.Equal(t, domain.RiskStateSellNow, recs[0].TriggerState)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	archived, err := f.archive.QuerySamples(context.Background(), mint, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestExecutions_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Executions(context.Background(), key, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{-1: DefaultListLimit, 0: DefaultListLimit, 10: 10, MaxListLimit + 1: MaxListLimit}
	for in, want := range tests {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
