package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugshield/internal/domain"
	"rugshield/internal/evaluator"
	"rugshield/internal/idhash"
	"rugshield/internal/logging"
	"rugshield/internal/solana"
	"rugshield/internal/storage/memory"
)

const wsol = "So11111111111111111111111111111111111111112"

var key = domain.TargetKey{TokenMint: "MINT", WalletAddress: "WALLET"}

type fakeRouter struct {
	mu     sync.Mutex
	reqs   []SwapRequest
	submit func(n int, req SwapRequest) (string, error)
}

func (r *fakeRouter) SubmitEmergencySwap(_ context.Context, req SwapRequest) (string, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	n := len(r.reqs)
	r.mu.Unlock()
	if r.submit == nil {
		return fmt.Sprintf("tx-%d", n), nil
	}
	return r.submit(n, req)
}

func (r *fakeRouter) requests() []SwapRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SwapRequest(nil), r.reqs...)
}

type fakeFinality struct {
	status func(txRef string) TxStatus
}

func (f *fakeFinality) TransactionStatus(_ context.Context, txRef string) (TxStatus, error) {
	if f.status == nil {
		return TxConfirmed, nil
	}
	return f.status(txRef), nil
}

type fakeBalances struct {
	amount solana.TokenAmount
	err    error
	gate   chan struct{} // blocks Balance until closed
}

func (b *fakeBalances) Balance(ctx context.Context, _, _ string) (solana.TokenAmount, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return solana.TokenAmount{}, ctx.Err()
		}
	}
	return b.amount, b.err
}

type fakeTargets struct {
	mu sync.Mutex
	m  map[domain.TargetKey]*domain.MonitoringTarget
}

func (f *fakeTargets) Get(k domain.TargetKey) (*domain.MonitoringTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[k]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

type fixture struct {
	exec     *Executor
	store    *memory.ExecutionStore
	alerts   *memory.AlertStore
	router   *fakeRouter
	finality *fakeFinality
	balances *fakeBalances
	targets  *fakeTargets
}

func testOptions() Options {
	return Options{
		TriggerStates:       []domain.RiskState{domain.RiskStateSell, domain.RiskStateSellNow},
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		SubmitTimeout:       time.Second,
		FinalityTimeout:     20 * time.Millisecond,
		ConfirmPollInterval: time.Millisecond,
		ConfirmCooldown:     time.Minute,
		RetryCooldown:       10 * time.Second,
		SellFraction:        decimal.NewFromInt(1),
		TargetAsset:         wsol,
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewExecutionStore(),
		alerts:   memory.NewAlertStore(),
		router:   &fakeRouter{},
		finality: &fakeFinality{},
		balances: &fakeBalances{amount: solana.TokenAmount{Amount: 1_000_000, Decimals: 6}},
		targets: &fakeTargets{m: map[domain.TargetKey]*domain.MonitoringTarget{
			key: {TokenMint: key.TokenMint, WalletAddress: key.WalletAddress, Active: true, AutomatedProtectionEnabled: true},
		}},
	}
	f.exec = New(f.store, f.alerts, f.router, f.finality, f.balances, f.targets, opts, logging.Discard())
	return f
}

func evaluation(state domain.RiskState) evaluator.Evaluation {
	return evaluator.Evaluation{
		Target:   domain.MonitoringTarget{TokenMint: key.TokenMint, WalletAddress: key.WalletAddress, Active: true, AutomatedProtectionEnabled: true},
		Status:   domain.Status{TokenMint: key.TokenMint, WalletAddress: key.WalletAddress, RiskState: state},
		Previous: domain.RiskStateWatching,
	}
}

func waitStatus(t *testing.T, f *fixture, id string, want domain.ExecutionStatus) *domain.ExecutionRecord {
	t.Helper()
	var rec *domain.ExecutionRecord
	require.Eventually(t, func() bool {
		r, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 2*time.Second, time.Millisecond, "record %s never reached %s", id, want)
	f.exec.Wait()
	return rec
}

func TestHandle_SellNowQueuesAndConfirms(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.gate = make(chan struct{})
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	require.NotNil(t, rec)

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionQueued, stored.Status)
	assert.Equal(t, domain.RiskStateSellNow, stored.TriggerState)

	close(f.balances.gate)
	done := waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, "tx-1", done.TxRef)
	assert.True(t, decimal.NewFromInt(1).Equal(done.Amount), "amount %s", done.Amount)

	reqs := f.router.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "1000000", reqs[0].Amount)
	assert.Equal(t, wsol, reqs[0].OutputMint)
	assert.Equal(t, key.TokenMint, reqs[0].InputMint)
	assert.Equal(t, idhash.ComputeSwapKey(rec.ID, 1), reqs[0].IdempotencyKey)
}

func TestHandle_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		state  domain.RiskState
		mutate func(*domain.MonitoringTarget)
	}{
		{"non-trigger state", domain.RiskStateVolatile, nil},
		{"rugged not configured", domain.RiskStateRugged, nil},
		{"protection disabled", domain.RiskStateSell, func(t *domain.MonitoringTarget) { t.AutomatedProtectionEnabled = false }},
		{"inactive target", domain.RiskStateSellNow, func(t *domain.MonitoringTarget) { t.Active = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			if tt.mutate != nil {
				tt.mutate(f.targets.m[key])
			}
			rec, err := f.exec.Handle(context.Background(), evaluation(tt.state))
			require.NoError(t, err)
			assert.Nil(t, rec)

			list, err := f.store.ListByTarget(context.Background(), key, 10)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestHandle_UnknownTarget(t *testing.T) {
	f := newFixture(t, testOptions())
	delete(f.targets.m, key)

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHandle_AtMostOneActiveRecord(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created []*domain.ExecutionRecord
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
			assert.NoError(t, err)
			if rec != nil {
				mu.Lock()
				created = append(created, rec)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	list, err := f.store.ListByTarget(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	close(f.balances.gate)
	waitStatus(t, f, created[0].ID, domain.ExecutionConfirmed)
}

func TestCancel_BeforeSubmission(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.gate = make(chan struct{})
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSell))
	require.NoError(t, err)
	require.NotNil(t, rec)

	cancelled, err := f.exec.Cancel(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, domain.ExecutionCancelled, cancelled.Status)

	close(f.balances.gate)
	f.exec.Wait()

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, stored.Status)
	assert.Equal(t, "protection disabled", stored.LastError)
	assert.Empty(t, f.router.requests())
}

func (f *fakeTargets) setProtection(k domain.TargetKey, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[k].AutomatedProtectionEnabled = enabled
}

func TestRun_ProtectionDisabledBeforeFirstSubmission(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.gate = make(chan struct{})
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Disabled after Handle checked the target; no Cancel call reaches the record.
	f.targets.setProtection(key, false)
	close(f.balances.gate)

	done := waitStatus(t, f, rec.ID, domain.ExecutionCancelled)
	assert.Equal(t, "protection disabled", done.LastError)
	assert.Zero(t, done.Attempts)
	assert.Empty(t, f.router.requests())
}

func TestRun_ProtectionDisabledDuringBackoff(t *testing.T) {
	opts := testOptions()
	opts.BackoffBase = 200 * time.Millisecond
	f := newFixture(t, opts)
	f.router.submit = func(n int, _ SwapRequest) (string, error) {
		if n == 1 {
			f.targets.setProtection(key, false)
			return "", fmt.Errorf("%w: slippage", ErrSwapRejected)
		}
		return fmt.Sprintf("tx-%d", n), nil
	}
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	require.NotNil(t, rec)

	// The record is SUBMITTED while the first attempt fails, so Cancel is a no-op.
	require.Eventually(t, func() bool { return len(f.router.requests()) == 1 }, time.Second, time.Millisecond)
	cancelled, err := f.exec.Cancel(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cancelled)

	done := waitStatus(t, f, rec.ID, domain.ExecutionCancelled)
	assert.Equal(t, "protection disabled", done.LastError)
	assert.Equal(t, 1, done.Attempts)
	assert.Len(t, f.router.requests(), 1)
}

func TestCancel_NoActiveRecord(t *testing.T) {
	f := newFixture(t, testOptions())

	rec, err := f.exec.Cancel(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCancel_SubmittedIsLeftToFinish(t *testing.T) {
	f := newFixture(t, testOptions())
	release := make(chan struct{})
	f.finality.status = func(string) TxStatus {
		select {
		case <-release:
			return TxConfirmed
		default:
			return TxPending
		}
	}
	opts := testOptions()
	opts.FinalityTimeout = 2 * time.Second
	f.exec = New(f.store, f.alerts, f.router, f.finality, f.balances, f.targets, opts, logging.Discard())
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.router.requests()) == 1 }, time.Second, time.Millisecond)

	cancelled, err := f.exec.Cancel(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cancelled)

	close(release)
	waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
}

func TestRun_SubmissionFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(t, testOptions())
	f.router.submit = func(int, SwapRequest) (string, error) {
		return "", fmt.Errorf("%w: slippage", ErrSwapRejected)
	}
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	failed := waitStatus(t, f, rec.ID, domain.ExecutionFailed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.LastError, "slippage")

	reqs := f.router.requests()
	require.Len(t, reqs, 3)
	for i, req := range reqs {
		assert.Equal(t, idhash.ComputeSwapKey(rec.ID, i+1), req.IdempotencyKey)
	}

	alerts, err := f.alerts.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, idhash.ComputeAlertID(rec.ID, domain.AlertSwapFailed), alerts[0].ID)
	assert.Equal(t, domain.AlertSwapFailed, alerts[0].Kind)
	assert.Equal(t, rec.ID, alerts[0].ExecutionID)

	// Retry cooldown blocks an immediate new record.
	again, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRun_RecoversOnLaterAttempt(t *testing.T) {
	f := newFixture(t, testOptions())
	f.router.submit = func(n int, _ SwapRequest) (string, error) {
		if n < 2 {
			return "", errors.New("router unavailable")
		}
		return "tx-ok", nil
	}

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSell))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, "tx-ok", done.TxRef)
	assert.Empty(t, done.LastError)
}

func TestRun_FinalityTimeoutRaisesAlert(t *testing.T) {
	f := newFixture(t, testOptions())
	f.finality.status = func(string) TxStatus { return TxPending }

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	failed := waitStatus(t, f, rec.ID, domain.ExecutionFailed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Len(t, f.router.requests(), 3)

	alerts, err := f.alerts.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertFinalityTimeout, alerts[0].Kind)
}

func TestRun_OnChainFailureRetries(t *testing.T) {
	f := newFixture(t, testOptions())
	f.finality.status = func(txRef string) TxStatus {
		if txRef == "tx-1" {
			return TxFailed
		}
		return TxConfirmed
	}

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
	assert.Equal(t, "tx-2", done.TxRef)
	assert.Equal(t, 2, done.Attempts)
}

func TestRun_PriorTxLandsBeforeResubmit(t *testing.T) {
	opts := testOptions()
	opts.FinalityTimeout = 5 * time.Millisecond
	opts.BackoffBase = 200 * time.Millisecond
	f := newFixture(t, opts)

	var submitted time.Time
	var mu sync.Mutex
	f.router.submit = func(n int, _ SwapRequest) (string, error) {
		mu.Lock()
		submitted = time.Now()
		mu.Unlock()
		return fmt.Sprintf("tx-%d", n), nil
	}
	f.finality.status = func(string) TxStatus {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(submitted) > 25*time.Millisecond {
			return TxConfirmed
		}
		return TxPending
	}

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
	assert.Equal(t, "tx-1", done.TxRef)
	assert.Len(t, f.router.requests(), 1, "must not resubmit while the first swap can still land")
}

func TestRun_ZeroBalanceCancels(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.amount = solana.TokenAmount{Amount: 0, Decimals: 6}

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionCancelled)
	assert.Equal(t, "no balance", done.LastError)
	assert.Empty(t, f.router.requests())
}

func TestRun_BalanceErrorsExhaustAttempts(t *testing.T) {
	f := newFixture(t, testOptions())
	f.balances.err = errors.New("rpc down")

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionFailed)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, "rpc down", done.LastError)
	assert.Empty(t, f.router.requests())
}

func TestRun_SellFraction(t *testing.T) {
	opts := testOptions()
	opts.SellFraction = decimal.RequireFromString("0.5")
	f := newFixture(t, opts)
	f.balances.amount = solana.TokenAmount{Amount: 1_000_001, Decimals: 6}

	rec, err := f.exec.Handle(context.Background(), evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)

	done := waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)
	reqs := f.router.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "500000", reqs[0].Amount)
	assert.Equal(t, "0.5", done.Amount.String())
}

func TestRun_ConfirmCooldown(t *testing.T) {
	f := newFixture(t, testOptions())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	f.exec.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ctx := context.Background()

	rec, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	waitStatus(t, f, rec.ID, domain.ExecutionConfirmed)

	again, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	assert.Nil(t, again, "confirm cooldown must suppress a new record")

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	next, err := f.exec.Handle(ctx, evaluation(domain.RiskStateSellNow))
	require.NoError(t, err)
	require.NotNil(t, next)
	waitStatus(t, f, next.ID, domain.ExecutionConfirmed)
}

func TestRun_ResumesActiveRecords(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submitted := &domain.ExecutionRecord{
		ID: "exec-resume", TokenMint: key.TokenMint, WalletAddress: key.WalletAddress,
		TriggerState: domain.RiskStateSellNow, Status: domain.ExecutionSubmitted,
		Attempts: 1, TxRef: "tx-prev",
	}
	require.NoError(t, f.store.CreateIfNoActive(ctx, submitted))

	evals := make(chan evaluator.Evaluation)
	errc := make(chan error, 1)
	go func() { errc <- f.exec.Run(ctx, evals) }()

	done := waitStatus(t, f, submitted.ID, domain.ExecutionConfirmed)
	assert.Equal(t, "tx-prev", done.TxRef)
	assert.Empty(t, f.router.requests())

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ConsumesEvaluations(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evals := make(chan evaluator.Evaluation, 1)
	go func() { _ = f.exec.Run(ctx, evals) }()
	evals <- evaluation(domain.RiskStateSellNow)

	var id string
	require.Eventually(t, func() bool {
		list, err := f.store.ListByTarget(ctx, key, 1)
		if err != nil || len(list) == 0 {
			return false
		}
		id = list[0].ID
		return list[0].Status == domain.ExecutionConfirmed
	}, 2*time.Second, time.Millisecond)
	assert.NotEmpty(t, id)
}

func TestBackoff(t *testing.T) {
	f := newFixture(t, Options{BackoffBase: 2 * time.Second})
	assert.Equal(t, 2*time.Second, f.exec.backoff(1))
	assert.Equal(t, 4*time.Second, f.exec.backoff(2))
	assert.Equal(t, 8*time.Second, f.exec.backoff(3))
}
