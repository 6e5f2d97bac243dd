package poolwatch

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugshield/internal/domain"
	"rugshield/internal/logging"
	"rugshield/internal/registry"
	"rugshield/internal/solana"
	"rugshield/internal/solana/stub"
	"rugshield/internal/telemetry"
)

type fakeResolver struct {
	mu     sync.Mutex
	misses int // ErrPoolNotFound responses before success
	calls  int
	info   PoolInfo
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*PoolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.misses {
		return nil, ErrPoolNotFound
	}
	info := f.info
	return &info, nil
}

type fakeTargets struct {
	mu    sync.Mutex
	tgts  map[string][]*domain.MonitoringTarget
	pools map[string]string
}

func (f *fakeTargets) ActiveTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m, ts := range f.tgts {
		if len(ts) > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeTargets) ForToken(mint string) []*domain.MonitoringTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tgts[mint]
}

func (f *fakeTargets) SetPool(_ context.Context, mint, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[mint] = pool
	return nil
}

func (f *fakeTargets) pool(mint string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[mint]
}

func (f *fakeTargets) remove(mint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tgts, mint)
}

type recordingSink struct {
	mu   sync.Mutex
	raws []telemetry.RawTelemetry
}

func (r *recordingSink) Ingest(_ context.Context, raw telemetry.RawTelemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raws = append(r.raws, raw)
	return nil
}

func (r *recordingSink) last() (telemetry.RawTelemetry, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.raws) == 0 {
		return telemetry.RawTelemetry{}, 0
	}
	return r.raws[len(r.raws)-1], len(r.raws)
}

func tokenAccountData(amount uint64) string {
	buf := make([]byte, 165)
	binary.LittleEndian.PutUint64(buf[64:72], amount)
	return base64.StdEncoding.EncodeToString(buf)
}

func TestListener_EmitsReservesFromVaults(t *testing.T) {
	resolver := &fakeResolver{misses: 2, info: PoolInfo{
		PoolAddress: "POOL", BaseVault: "BV", QuoteVault: "QV", BaseDecimals: 6, QuoteDecimals: 9,
	}}
	ws := stub.NewWSClient()
	targets := &fakeTargets{
		tgts:  map[string][]*domain.MonitoringTarget{"MINT": {{TokenMint: "MINT", WalletAddress: "W", Active: true}}},
		pools: map[string]string{},
	}
	sink := &recordingSink{}

	l := NewListener(resolver, ws, targets, sink, Options{
		ResolveInterval:  10 * time.Millisecond,
		SubscribeTimeout: time.Second,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan registry.Event)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, events) }()

	require.Eventually(t, func() bool {
		return ws.Subscribed("BV") == 1 && ws.Subscribed("QV") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "POOL", targets.pool("MINT"))

	// 2,000 tokens at 6 decimals, 10 SOL at 9 decimals.
	ws.Push(solana.AccountNotification{Pubkey: "BV", Data: tokenAccountData(2_000_000_000)})
	time.Sleep(20 * time.Millisecond)
	_, n := sink.last()
	assert.Zero(t, n, "no sample until both reserves are known")

	ws.Push(solana.AccountNotification{Pubkey: "QV", Data: tokenAccountData(10_000_000_000)})
	require.Eventually(t, func() bool { _, n := sink.last(); return n == 1 }, time.Second, 5*time.Millisecond)

	raw, _ := sink.last()
	assert.Equal(t, domain.SourcePoolEvent, raw.Source)
	assert.True(t, raw.BaseReserve.Equal(decimal.NewFromInt(2000)))
	assert.True(t, raw.QuoteReserve.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, raw.Price)
	assert.True(t, raw.Price.Equal(decimal.RequireFromString("0.005")))

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, ws.Subscribed("BV"))
	assert.Zero(t, ws.Subscribed("QV"))
}

func TestListener_SeedsReservesOnSubscribe(t *testing.T) {
	resolver := &fakeResolver{info: PoolInfo{
		PoolAddress: "POOL", BaseVault: "BV", QuoteVault: "QV", BaseDecimals: 6, QuoteDecimals: 9,
	}}
	ws := stub.NewWSClient()
	rpc := stub.NewRPCClient()
	rpc.Accounts["BV"] = &solana.AccountInfo{Data: tokenAccountData(4_000_000_000)}
	rpc.Accounts["QV"] = &solana.AccountInfo{Data: tokenAccountData(8_000_000_000)}
	targets := &fakeTargets{
		tgts:  map[string][]*domain.MonitoringTarget{"MINT": {{TokenMint: "MINT", WalletAddress: "W", Active: true}}},
		pools: map[string]string{},
	}
	sink := &recordingSink{}

	l := NewListener(resolver, ws, targets, sink, Options{
		ResolveInterval:  10 * time.Millisecond,
		SubscribeTimeout: time.Second,
		Accounts:         rpc,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan registry.Event)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, events) }()

	// No vault notification has arrived yet.
	require.Eventually(t, func() bool { _, n := sink.last(); return n == 1 }, 2*time.Second, 5*time.Millisecond)
	raw, _ := sink.last()
	assert.Equal(t, "POOL", raw.PoolAddress)
	assert.True(t, raw.BaseReserve.Equal(decimal.NewFromInt(4000)))
	assert.True(t, raw.QuoteReserve.Equal(decimal.NewFromInt(8)))
	require.NotNil(t, raw.Price)
	assert.True(t, raw.Price.Equal(decimal.RequireFromString("0.002")))

	cancel()
	require.NoError(t, <-done)
}

func TestListener_StopsWhenTokenHasNoTargets(t *testing.T) {
	resolver := &fakeResolver{info: PoolInfo{PoolAddress: "POOL", BaseVault: "BV", QuoteVault: "QV"}}
	ws := stub.NewWSClient()
	targets := &fakeTargets{
		tgts:  map[string][]*domain.MonitoringTarget{"MINT": {{TokenMint: "MINT", WalletAddress: "W", Active: true}}},
		pools: map[string]string{},
	}
	l := NewListener(resolver, ws, targets, &recordingSink{}, Options{
		ResolveInterval:  time.Hour,
		SubscribeTimeout: time.Second,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan registry.Event, 1)
	go func() { _ = l.Run(ctx, events) }()

	require.Eventually(t, func() bool { return ws.Subscribed("BV") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, l.Watching("MINT"))

	targets.remove("MINT")
	events <- registry.Event{Kind: registry.TargetDeactivated, Target: domain.MonitoringTarget{TokenMint: "MINT", WalletAddress: "W"}}

	require.Eventually(t, func() bool {
		return !l.Watching("MINT") && ws.Subscribed("BV") == 0 && ws.Subscribed("QV") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListener_StartsWatchOnTargetAdded(t *testing.T) {
	resolver := &fakeResolver{info: PoolInfo{PoolAddress: "POOL", BaseVault: "BV2", QuoteVault: "QV2"}}
	ws := stub.NewWSClient()
	targets := &fakeTargets{tgts: map[string][]*domain.MonitoringTarget{}, pools: map[string]string{}}
	l := NewListener(resolver, ws, targets, &recordingSink{}, Options{
		ResolveInterval:  time.Hour,
		SubscribeTimeout: time.Second,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan registry.Event, 1)
	go func() { _ = l.Run(ctx, events) }()

	events <- registry.Event{Kind: registry.TargetAdded, Target: domain.MonitoringTarget{TokenMint: "NEWMINT", WalletAddress: "W"}}
	require.Eventually(t, func() bool { return ws.Subscribed("QV2") == 1 }, 2*time.Second, 5*time.Millisecond)
}
