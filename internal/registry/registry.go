// Package registry owns the set of monitoring targets.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/keylock"
	"rugshield/internal/observability"
	"rugshield/internal/storage"
)

// EventKind classifies registry changes.
type EventKind int

const (
	TargetAdded EventKind = iota + 1
	TargetReactivated
	TargetDeactivated
	ProtectionChanged
	PoolResolved
)

func (k EventKind) String() string {
	switch k {
	case TargetAdded:
		return "added"
	case TargetReactivated:
		return "reactivated"
	case TargetDeactivated:
		return "deactivated"
	case ProtectionChanged:
		return "protection"
	case PoolResolved:
		return "pool"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event describes a change to one target.
type Event struct {
	Kind   EventKind
	Target domain.MonitoringTarget
}

// Registry keeps targets in memory, striped by token mint, and writes
// every change through to a storage.TargetStore.
type Registry struct {
	store storage.TargetStore
	locks *keylock.Striped
	// shard -> mint -> wallet -> target
	shards []map[string]map[string]*domain.MonitoringTarget
	now    func() time.Time
	log    *logrus.Entry

	subsMu sync.RWMutex
	subs   []chan Event
}

// New creates a Registry.
func New(store storage.TargetStore, log *logrus.Entry) *Registry {
	locks := keylock.New(keylock.DefaultStripes)
	shards := make([]map[string]map[string]*domain.MonitoringTarget, locks.Len())
	for i := range shards {
		shards[i] = make(map[string]map[string]*domain.MonitoringTarget)
	}
	return &Registry{
		store:  store,
		locks:  locks,
		shards: shards,
		now:    time.Now,
		log:    log,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load reads active targets from the store.
func (r *Registry) Load(ctx context.Context) error {
	targets, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range targets {
		mu := r.locks.For(t.TokenMint)
		mu.Lock()
		r.put(t)
		mu.Unlock()
	}
	r.log.WithField("targets", len(targets)).Info("Loaded monitoring targets")
	r.updateGauge()
	return nil
}

// Subscribe returns a channel receiving every change. Slow subscribers
// lose events rather than block writers.
func (r *Registry) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// Close closes all subscriber channels.
func (r *Registry) Close() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// Upsert registers key for monitoring. An active target is left as is;
// an inactive one is reactivated with a fresh creation time.
// Returns the target and whether anything changed.
func (r *Registry) Upsert(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, bool, error) {
	if !key.IsValid() {
		return nil, false, storage.ErrInvalidInput
	}

	mu := r.locks.For(key.TokenMint)
	mu.Lock()

	cur := r.get(key)
	if cur != nil && cur.Active {
		out := cur.Clone()
		mu.Unlock()
		return out, false, nil
	}

	now := r.now()
	kind := TargetAdded
	next := &domain.MonitoringTarget{
		TokenMint:     key.TokenMint,
		WalletAddress: key.WalletAddress,
		CreatedAt:     now,
		UpdatedAt:     now,
		Active:        true,
	}
	if cur != nil {
		kind = TargetReactivated
		next.AutomatedProtectionEnabled = cur.AutomatedProtectionEnabled
	}
	// Share a pool already resolved for the token.
	for _, other := range r.shards[r.locks.Index(key.TokenMint)][key.TokenMint] {
		if other.PoolAddress != nil {
			pool := *other.PoolAddress
			next.PoolAddress = &pool
			break
		}
	}

	if err := r.store.Upsert(ctx, next); err != nil {
		mu.Unlock()
		return nil, false, fmt.Errorf("persist target %s: %w", key, err)
	}
	r.put(next)
	out := next.Clone()
	mu.Unlock()

	r.publish(kind, out)
	r.updateGauge()
	return out, true, nil
}

// SetProtection toggles automated protection. Returns storage.ErrNotFound
// for unknown targets.
func (r *Registry) SetProtection(ctx context.Context, key domain.TargetKey, enabled bool) (*domain.MonitoringTarget, error) {
	return r.mutate(ctx, key, ProtectionChanged, func(t *domain.MonitoringTarget) bool {
		if t.AutomatedProtectionEnabled == enabled {
			return false
		}
		t.AutomatedProtectionEnabled = enabled
		return true
	})
}

// Deactivate stops monitoring key. Unknown or inactive targets are a no-op.
func (r *Registry) Deactivate(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error) {
	t, err := r.mutate(ctx, key, TargetDeactivated, func(t *domain.MonitoringTarget) bool {
		if !t.Active {
			return false
		}
		t.Active = false
		return true
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err == nil {
		r.updateGauge()
	}
	return t, err
}

// SetPool records the resolved pool on every target of mint.
func (r *Registry) SetPool(ctx context.Context, mint, pool string) error {
	mu := r.locks.For(mint)
	mu.Lock()

	var changed []*domain.MonitoringTarget
	for _, t := range r.shards[r.locks.Index(mint)][mint] {
		if t.PoolAddress != nil && *t.PoolAddress == pool {
			continue
		}
		next := t.Clone()
		p := pool
		next.PoolAddress = &p
		next.UpdatedAt = r.now()
		if err := r.store.Upsert(ctx, next); err != nil {
			mu.Unlock()
			return fmt.Errorf("persist pool for %s: %w", next.Key(), err)
		}
		r.put(next)
		changed = append(changed, next.Clone())
	}
	mu.Unlock()

	for _, t := range changed {
		r.publish(PoolResolved, t)
	}
	return nil
}

func (r *Registry) mutate(ctx context.Context, key domain.TargetKey, kind EventKind, fn func(t *domain.MonitoringTarget) bool) (*domain.MonitoringTarget, error) {
	mu := r.locks.For(key.TokenMint)
	mu.Lock()

	cur := r.get(key)
	if cur == nil {
		mu.Unlock()
		return nil, storage.ErrNotFound
	}
	next := cur.Clone()
	if !fn(next) {
		mu.Unlock()
		return next, nil
	}
	next.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, next); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("persist target %s: %w", key, err)
	}
	r.put(next)
	out := next.Clone()
	mu.Unlock()

	r.publish(kind, out)
	return out, nil
}

// Get returns a copy of the target.
func (r *Registry) Get(key domain.TargetKey) (*domain.MonitoringTarget, bool) {
	mu := r.locks.For(key.TokenMint)
	mu.RLock()
	defer mu.RUnlock()

	t := r.get(key)
	if t == nil {
		return nil, false
	}
	return t.Clone(), true
}

// ForToken returns copies of the active targets of mint.
func (r *Registry) ForToken(mint string) []*domain.MonitoringTarget {
	mu := r.locks.For(mint)
	mu.RLock()
	defer mu.RUnlock()

	var out []*domain.MonitoringTarget
	for _, t := range r.shards[r.locks.Index(mint)][mint] {
		if t.Active {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out
}

// ActiveTokens returns the mints with at least one active target.
func (r *Registry) ActiveTokens() []string {
	var out []string
	r.each(func(mint string, wallets map[string]*domain.MonitoringTarget) {
		for _, t := range wallets {
			if t.Active {
				out = append(out, mint)
				return
			}
		}
	})
	sort.Strings(out)
	return out
}

// Active returns copies of every active target.
func (r *Registry) Active() []*domain.MonitoringTarget {
	var out []*domain.MonitoringTarget
	r.each(func(_ string, wallets map[string]*domain.MonitoringTarget) {
		for _, t := range wallets {
			if t.Active {
				out = append(out, t.Clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (r *Registry) each(fn func(mint string, wallets map[string]*domain.MonitoringTarget)) {
	for i := 0; i < r.locks.Len(); i++ {
		mu := r.locks.At(i)
		mu.RLock()
		for mint, wallets := range r.shards[i] {
			fn(mint, wallets)
		}
		mu.RUnlock()
	}
}

// get and put require the mint's stripe lock.
func (r *Registry) get(key domain.TargetKey) *domain.MonitoringTarget {
	return r.shards[r.locks.Index(key.TokenMint)][key.TokenMint][key.WalletAddress]
}

func (r *Registry) put(t *domain.MonitoringTarget) {
	shard := r.shards[r.locks.Index(t.TokenMint)]
	wallets := shard[t.TokenMint]
	if wallets == nil {
		wallets = make(map[string]*domain.MonitoringTarget)
		shard[t.TokenMint] = wallets
	}
	wallets[t.WalletAddress] = t
}

func (r *Registry) publish(kind EventKind, t *domain.MonitoringTarget) {
	ev := Event{Kind: kind, Target: *t}
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.WithFields(logrus.Fields{
				"mint":   t.TokenMint,
				"wallet": t.WalletAddress,
				"event":  kind.String(),
			}).Warn("Registry subscriber is full, event dropped")
		}
	}
}

func (r *Registry) updateGauge() {
	n := 0
	r.each(func(_ string, wallets map[string]*domain.MonitoringTarget) {
		for _, t := range wallets {
			if t.Active {
				n++
			}
		}
	})
	observability.SetActiveTargets(n)
}
