// Package evaluator runs the risk state machine for targets and serves
// the resulting status read model.
package evaluator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rugshield/internal/domain"
	"rugshield/internal/keylock"
	"rugshield/internal/observability"
	"rugshield/internal/risk"
	"rugshield/internal/storage"
	"rugshield/internal/timeseries"
)

// Series is the time-series view the evaluator reads.
type Series interface {
	Snapshot(mint string, now time.Time, window time.Duration, minSamples int) (timeseries.Snapshot, error)
}

// Targets resolves monitoring targets.
type Targets interface {
	Get(key domain.TargetKey) (*domain.MonitoringTarget, bool)
	ForToken(mint string) []*domain.MonitoringTarget
}

// Staleness reports whether a token's telemetry is stale.
type Staleness interface {
	Stale(mint string) bool
}

// Evaluation is published after every evaluation of a target.
type Evaluation struct {
	Target   domain.MonitoringTarget
	Status   domain.Status
	Previous domain.RiskState
}

// Changed reports whether the state differs from the previous evaluation.
func (e Evaluation) Changed() bool {
	return e.Previous != e.Status.RiskState
}

// Options configures an Evaluator.
type Options struct {
	Thresholds risk.Thresholds
	Window     time.Duration // baseline lookback
	CacheTTL   time.Duration // read-through status cache lifetime
	Buffer     int           // evaluation channel capacity
}

// Evaluator coalesces concurrent evaluations of a target and caches the
// latest status until it expires or new samples invalidate it.
type Evaluator struct {
	series  Series
	targets Targets
	stale   Staleness
	opts    Options
	now     func() time.Time
	log     *logrus.Entry

	group  singleflight.Group
	locks  *keylock.Striped
	shards []map[domain.TargetKey]*entry
	out    chan Evaluation
}

type entry struct {
	status    domain.Status
	at        time.Time
	valid     bool
	gen       uint64 // bumped by Invalidate
	evaluated bool
}

// New creates an Evaluator.
func New(series Series, targets Targets, stale Staleness, opts Options, log *logrus.Entry) *Evaluator {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	locks := keylock.New(keylock.DefaultStripes)
	shards := make([]map[domain.TargetKey]*entry, locks.Len())
	for i := range shards {
		shards[i] = make(map[domain.TargetKey]*entry)
	}
	return &Evaluator{
		series:  series,
		targets: targets,
		stale:   stale,
		opts:    opts,
		now:     time.Now,
		log:     log,
		locks:   locks,
		shards:  shards,
		out:     make(chan Evaluation, opts.Buffer),
	}
}

// maxEvaluateRounds bounds how often Evaluate rejoins the shared call
// while samples keep arriving.
const maxEvaluateRounds = 3

// SetClock overrides the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluations returns the stream consumed by the protection executor.
func (e *Evaluator) Evaluations() <-chan Evaluation {
	return e.out
}

// EvaluateToken invalidates and re-evaluates every active target of mint.
func (e *Evaluator) EvaluateToken(ctx context.Context, mint string) {
	e.Invalidate(mint)
	for _, t := range e.targets.ForToken(mint) {
		if _, err := e.Evaluate(ctx, t.Key()); err != nil && ctx.Err() == nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"mint":   t.TokenMint,
				"wallet": t.WalletAddress,
			}).Warn("Evaluation failed")
		}
	}
}

// Evaluate runs the state machine for key now. Concurrent calls for the
// same key share one evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, key domain.TargetKey) (domain.Status, error) {
	for round := 1; ; round++ {
		startGen := e.generation(key)
		v, err, shared := e.group.Do(key.String(), func() (interface{}, error) {
			return e.evaluate(ctx, key)
		})
		observability.RecordEvaluation(shared)
		if err != nil {
			return domain.Status{}, err
		}
		// A shared evaluation may have started before samples this caller
		// depends on were appended; join the next one instead.
		if !shared || e.generation(key) == startGen || round == maxEvaluateRounds {
			return v.(domain.Status), nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Status{}, err
		}
	}
}

// Status returns the cached status of key, evaluating when the cache
// entry is missing, invalidated or older than the TTL.
func (e *Evaluator) Status(ctx context.Context, key domain.TargetKey) (domain.Status, error) {
	mu := e.locks.For(key.TokenMint)
	mu.RLock()
	ent := e.shards[e.locks.Index(key.TokenMint)][key]
	if ent != nil && ent.valid && e.now().Sub(ent.at) < e.opts.CacheTTL {
		st := ent.status
		mu.RUnlock()
		return st, nil
	}
	mu.RUnlock()
	return e.Evaluate(ctx, key)
}

// Invalidate marks every cached status of mint as outdated.
func (e *Evaluator) Invalidate(mint string) {
	mu := e.locks.For(mint)
	mu.Lock()
	defer mu.Unlock()
	for key, ent := range e.shards[e.locks.Index(mint)] {
		if key.TokenMint == mint {
			ent.valid = false
			ent.gen++
		}
	}
}

// Forget drops cached state for key.
func (e *Evaluator) Forget(key domain.TargetKey) {
	mu := e.locks.For(key.TokenMint)
	mu.Lock()
	delete(e.shards[e.locks.Index(key.TokenMint)], key)
	mu.Unlock()
}

// HasRiskSignal reports whether any target of mint was last evaluated
// into a directional state.
func (e *Evaluator) HasRiskSignal(mint string) bool {
	mu := e.locks.For(mint)
	mu.RLock()
	defer mu.RUnlock()
	for key, ent := range e.shards[e.locks.Index(mint)] {
		if key.TokenMint == mint && ent.evaluated && ent.status.RiskState.HasRiskSignal() {
			return true
		}
	}
	return false
}

func (e *Evaluator) generation(key domain.TargetKey) uint64 {
	mu := e.locks.For(key.TokenMint)
	mu.RLock()
	defer mu.RUnlock()
	if ent := e.shards[e.locks.Index(key.TokenMint)][key]; ent != nil {
		return ent.gen
	}
	return 0
}

func (e *Evaluator) evaluate(ctx context.Context, key domain.TargetKey) (domain.Status, error) {
	target, ok := e.targets.Get(key)
	if !ok {
		return domain.Status{}, storage.ErrNotFound
	}

	now := e.now()
	mu := e.locks.For(key.TokenMint)
	mu.RLock()
	var gen uint64
	if ent := e.shards[e.locks.Index(key.TokenMint)][key]; ent != nil {
		gen = ent.gen
	}
	mu.RUnlock()

	// Fewer samples than needed is expected; the state machine caps the state.
	snap, _ := e.series.Snapshot(key.TokenMint, now, e.opts.Window, e.opts.Thresholds.MinSamples)
	stale := e.stale.Stale(key.TokenMint)

	state := risk.Evaluate(risk.Input{
		SampleCount:       snap.Count,
		Latest:            snap.Latest,
		PriceBaseline:     snap.PriceBaseline,
		LiquidityBaseline: snap.LiquidityBaseline,
		TargetAge:         target.Age(now),
		MonitoringActive:  target.Active,
		Stale:             stale,
	}, e.opts.Thresholds)

	status := domain.Status{
		TokenMint:                  key.TokenMint,
		WalletAddress:              key.WalletAddress,
		RiskState:                  state,
		MonitoringActive:           target.Active,
		AutomatedProtectionEnabled: target.AutomatedProtectionEnabled,
		StaleTelemetry:             stale,
		LastUpdated:                target.UpdatedAt,
	}
	if snap.Latest != nil {
		price := snap.Latest.Price
		status.Price = &price
		if snap.Latest.Liquidity != nil {
			liq := *snap.Latest.Liquidity
			status.Liquidity = &liq
		}
		status.LastUpdated = snap.Latest.Timestamp
		status.HasCompleteData = snap.Count >= e.opts.Thresholds.MinSamples && snap.Latest.Liquidity != nil
	}

	mu.Lock()
	shard := e.shards[e.locks.Index(key.TokenMint)]
	ent := shard[key]
	if ent == nil {
		ent = &entry{}
		shard[key] = ent
	}
	previous := domain.RiskState("")
	if ent.evaluated {
		previous = ent.status.RiskState
	}
	ent.status = status
	ent.at = now
	ent.evaluated = true
	ent.valid = ent.gen == gen
	mu.Unlock()

	if previous != state {
		observability.RecordStateTransition(state.String())
		e.log.WithFields(logrus.Fields{
			"mint":   key.TokenMint,
			"wallet": key.WalletAddress,
			"from":   previous.String(),
			"to":     state.String(),
		}).Info("Risk state changed")
	}

	ev := Evaluation{Target: *target, Status: status, Previous: previous}
	select {
	case e.out <- ev:
	case <-ctx.Done():
		return status, ctx.Err()
	}
	return status, nil
}
