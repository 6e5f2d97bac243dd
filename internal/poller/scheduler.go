// Package poller polls the telemetry provider for monitored tokens.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/observability"
	"rugshield/internal/telemetry"
)

// Targets lists what is monitored.
type Targets interface {
	ActiveTokens() []string
	ForToken(mint string) []*domain.MonitoringTarget
}

// Signals reports whether any target of a token is in a directional state.
type Signals interface {
	HasRiskSignal(mint string) bool
}

// Sink consumes polled telemetry.
type Sink interface {
	Ingest(ctx context.Context, raw telemetry.RawTelemetry) error
}

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration // tick period; active tokens are due every tick
	IdleInterval time.Duration // poll period for idle tokens
	IdleAfter    time.Duration // targets older than this with no risk signal are idle
	BatchSize    int
	Timeout      time.Duration // per provider call
	MaxFailures  int           // consecutive failures before a token is stale
}

// Scheduler runs the poll loop. Each batch is fetched in its own goroutine
// and a token is never in two batches at once.
type Scheduler struct {
	provider telemetry.Provider
	targets  Targets
	signals  Signals
	sink     Sink
	opts     Options
	now      func() time.Time
	log      *logrus.Entry

	mu         sync.Mutex
	inFlight   map[string]struct{}
	lastPolled map[string]time.Time
	failures   map[string]int

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(provider telemetry.Provider, targets Targets, signals Signals, sink Sink, opts Options, log *logrus.Entry) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 5 * time.Second
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 10
	}
	return &Scheduler{
		provider:   provider,
		targets:    targets,
		signals:    signals,
		sink:       sink,
		opts:       opts,
		now:        time.Now,
		log:        log,
		inFlight:   make(map[string]struct{}),
		lastPolled: make(map[string]time.Time),
		failures:   make(map[string]int),
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until ctx is done and waits for in-flight batches.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval": s.opts.Interval,
		"batch":    s.opts.BatchSize,
		"provider": s.provider.Name(),
	}).Info("Poll scheduler started")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("Poll scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches batches for every due token and returns without waiting.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	tokens := s.targets.ActiveTokens()

	idle := make(map[string]bool, len(tokens))
	for _, mint := range tokens {
		idle[mint] = s.isIdle(mint, now)
	}

	s.mu.Lock()
	active := make(map[string]struct{}, len(tokens))
	var due []string
	for _, mint := range tokens {
		active[mint] = struct{}{}
		if _, busy := s.inFlight[mint]; busy {
			continue
		}
		if last, ok := s.lastPolled[mint]; ok && idle[mint] && now.Sub(last) < s.opts.IdleInterval {
			continue
		}
		s.inFlight[mint] = struct{}{}
		s.lastPolled[mint] = now
		due = append(due, mint)
	}
	// Forget tokens no longer monitored.
	for mint := range s.lastPolled {
		if _, ok := active[mint]; !ok {
			delete(s.lastPolled, mint)
			delete(s.failures, mint)
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(due); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(due) {
			end = len(due)
		}
		batch := due[start:end]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.poll(ctx, batch)
		}()
	}
}

func (s *Scheduler) isIdle(mint string, now time.Time) bool {
	targets := s.targets.ForToken(mint)
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		if t.Age(now) < s.opts.IdleAfter {
			return false
		}
	}
	return !s.signals.HasRiskSignal(mint)
}

func (s *Scheduler) poll(ctx context.Context, batch []string) {
	defer func() {
		s.mu.Lock()
		for _, mint := range batch {
			delete(s.inFlight, mint)
		}
		s.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	started := time.Now()
	results, err := s.provider.FetchBatch(callCtx, batch, s.pools(batch))
	cancel()
	elapsed := time.Since(started).Seconds()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var transient *domain.TransientProviderError
		outcome := "error"
		if errors.As(err, &transient) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "transient"
		}
		observability.RecordProviderCall(outcome, elapsed)
		s.log.WithError(err).WithFields(logrus.Fields{
			"tokens":  len(batch),
			"outcome": outcome,
		}).Warn("Provider batch failed")
		s.recordFailures(batch)
		return
	}
	observability.RecordProviderCall("ok", elapsed)

	var missing []string
	for _, mint := range batch {
		raw, ok := results[mint]
		if !ok {
			missing = append(missing, mint)
			continue
		}
		s.resetFailures(mint)
		if err := s.sink.Ingest(ctx, raw); err != nil {
			s.log.WithError(err).WithField("mint", mint).Debug("Polled sample not ingested")
		}
	}
	if len(missing) > 0 {
		s.recordFailures(missing)
	}
}

// pools maps each mint to its resolved pool so polled and pool-event
// samples describe the same pool.
func (s *Scheduler) pools(batch []string) map[string]string {
	out := make(map[string]string)
	for _, mint := range batch {
		for _, t := range s.targets.ForToken(mint) {
			if t.PoolAddress != nil && *t.PoolAddress != "" {
				out[mint] = *t.PoolAddress
				break
			}
		}
	}
	return out
}

func (s *Scheduler) recordFailures(mints []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mint := range mints {
		s.failures[mint]++
		if s.failures[mint] == s.opts.MaxFailures {
			s.log.WithField("mint", mint).Warn("Telemetry is stale")
		}
	}
	s.updateStaleGauge()
}

func (s *Scheduler) resetFailures(mint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[mint] >= s.opts.MaxFailures {
		s.log.WithField("mint", mint).Info("Telemetry recovered")
	}
	delete(s.failures, mint)
	s.updateStaleGauge()
}

// updateStaleGauge requires s.mu.
func (s *Scheduler) updateStaleGauge() {
	n := 0
	for _, f := range s.failures {
		if f >= s.opts.MaxFailures {
			n++
		}
	}
	observability.SetStaleTokens(n)
}

// Failures returns the consecutive failure count for mint.
func (s *Scheduler) Failures(mint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[mint]
}

// Stale reports whether mint reached the consecutive failure limit.
func (s *Scheduler) Stale(mint string) bool {
	return s.Failures(mint) >= s.opts.MaxFailures
}
