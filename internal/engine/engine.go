// Package engine wires telemetry, risk evaluation and automated protection
// into one service and exposes the command and read interface.
package engine

import (
	"context"
	"errors"
	"fmt"

	sol "github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rugshield/internal/config"
	"rugshield/internal/domain"
	"rugshield/internal/evaluator"
	"rugshield/internal/executor"
	"rugshield/internal/logging"
	"rugshield/internal/observability"
	"rugshield/internal/poller"
	"rugshield/internal/poolwatch"
	"rugshield/internal/registry"
	"rugshield/internal/risk"
	"rugshield/internal/solana"
	"rugshield/internal/storage"
	"rugshield/internal/telemetry"
	"rugshield/internal/timeseries"
)

// Limits for list reads.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Stores groups the persistence backends.
type Stores struct {
	Targets    storage.TargetStore
	Executions storage.ExecutionStore
	Alerts     storage.AlertStore
	Archive    storage.SampleArchive // nil disables archiving
}

// Collaborators groups the external services the engine talks to.
type Collaborators struct {
	Provider telemetry.Provider
	Router   executor.SwapRouter
	Finality executor.Finality
	Balances executor.BalanceReader
	Resolver poolwatch.Resolver // nil disables the pool listener
	WS       solana.WSClient
	Accounts poolwatch.AccountReader // optional vault reads for the pool listener
}

// Engine owns every long-running component.
type Engine struct {
	stores     Stores
	normalizer *telemetry.Normalizer
	series     *timeseries.Store
	archive    *timeseries.ArchiveWriter
	registry   *registry.Registry
	scheduler  *poller.Scheduler
	listener   *poolwatch.Listener
	evaluator  *evaluator.Evaluator
	executor   *executor.Executor
	log        *logrus.Entry
}

// New builds the engine from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, stores Stores, c Collaborators, logger *logrus.Logger) *Engine {
	e := &Engine{
		stores: stores,
		log:    logging.Component(logger, "engine"),
	}

	e.normalizer = telemetry.NewNormalizer(telemetry.NormalizerOptions{
		StalenessSkew: cfg.Normalizer.StalenessSkew.D(),
		ExitRiskScore: cfg.Risk.ExitRiskScore,
	})

	seriesOpts := timeseries.Options{
		Retention:      cfg.Store.Retention.D(),
		FullResolution: cfg.Store.FullResolution.D(),
		Bucket:         cfg.Store.DownsampleBucket.D(),
	}
	if stores.Archive != nil {
		e.archive = timeseries.NewArchiveWriter(stores.Archive, cfg.Store.ArchiveBatchSize,
			cfg.Store.ArchiveFlush.D(), logging.Component(logger, "archive"))
		seriesOpts.Sink = e.archive
	}
	e.series = timeseries.New(seriesOpts)

	e.registry = registry.New(stores.Targets, logging.Component(logger, "registry"))

	// The scheduler and evaluator depend on each other through the engine.
	e.evaluator = evaluator.New(e.series, e.registry, e, evaluator.Options{
		Thresholds: risk.ThresholdsFromConfig(cfg.Risk),
		Window:     cfg.Risk.Window.D(),
		CacheTTL:   cfg.Evaluator.StatusCacheTTL.D(),
	}, logging.Component(logger, "evaluator"))

	e.scheduler = poller.New(c.Provider, e.registry, e, e, poller.Options{
		Interval:     cfg.Poll.Interval.D(),
		IdleInterval: cfg.Poll.IdleInterval.D(),
		IdleAfter:    cfg.Poll.IdleAfter.D(),
		BatchSize:    cfg.Provider.BatchSize,
		Timeout:      cfg.Provider.Timeout.D(),
		MaxFailures:  cfg.Poll.MaxConsecutiveFailures,
	}, logging.Component(logger, "poller"))

	if cfg.Pool.Enabled && c.Resolver != nil && c.WS != nil {
		e.listener = poolwatch.NewListener(c.Resolver, c.WS, e.registry, e, poolwatch.Options{
			ResolveInterval:  cfg.Pool.ResolveInterval.D(),
			SubscribeTimeout: cfg.Solana.WSSubscribeTimeout.D(),
			Accounts:         c.Accounts,
		}, logging.Component(logger, "poolwatch"))
	}

	e.executor = executor.New(stores.Executions, stores.Alerts, c.Router, c.Finality, c.Balances,
		e.registry, executor.OptionsFromConfig(cfg), logging.Component(logger, "executor"))

	return e
}

// Run loads persisted targets and runs every component until ctx is done
// or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return err
	}

	var poolEvents <-chan registry.Event
	if e.listener != nil {
		poolEvents = e.registry.Subscribe(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	g.Go(func() error { return e.executor.Run(gctx, e.evaluator.Evaluations()) })
	if e.archive != nil {
		g.Go(func() error { return e.archive.Run(gctx) })
	}
	if e.listener != nil {
		g.Go(func() error { return e.listener.Run(gctx, poolEvents) })
	}

	e.log.WithFields(logrus.Fields{
		"targets":   len(e.registry.Active()),
		"pool":      e.listener != nil,
		"archiving": e.archive != nil,
	}).Info("Engine started")

	err := g.Wait()
	e.registry.Close()
	e.log.Info("Engine stopped")
	return err
}

// Ingest normalizes raw, appends the sample and re-evaluates every target
// of its token. Rejected payloads are counted and returned as errors.
func (e *Engine) Ingest(ctx context.Context, raw telemetry.RawTelemetry) error {
	sample, err := e.normalizer.Normalize(raw)
	if err != nil {
		reason := "invalid"
		var stale *domain.StaleTelemetryError
		if errors.As(err, &stale) {
			reason = "stale"
		}
		observability.RecordSampleDropped(string(raw.Source), reason)
		return err
	}
	if len(e.registry.ForToken(sample.TokenMint)) == 0 {
		observability.RecordSampleDropped(string(sample.Source), "untracked")
		return nil
	}

	e.series.Append(sample)
	observability.RecordSampleAccepted(string(sample.Source))
	e.evaluator.EvaluateToken(ctx, sample.TokenMint)
	return nil
}

// Stale reports whether mint's telemetry reached the poll failure limit.
func (e *Engine) Stale(mint string) bool {
	return e.scheduler.Stale(mint)
}

// HasRiskSignal reports whether any target of mint is in a directional state.
func (e *Engine) HasRiskSignal(mint string) bool {
	return e.evaluator.HasRiskSignal(mint)
}

// EnableMonitoring registers key, or reactivates it with a fresh age.
// Calling it for an active target changes nothing.
func (e *Engine) EnableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	t, changed, err := e.registry.Upsert(ctx, key)
	if err != nil {
		return nil, err
	}
	if changed {
		e.evaluator.Forget(key)
		logging.Target(e.log, key.TokenMint, key.WalletAddress).Info("Monitoring enabled")
	}
	return t, nil
}

// DisableMonitoring deactivates key and cancels any queued exit. The
// token's samples are dropped once no active target references it.
// Unknown targets return (nil, nil).
func (e *Engine) DisableMonitoring(ctx context.Context, key domain.TargetKey) (*domain.MonitoringTarget, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	t, err := e.registry.Deactivate(ctx, key)
	if err != nil || t == nil {
		return t, err
	}

	e.cancelQueued(ctx, key)
	e.evaluator.Forget(key)
	if len(e.registry.ForToken(key.TokenMint)) == 0 {
		e.normalizer.Forget(key.TokenMint)
		e.series.Drop(key.TokenMint)
	}
	logging.Target(e.log, key.TokenMint, key.WalletAddress).Info("Monitoring disabled")
	return t, nil
}

// SetAutomatedProtection toggles emergency exits for key. Disabling
// cancels a record that has not been submitted yet; enabling re-evaluates
// so a target already in a trigger state is acted on.
func (e *Engine) SetAutomatedProtection(ctx context.Context, key domain.TargetKey, enabled bool) (*domain.MonitoringTarget, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	t, err := e.registry.SetProtection(ctx, key, enabled)
	if err != nil {
		return nil, err
	}
	e.evaluator.Invalidate(key.TokenMint)

	if !enabled {
		e.cancelQueued(ctx, key)
	} else if t.Active {
		if _, err := e.evaluator.Evaluate(ctx, key); err != nil {
			logging.Target(e.log, key.TokenMint, key.WalletAddress).WithError(err).Warn("Evaluation after enabling protection failed")
		}
	}
	logging.Target(e.log, key.TokenMint, key.WalletAddress).WithField("enabled", enabled).Info("Automated protection changed")
	return t, nil
}

func (e *Engine) cancelQueued(ctx context.Context, key domain.TargetKey) {
	rec, err := e.executor.Cancel(ctx, key)
	if err != nil {
		logging.Target(e.log, key.TokenMint, key.WalletAddress).WithError(err).Warn("Cancel queued execution failed")
		return
	}
	if rec != nil {
		logging.Target(e.log, key.TokenMint, key.WalletAddress).WithField("execution_id", rec.ID).Info("Queued execution cancelled")
	}
}

// GetStatus returns the status read model of key. Unknown targets
// return storage.ErrNotFound.
func (e *Engine) GetStatus(ctx context.Context, key domain.TargetKey) (domain.Status, error) {
	if err := ValidateKey(key); err != nil {
		return domain.Status{}, err
	}
	return e.evaluator.Status(ctx, key)
}

// Targets returns the active targets.
func (e *Engine) Targets() []*domain.MonitoringTarget {
	return e.registry.Active()
}

// Executions returns key's execution records, newest first.
func (e *Engine) Executions(ctx context.Context, key domain.TargetKey, limit int) ([]*domain.ExecutionRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if _, ok := e.registry.Get(key); !ok {
		return nil, storage.ErrNotFound
	}
	return e.stores.Executions.ListByTarget(ctx, key, clampLimit(limit))
}

// Alerts returns recent alerts, newest first.
func (e *Engine) Alerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	return e.stores.Alerts.List(ctx, clampLimit(limit))
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	}
	return n
}

// ValidateKey checks both halves of key are base58 public keys.
func ValidateKey(key domain.TargetKey) error {
	if !key.IsValid() {
		return fmt.Errorf("%w: token mint and wallet address are required", storage.ErrInvalidInput)
	}
	if _, err := sol.PublicKeyFromBase58(key.TokenMint); err != nil {
		return fmt.Errorf("%w: token mint %q is not a public key", storage.ErrInvalidInput, key.TokenMint)
	}
	if _, err := sol.PublicKeyFromBase58(key.WalletAddress); err != nil {
		return fmt.Errorf("%w: wallet address %q is not a public key", storage.ErrInvalidInput, key.WalletAddress)
	}
	return nil
}
