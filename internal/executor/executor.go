// Package executor runs emergency exit swaps for targets with automated
// protection enabled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/evaluator"
	"rugshield/internal/idhash"
	"rugshield/internal/observability"
	"rugshield/internal/storage"
)

// Targets resolves the current target configuration.
type Targets interface {
	Get(key domain.TargetKey) (*domain.MonitoringTarget, bool)
}

// Options configures an Executor.
type Options struct {
	TriggerStates       []domain.RiskState
	MaxAttempts         int
	BackoffBase         time.Duration
	SubmitTimeout       time.Duration
	FinalityTimeout     time.Duration
	ConfirmPollInterval time.Duration
	ConfirmCooldown     time.Duration
	RetryCooldown       time.Duration
	SellFraction        decimal.Decimal
	TargetAsset         string
}

// Executor moves execution records through
// QUEUED -> SUBMITTED -> CONFIRMED | FAILED, or CANCELLED from QUEUED.
// Each record is driven by its own goroutine.
type Executor struct {
	store    storage.ExecutionStore
	alerts   storage.AlertStore
	router   SwapRouter
	finality Finality
	balances BalanceReader
	targets  Targets
	opts     Options
	triggers map[domain.RiskState]struct{}
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *logrus.Entry

	mu        sync.Mutex
	cooldowns map[domain.TargetKey]time.Time
	running   map[string]struct{}
	wg        sync.WaitGroup
}

// New creates an Executor.
func New(
	store storage.ExecutionStore,
	alerts storage.AlertStore,
	router SwapRouter,
	finality Finality,
	balances BalanceReader,
	targets Targets,
	opts Options,
	log *logrus.Entry,
) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 15 * time.Second
	}
	if opts.FinalityTimeout <= 0 {
		opts.FinalityTimeout = 30 * time.Second
	}
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = time.Second
	}
	if !opts.SellFraction.IsPositive() || opts.SellFraction.GreaterThan(decimal.NewFromInt(1)) {
		opts.SellFraction = decimal.NewFromInt(1)
	}
	triggers := make(map[domain.RiskState]struct{}, len(opts.TriggerStates))
	for _, s := range opts.TriggerStates {
		triggers[s] = struct{}{}
	}
	return &Executor{
		store:     store,
		alerts:    alerts,
		router:    router,
		finality:  finality,
		balances:  balances,
		targets:   targets,
		opts:      opts,
		triggers:  triggers,
		now:       time.Now,
		sleep:     sleepCtx,
		log:       log,
		cooldowns: make(map[domain.TargetKey]time.Time),
		running:   make(map[string]struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run resumes unfinished records, then consumes evaluations until ctx is
// done. It waits for running records before returning.
func (e *Executor) Run(ctx context.Context, evals <-chan evaluator.Evaluation) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active executions: %w", err)
	}
	for _, rec := range active {
		e.log.WithFields(recordFields(rec)).Info("Resuming execution")
		e.start(ctx, rec)
	}

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case ev, ok := <-evals:
			if !ok {
				evals = nil
				continue
			}
			if _, err := e.Handle(ctx, ev); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"mint":   ev.Target.TokenMint,
					"wallet": ev.Target.WalletAddress,
				}).Warn("Failed to queue execution")
			}
		}
	}
}

// Wait blocks until every running record has stopped.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Handle queues an execution when ev warrants one. It returns the new
// record, or nil when nothing was queued.
func (e *Executor) Handle(ctx context.Context, ev evaluator.Evaluation) (*domain.ExecutionRecord, error) {
	if _, ok := e.triggers[ev.Status.RiskState]; !ok {
		return nil, nil
	}
	key := ev.Target.Key()
	// Protection may have been toggled since the evaluation.
	target, ok := e.targets.Get(key)
	if !ok || !target.Active || !target.AutomatedProtectionEnabled {
		return nil, nil
	}
	if e.coolingDown(key) {
		return nil, nil
	}

	now := e.now()
	rec := &domain.ExecutionRecord{
		ID:            uuid.NewString(),
		TokenMint:     key.TokenMint,
		WalletAddress: key.WalletAddress,
		TriggerState:  ev.Status.RiskState,
		Status:        domain.ExecutionQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateIfNoActive(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}
	observability.RecordExecution(string(domain.ExecutionQueued))
	e.log.WithFields(recordFields(rec)).Warn("Emergency exit queued")

	e.start(ctx, rec.Clone())
	return rec, nil
}

// Cancel cancels the target's QUEUED record. A SUBMITTED record is left to
// finish. Returns the cancelled record or nil.
func (e *Executor) Cancel(ctx context.Context, key domain.TargetKey) (*domain.ExecutionRecord, error) {
	rec, err := e.store.GetActive(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active execution: %w", err)
	}
	if rec.Status != domain.ExecutionQueued {
		return nil, nil
	}
	rec.LastError = "protection disabled"
	if !e.cas(ctx, rec, domain.ExecutionCancelled) {
		return nil, nil
	}
	e.log.WithFields(recordFields(rec)).Info("Execution cancelled")
	return rec, nil
}

func (e *Executor) coolingDown(key domain.TargetKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[key]
	if !ok {
		return false
	}
	if e.now().Before(until) {
		return true
	}
	delete(e.cooldowns, key)
	return false
}

func (e *Executor) setCooldown(key domain.TargetKey, d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cooldowns[key] = e.now().Add(d)
	e.mu.Unlock()
}

func (e *Executor) start(ctx context.Context, rec *domain.ExecutionRecord) {
	e.mu.Lock()
	if _, ok := e.running[rec.ID]; ok {
		e.mu.Unlock()
		return
	}
	e.running[rec.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, rec.ID)
			e.mu.Unlock()
		}()
		e.run(ctx, rec)
	}()
}

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeConfirmed
	outcomeStop
)

type runState struct {
	rec       *domain.ExecutionRecord
	alertKind domain.AlertKind
	extended  string // TxRef whose finality wait was already extended
	log       *logrus.Entry
}

// run is the per-record state machine. rec is QUEUED or SUBMITTED on entry.
func (e *Executor) run(ctx context.Context, rec *domain.ExecutionRecord) {
	r := &runState{rec: rec, alertKind: domain.AlertSwapFailed, log: e.log.WithFields(recordFields(rec))}

	for {
		var out outcome
		if r.rec.Status == domain.ExecutionSubmitted {
			out = e.settle(ctx, r)
		} else {
			out = e.attempt(ctx, r)
		}

		switch out {
		case outcomeStop:
			return
		case outcomeConfirmed:
			e.complete(ctx, r)
			return
		}

		if r.rec.Attempts >= e.opts.MaxAttempts {
			e.exhaust(ctx, r)
			return
		}
		if err := e.sleep(ctx, e.backoff(r.rec.Attempts)); err != nil {
			return
		}

		if r.rec.Status == domain.ExecutionSubmitted {
			// The previous transaction may still land; never resubmit on top of it.
			if r.rec.TxRef != "" {
				st, err := e.finality.TransactionStatus(ctx, r.rec.TxRef)
				if err == nil && st == TxConfirmed {
					e.complete(ctx, r)
					return
				}
				if err == nil && st == TxPending && r.extended != r.rec.TxRef {
					r.extended = r.rec.TxRef
					continue
				}
			}
			if !e.cas(ctx, r.rec, domain.ExecutionQueued) {
				return
			}
		}
	}
}

// attempt re-reads the balance and submits one swap. rec is QUEUED.
// Every submission, including a retry, requires the target to still
// have protection enabled.
func (e *Executor) attempt(ctx context.Context, r *runState) outcome {
	rec := r.rec
	if e.withdrawn(ctx, r) {
		return outcomeStop
	}

	bal, err := e.balances.Balance(ctx, rec.WalletAddress, rec.TokenMint)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeStop
		}
		rec.Attempts++
		rec.LastError = err.Error()
		r.log.WithError(err).Warn("Balance read failed")
		if !e.cas(ctx, rec, domain.ExecutionQueued) {
			return outcomeStop
		}
		return outcomeRetry
	}

	raw := decimal.NewFromBigInt(new(big.Int).SetUint64(bal.Amount), 0).Mul(e.opts.SellFraction).Floor()
	if !raw.IsPositive() {
		rec.LastError = "no balance"
		if e.cas(ctx, rec, domain.ExecutionCancelled) {
			r.log.Info("Execution cancelled, wallet holds no balance")
		}
		return outcomeStop
	}

	if e.withdrawn(ctx, r) {
		return outcomeStop
	}

	rec.Attempts++
	rec.Amount = raw.Shift(-int32(bal.Decimals))
	rec.TxRef = ""
	if !e.cas(ctx, rec, domain.ExecutionSubmitted) {
		// Lost to a concurrent cancel.
		return outcomeStop
	}

	req := SwapRequest{
		WalletAddress:  rec.WalletAddress,
		InputMint:      rec.TokenMint,
		OutputMint:     e.opts.TargetAsset,
		Amount:         raw.String(),
		Decimals:       bal.Decimals,
		IdempotencyKey: idhash.ComputeSwapKey(rec.ID, rec.Attempts),
	}
	subCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	txRef, err := e.router.SubmitEmergencySwap(subCtx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcomeStop
		}
		subErr := &domain.SwapSubmissionError{ExecutionID: rec.ID, Attempt: rec.Attempts, Err: err}
		outcomeLabel := "error"
		if errors.Is(err, ErrSwapRejected) {
			outcomeLabel = "rejected"
		}
		observability.RecordSwapSubmission(outcomeLabel)
		r.log.WithError(subErr).Warn("Swap submission failed")
		r.alertKind = domain.AlertSwapFailed
		rec.LastError = subErr.Error()
		if !e.cas(ctx, rec, domain.ExecutionSubmitted) {
			return outcomeStop
		}
		return outcomeRetry
	}

	observability.RecordSwapSubmission("ok")
	rec.TxRef = txRef
	rec.LastError = ""
	if !e.cas(ctx, rec, domain.ExecutionSubmitted) {
		return outcomeStop
	}
	r.log.WithFields(logrus.Fields{
		"tx":      txRef,
		"attempt": rec.Attempts,
		"amount":  rec.Amount.String(),
	}).Info("Swap submitted")

	return e.settle(ctx, r)
}

// withdrawn cancels the QUEUED record when its target is gone, inactive,
// or no longer protected.
func (e *Executor) withdrawn(ctx context.Context, r *runState) bool {
	t, ok := e.targets.Get(r.rec.Key())
	if ok && t.Active && t.AutomatedProtectionEnabled {
		return false
	}
	r.rec.LastError = "protection disabled"
	if e.cas(ctx, r.rec, domain.ExecutionCancelled) {
		r.log.Info("Execution cancelled, protection disabled")
	}
	return true
}

// settle waits for the submitted transaction. rec is SUBMITTED.
func (e *Executor) settle(ctx context.Context, r *runState) outcome {
	rec := r.rec
	if rec.TxRef == "" {
		// Submission never returned a reference.
		if rec.LastError == "" {
			rec.LastError = "submission interrupted"
		}
		return outcomeRetry
	}

	st := e.awaitFinality(ctx, rec.TxRef)
	if ctx.Err() != nil {
		return outcomeStop
	}
	switch st {
	case TxConfirmed:
		return outcomeConfirmed
	case TxFailed:
		r.alertKind = domain.AlertSwapFailed
		rec.LastError = fmt.Sprintf("transaction %s failed", rec.TxRef)
	default:
		r.alertKind = domain.AlertFinalityTimeout
		rec.LastError = (&domain.SwapFinalityTimeoutError{
			ExecutionID: rec.ID, TxRef: rec.TxRef, Timeout: e.opts.FinalityTimeout,
		}).Error()
	}
	r.log.WithField("tx", rec.TxRef).Warn(rec.LastError)
	if !e.cas(ctx, rec, domain.ExecutionSubmitted) {
		return outcomeStop
	}
	return outcomeRetry
}

// awaitFinality polls until txRef is confirmed or failed, or the finality
// timeout passes. Lookup errors count as pending.
func (e *Executor) awaitFinality(ctx context.Context, txRef string) TxStatus {
	deadline := time.Now().Add(e.opts.FinalityTimeout)
	for {
		st, err := e.finality.TransactionStatus(ctx, txRef)
		if err != nil {
			e.log.WithError(err).WithField("tx", txRef).Debug("Finality check failed")
		} else if st == TxConfirmed || st == TxFailed {
			return st
		}
		if !time.Now().Before(deadline) {
			return TxPending
		}
		wait := e.opts.ConfirmPollInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if err := e.sleep(ctx, wait); err != nil {
			return TxUnknown
		}
	}
}

func (e *Executor) complete(ctx context.Context, r *runState) {
	r.rec.LastError = ""
	if !e.cas(ctx, r.rec, domain.ExecutionConfirmed) {
		return
	}
	e.setCooldown(r.rec.Key(), e.opts.ConfirmCooldown)
	r.log.WithField("tx", r.rec.TxRef).Info("Emergency exit confirmed")
}

func (e *Executor) exhaust(ctx context.Context, r *runState) {
	rec := r.rec
	if !e.cas(ctx, rec, domain.ExecutionFailed) {
		return
	}
	e.setCooldown(rec.Key(), e.opts.RetryCooldown)

	alert := &domain.Alert{
		ID:            idhash.ComputeAlertID(rec.ID, r.alertKind),
		TokenMint:     rec.TokenMint,
		WalletAddress: rec.WalletAddress,
		ExecutionID:   rec.ID,
		Kind:          r.alertKind,
		Message:       fmt.Sprintf("emergency exit failed after %d attempts: %s", rec.Attempts, rec.LastError),
		CreatedAt:     e.now(),
	}
	if err := e.alerts.Insert(ctx, alert); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		r.log.WithError(err).Error("Failed to store alert")
	}
	observability.RecordAlert(string(alert.Kind))
	r.log.WithField("kind", alert.Kind).Error(alert.Message)
}

// cas moves rec to status `to` if the stored record still has rec.Status.
// On success rec reflects the stored record.
func (e *Executor) cas(ctx context.Context, rec *domain.ExecutionRecord, to domain.ExecutionStatus) bool {
	next := rec.Clone()
	next.Status = to
	next.UpdatedAt = e.now()
	if err := e.store.CompareAndSwap(ctx, rec.Status, next); err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) && ctx.Err() == nil {
			e.log.WithError(err).WithFields(recordFields(rec)).Error("Failed to update execution")
		}
		return false
	}
	if to != rec.Status {
		observability.RecordExecution(string(to))
	}
	*rec = *next
	return true
}

// backoff returns the wait after the given number of attempts:
// base, 2*base, 4*base, ...
func (e *Executor) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.opts.BackoffBase << 10
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func recordFields(rec *domain.ExecutionRecord) logrus.Fields {
	return logrus.Fields{
		"execution": rec.ID,
		"mint":      rec.TokenMint,
		"wallet":    rec.WalletAddress,
		"status":    string(rec.Status),
	}
}
