package poolwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/registry"
	"rugshield/internal/solana"
	"rugshield/internal/telemetry"
)

var errStreamClosed = errors.New("account stream closed")

// Targets is the slice of the registry the listener needs.
type Targets interface {
	ActiveTokens() []string
	ForToken(mint string) []*domain.MonitoringTarget
	SetPool(ctx context.Context, mint, pool string) error
}

// Sink consumes pool-event telemetry.
type Sink interface {
	Ingest(ctx context.Context, raw telemetry.RawTelemetry) error
}

// AccountReader reads current account state.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error)
}

// Options configures a Listener.
type Options struct {
	ResolveInterval  time.Duration // retry period while no pool is known
	SubscribeTimeout time.Duration // deadline for accountSubscribe
	// Accounts seeds both reserves after subscribing, so a sample does not
	// wait for each vault to change once. Optional.
	Accounts         AccountReader
}

// Listener runs one watch goroutine per monitored token. A watch resolves
// the token's pool, then subscribes to both vault accounts and emits a
// sample whenever either reserve changes.
type Listener struct {
	resolver Resolver
	ws       solana.WSClient
	targets  Targets
	sink     Sink
	opts     Options
	now      func() time.Time
	log      *logrus.Entry

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

type watch struct {
	cancel context.CancelFunc
}

// NewListener creates a Listener.
func NewListener(resolver Resolver, ws solana.WSClient, targets Targets, sink Sink, opts Options, log *logrus.Entry) *Listener {
	if opts.ResolveInterval <= 0 {
		opts.ResolveInterval = 30 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 15 * time.Second
	}
	return &Listener{
		resolver: resolver,
		ws:       ws,
		targets:  targets,
		sink:     sink,
		opts:     opts,
		now:      time.Now,
		log:      log,
		watches:  make(map[string]*watch),
	}
}

// Run starts watches for active tokens and follows registry events until
// ctx is done. Watches are reconciled against the registry every resolve
// interval so dropped events are recovered.
func (l *Listener) Run(ctx context.Context, events <-chan registry.Event) error {
	l.log.Info("Pool listener started")
	l.reconcile(ctx)

	ticker := time.NewTicker(l.opts.ResolveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stopAll()
			l.wg.Wait()
			l.log.Info("Pool listener stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.handle(ctx, ev)
		case <-ticker.C:
			l.reconcile(ctx)
		}
	}
}

// Watching reports whether mint has a running watch.
func (l *Listener) Watching(mint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.watches[mint]
	return ok
}

func (l *Listener) handle(ctx context.Context, ev registry.Event) {
	mint := ev.Target.TokenMint
	switch ev.Kind {
	case registry.TargetAdded, registry.TargetReactivated:
		l.ensure(ctx, mint)
	case registry.TargetDeactivated:
		if len(l.targets.ForToken(mint)) == 0 {
			l.stop(mint)
		}
	}
}

func (l *Listener) reconcile(ctx context.Context) {
	active := make(map[string]struct{})
	for _, mint := range l.targets.ActiveTokens() {
		active[mint] = struct{}{}
		l.ensure(ctx, mint)
	}

	l.mu.Lock()
	var gone []string
	for mint := range l.watches {
		if _, ok := active[mint]; !ok {
			gone = append(gone, mint)
		}
	}
	l.mu.Unlock()
	for _, mint := range gone {
		l.stop(mint)
	}
}

func (l *Listener) ensure(ctx context.Context, mint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.watches[mint]; ok {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}
	l.watches[mint] = w

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.watch(wctx, mint)

		l.mu.Lock()
		if l.watches[mint] == w {
			delete(l.watches, mint)
		}
		l.mu.Unlock()
		cancel()
	}()
}

func (l *Listener) stop(mint string) {
	l.mu.Lock()
	w, ok := l.watches[mint]
	if ok {
		delete(l.watches, mint)
	}
	l.mu.Unlock()
	if ok {
		w.cancel()
		l.log.WithField("mint", mint).Info("Pool watch stopped")
	}
}

func (l *Listener) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for mint, w := range l.watches {
		w.cancel()
		delete(l.watches, mint)
	}
}

// retryPolicy retries forever at roughly ResolveInterval with jitter.
func (l *Listener) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.ResolveInterval
	b.MaxInterval = l.opts.ResolveInterval
	b.Multiplier = 1
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func (l *Listener) watch(ctx context.Context, mint string) {
	log := l.log.WithField("mint", mint)

	var info *PoolInfo
	err := backoff.RetryNotify(func() error {
		var err error
		info, err = l.resolver.Resolve(ctx, mint)
		return err
	}, l.retryPolicy(ctx), func(err error, next time.Duration) {
		if errors.Is(err, ErrPoolNotFound) {
			log.WithField("retry_in", next).Debug("No pool yet")
			return
		}
		log.WithError(err).WithField("retry_in", next).Warn("Pool resolution failed")
	})
	if err != nil {
		return
	}

	log = log.WithField("pool", info.PoolAddress)
	if err := l.targets.SetPool(ctx, mint, info.PoolAddress); err != nil {
		log.WithError(err).Warn("Failed to persist pool address")
	}
	log.Info("Pool resolved, subscribing to vaults")

	_ = backoff.RetryNotify(func() error {
		err := l.stream(ctx, mint, info)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, l.retryPolicy(ctx), func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("Vault subscription lost")
	})
}

// stream subscribes to both vaults and emits samples until ctx is done
// or a stream closes.
func (l *Listener) stream(ctx context.Context, mint string, info *PoolInfo) error {
	subCtx, cancel := context.WithTimeout(ctx, l.opts.SubscribeTimeout)
	baseCh, err := l.ws.SubscribeAccount(subCtx, info.BaseVault)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe base vault: %w", err)
	}
	quoteCh, err := l.ws.SubscribeAccount(subCtx, info.QuoteVault)
	cancel()
	if err != nil {
		l.unsubscribe(baseCh)
		return fmt.Errorf("subscribe quote vault: %w", err)
	}
	defer l.unsubscribe(baseCh)
	defer l.unsubscribe(quoteCh)

	base, quote := l.seed(ctx, info)
	l.emit(ctx, mint, info.PoolAddress, base, quote)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-baseCh:
			if !ok {
				return errStreamClosed
			}
			if v, ok := l.reserve(n, info.BaseDecimals); ok {
				base = &v
				l.emit(ctx, mint, info.PoolAddress, base, quote)
			}
		case n, ok := <-quoteCh:
			if !ok {
				return errStreamClosed
			}
			if v, ok := l.reserve(n, info.QuoteDecimals); ok {
				quote = &v
				l.emit(ctx, mint, info.PoolAddress, base, quote)
			}
		}
	}
}

// seed reads both vaults once. Unreadable vaults stay nil until notified.
func (l *Listener) seed(ctx context.Context, info *PoolInfo) (base, quote *decimal.Decimal) {
	if l.opts.Accounts == nil {
		return nil, nil
	}
	read := func(vault string, decimals uint8) *decimal.Decimal {
		acc, err := l.opts.Accounts.GetAccountInfo(ctx, vault)
		if err != nil || acc == nil {
			if err != nil {
				l.log.WithError(err).WithField("account", vault).Debug("Vault read failed")
			}
			return nil
		}
		v, ok := l.reserve(solana.AccountNotification{Pubkey: vault, Data: acc.Data}, decimals)
		if !ok {
			return nil
		}
		return &v
	}
	return read(info.BaseVault, info.BaseDecimals), read(info.QuoteVault, info.QuoteDecimals)
}

func (l *Listener) unsubscribe(ch <-chan solana.AccountNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.SubscribeTimeout)
	defer cancel()
	if err := l.ws.Unsubscribe(ctx, ch); err != nil {
		l.log.WithError(err).Debug("Unsubscribe failed")
	}
}

func (l *Listener) reserve(n solana.AccountNotification, decimals uint8) (decimal.Decimal, bool) {
	acc, err := solana.DecodeTokenAccount(n.Data)
	if err != nil {
		l.log.WithError(err).WithField("account", n.Pubkey).Debug("Undecodable vault update")
		return decimal.Zero, false
	}
	return solana.TokenAmount{Amount: acc.Amount, Decimals: decimals}.UIAmount(), true
}

func (l *Listener) emit(ctx context.Context, mint, pool string, base, quote *decimal.Decimal) {
	if base == nil || quote == nil {
		return
	}
	raw := telemetry.RawTelemetry{
		TokenMint:    mint,
		PoolAddress:  pool,
		Source:       domain.SourcePoolEvent,
		ObservedAt:   l.now(),
		BaseReserve:  base,
		QuoteReserve: quote,
	}
	if base.IsPositive() {
		price := quote.Div(*base)
		raw.Price = &price
	}
	if err := l.sink.Ingest(ctx, raw); err != nil {
		l.log.WithError(err).WithField("mint", mint).Debug("Pool sample not ingested")
	}
}
