// Package main runs the monitoring engine with its HTTP API:
// - Telemetry: provider polling and pool account subscriptions
// - Risk: per-target state machine and status read model
// - Protection: emergency exit swaps for targets in trigger states
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"rugshield/internal/api"
	"rugshield/internal/config"
	"rugshield/internal/engine"
	"rugshield/internal/executor"
	"rugshield/internal/intake"
	"rugshield/internal/logging"
	"rugshield/internal/poolwatch"
	"rugshield/internal/solana"
	chstore "rugshield/internal/storage/clickhouse"
	"rugshield/internal/storage/memory"
	"rugshield/internal/storage/migrations"
	pgstore "rugshield/internal/storage/postgres"
	"rugshield/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("RUGSHIELD_CONFIG"), "Path to YAML configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides http.addr)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	migrate := flag.Bool("migrate", false, "Apply database migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *useMemory {
		cfg.Storage.UseMemory = true
	}
	if *migrate {
		cfg.Storage.Migrate = true
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	log := logging.Component(logger, "server")

	if cfg.Solana.RPCEndpoint == "" {
		log.Fatal("solana.rpc_endpoint is required")
	}
	if cfg.SwapRouter.BaseURL == "" {
		log.Fatal("swap_router.base_url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to create stores")
	}
	defer cleanup()

	collab, closeChain, err := createCollaborators(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Solana")
	}
	defer closeChain()

	eng := engine.New(cfg, stores, collab, logger)
	webhook := intake.NewHandler(eng, cfg.Webhook.AuthToken, cfg.Webhook.MaxBody, logging.Component(logger, "intake"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(eng, webhook, logging.Component(logger, "api")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to signal completion
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("Received signal, initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("Received second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
			cancel()
		}
	}()

	err = eng.Run(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.D())
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP server shutdown")
	}
	stop()
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("Engine error")
	}
	log.Info("Shutdown complete")
}

// createStores creates the persistence backends selected by cfg.
func createStores(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (engine.Stores, func(), error) {
	log := logging.Component(logger, "storage")

	if cfg.Storage.UseMemory {
		log.Warn("Using in-memory storage; targets and executions are lost on restart")
		stores := engine.Stores{
			Targets:    memory.NewTargetStore(),
			Executions: memory.NewExecutionStore(),
			Alerts:     memory.NewAlertStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return engine.Stores{}, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if cfg.Storage.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return engine.Stores{}, nil, err
		}
	}

	stores := engine.Stores{
		Targets:    pgstore.NewTargetStore(pool),
		Executions: pgstore.NewExecutionStore(pool),
		Alerts:     pgstore.NewAlertStore(pool),
	}

	var chConn *chstore.Conn
	if cfg.Storage.ClickhouseDSN != "" {
		if cfg.Storage.Migrate {
			chConn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN, log)
		} else {
			chConn, err = chstore.NewConn(ctx, cfg.Storage.ClickhouseDSN)
		}
		if err != nil {
			pool.Close()
			return engine.Stores{}, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		stores.Archive = chstore.NewSampleArchive(chConn)
	}

	cleanup := func() {
		if chConn != nil {
			chConn.Close()
		}
		pool.Close()
	}
	return stores, cleanup, nil
}

// createCollaborators builds the provider, chain and swap router clients.
func createCollaborators(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (engine.Collaborators, func(), error) {
	rpc := solana.NewHTTPClient(cfg.Solana.RPCEndpoint, solana.WithTimeout(cfg.Solana.RPCTimeout.D()))
	router := executor.NewHTTPRouter(cfg.SwapRouter.BaseURL, cfg.SwapRouter.APIKey, cfg.SwapRouter.Timeout.D())

	c := engine.Collaborators{
		Provider: telemetry.NewHTTPProvider(telemetry.HTTPProviderOptions{
			Name:          cfg.Provider.Name,
			BaseURL:       cfg.Provider.BaseURL,
			APIKey:        cfg.Provider.APIKey,
			RatePerSecond: cfg.Provider.RatePerSecond,
			RateBurst:     cfg.Provider.RateBurst,
		}),
		Router:   router,
		Finality: router,
		Balances: executor.NewRPCBalanceReader(rpc),
	}
	if cfg.Executor.FinalitySource == "rpc" {
		c.Finality = executor.NewRPCFinality(rpc)
	}

	closer := func() {}
	if cfg.Pool.Enabled && cfg.Pool.DiscoveryURL != "" && cfg.Solana.WSEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.SubscribeTimeout = cfg.Solana.WSSubscribeTimeout.D()
		wsCfg.Logger = logging.Component(logger, "solana-ws")
		ws, err := solana.NewWSClient(ctx, cfg.Solana.WSEndpoint, &wsCfg)
		if err != nil {
			return engine.Collaborators{}, nil, fmt.Errorf("connect websocket: %w", err)
		}
		c.WS = ws
		c.Accounts = rpc
		c.Resolver = poolwatch.NewHTTPResolver(cfg.Pool.DiscoveryURL, cfg.Provider.Timeout.D())
		closer = func() { _ = ws.Close() }
	} else if cfg.Pool.Enabled {
		logging.Component(logger, "server").Warn("Pool listener disabled: pool.discovery_url and solana.ws_endpoint are required")
	}
	return c, closer, nil
}
