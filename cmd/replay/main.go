package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"rugshield/internal/config"
	"rugshield/internal/domain"
	"rugshield/internal/logging"
	"rugshield/internal/replay"
	"rugshield/internal/risk"
	"rugshield/internal/storage"
	chstore "rugshield/internal/storage/clickhouse"
	"rugshield/internal/storage/memory"
	"rugshield/internal/timeseries"
)

func main() {
	configPath := flag.String("config", os.Getenv("RUGSHIELD_CONFIG"), "Path to YAML configuration (thresholds)")
	mint := flag.String("mint", "", "Token mint to replay (required)")
	wallet := flag.String("wallet", "replay", "Wallet label used in transitions")
	fromTime := flag.String("from-time", "", "Start time (RFC3339, required)")
	toTime := flag.String("to-time", "", "End time (RFC3339, required)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides storage.clickhouse_dsn)")
	outputJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logging.New(cfg.Log.Level, cfg.Log.Format), "replay")

	if *mint == "" {
		log.Fatal("--mint is required")
	}
	// Partial ranges are non-deterministic; both bounds are required.
	if *fromTime == "" || *toTime == "" {
		log.Fatal("Both --from-time and --to-time must be specified")
	}
	from, err := time.Parse(time.RFC3339, *fromTime)
	if err != nil {
		log.WithError(err).Fatal("parse from-time")
	}
	to, err := time.Parse(time.RFC3339, *toTime)
	if err != nil {
		log.WithError(err).Fatal("parse to-time")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("Received signal, shutting down")
		cancel()
	}()

	dsn := cfg.Storage.ClickhouseDSN
	if *clickhouseDSN != "" {
		dsn = *clickhouseDSN
	}
	var archive storage.SampleArchive = memory.NewSampleArchive()
	if dsn != "" {
		conn, err := chstore.NewConn(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("connect to clickhouse")
		}
		defer conn.Close()
		archive = chstore.NewSampleArchive(conn)
	} else {
		log.Warn("No ClickHouse DSN configured; replaying an empty archive")
	}

	key := domain.TargetKey{TokenMint: *mint, WalletAddress: *wallet}
	classifier := replay.NewClassifier(key, risk.ThresholdsFromConfig(cfg.Risk), cfg.Risk.Window.D(), timeseries.Options{
		Retention:      cfg.Store.Retention.D(),
		FullResolution: cfg.Store.FullResolution.D(),
		Bucket:         cfg.Store.DownsampleBucket.D(),
	})

	log.WithFields(logrus.Fields{
		"mint": *mint,
		"from": from.Format(time.RFC3339),
		"to":   to.Format(time.RFC3339),
	}).Info("Replaying samples")

	n, err := replay.NewRunner(archive).Run(ctx, *mint, from, to, classifier)
	if err != nil {
		log.WithError(err).Fatal("replay failed")
	}

	summary := Summary{
		TokenMint:  *mint,
		Samples:    n,
		FinalState: classifier.State(),
	}
	for _, tr := range classifier.Transitions() {
		summary.Transitions = append(summary.Transitions, TransitionLine{
			At:   tr.At.UTC().Format(time.RFC3339Nano),
			From: tr.From,
			To:   tr.To,
		})
	}

	if *outputJSON {
		output, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(output))
		return
	}

	fmt.Printf("\n=== Replay Summary ===\n")
	fmt.Printf("Token Mint:   %s\n", summary.TokenMint)
	fmt.Printf("Samples:      %d\n", summary.Samples)
	fmt.Printf("Final State:  %s\n", summary.FinalState)
	fmt.Printf("Transitions:  %d\n", len(summary.Transitions))
	for _, tr := range summary.Transitions {
		fmt.Printf("  %s  %-9s -> %s\n", tr.At, tr.From, tr.To)
	}
}

// Summary is the replay result.
type Summary struct {
	TokenMint   string           `json:"token_mint"`
	Samples     int              `json:"samples"`
	FinalState  domain.RiskState `json:"final_state"`
	Transitions []TransitionLine `json:"transitions"`
}

// TransitionLine is one state change.
type TransitionLine struct {
	At   string           `json:"at"`
	From domain.RiskState `json:"from"`
	To   domain.RiskState `json:"to"`
}
