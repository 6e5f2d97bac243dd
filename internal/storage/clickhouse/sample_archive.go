package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

// SampleArchive implements storage.SampleArchive using ClickHouse.
// token_samples is a ReplacingMergeTree keyed by (token_mint, timestamp_ms,
// source), so re-inserting a sample after a retried flush collapses on merge.
type SampleArchive struct {
	conn *Conn
}

// NewSampleArchive creates a new SampleArchive.
func NewSampleArchive(conn *Conn) *SampleArchive {
	return &SampleArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.SampleArchive = (*SampleArchive)(nil)

// InsertSamples appends a batch of samples.
func (s *SampleArchive) InsertSamples(ctx context.Context, samples []domain.Sample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	defer func(start time.Time) { observe("samples_insert", start, err) }(time.Now())

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO token_samples (
			token_mint, timestamp_ms, source, pool_address, price, liquidity, risk_score, imminent_exit
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, smp := range samples {
		var exit uint8
		if smp.ImminentExit {
			exit = 1
		}
		err = batch.Append(
			smp.TokenMint,
			smp.Timestamp.UnixMilli(),
			string(smp.Source),
			smp.PoolAddress,
			smp.Price,
			smp.Liquidity,
			smp.RiskScore,
			exit,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// QuerySamples retrieves samples for mint within [from, to], ordered by timestamp ASC.
func (s *SampleArchive) QuerySamples(ctx context.Context, mint string, from, to time.Time) (samples []domain.Sample, err error) {
	defer func(start time.Time) { observe("samples_query", start, err) }(time.Now())

	rows, err := s.conn.Query(ctx, `
		SELECT token_mint, timestamp_ms, source, pool_address, price, liquidity, risk_score, imminent_exit
		FROM token_samples FINAL
		WHERE token_mint = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, source ASC
	`, mint, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			smp       domain.Sample
			tsMs      int64
			source    string
			price     decimal.Decimal
			liquidity *decimal.Decimal
			riskScore *float64
			exit      uint8
		)
		if err := rows.Scan(&smp.TokenMint, &tsMs, &source, &smp.PoolAddress, &price, &liquidity, &riskScore, &exit); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		smp.Timestamp = time.UnixMilli(tsMs).UTC()
		smp.Source = domain.Source(source)
		smp.Price = price
		smp.Liquidity = liquidity
		smp.RiskScore = riskScore
		smp.ImminentExit = exit == 1
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sample rows: %w", err)
	}
	return samples, nil
}
