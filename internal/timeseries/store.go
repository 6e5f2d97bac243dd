// Package timeseries holds recent samples per token in memory.
package timeseries

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"rugshield/internal/domain"
	"rugshield/internal/keylock"
)

// Options configures a Store.
type Options struct {
	Retention      time.Duration // samples older than newest-Retention are dropped
	FullResolution time.Duration // samples newer than newest-FullResolution are kept as-is
	Bucket         time.Duration // older samples keep only the last one per bucket
	Stripes        int
	Sink           Sink // optional archive sink
}

// Sink receives every accepted sample.
type Sink interface {
	Enqueue(s domain.Sample)
}

// Store is a per-token append log with bounded retention.
// Each token's series is sorted by timestamp.
type Store struct {
	opts   Options
	locks  *keylock.Striped
	series []map[string]*series
}

type series struct {
	samples []domain.Sample
	// samples[:compacted] already hold at most one sample per bucket.
	compacted int
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.FullResolution <= 0 || opts.FullResolution > opts.Retention {
		opts.FullResolution = opts.Retention
	}
	if opts.Bucket <= 0 {
		opts.Bucket = time.Minute
	}
	locks := keylock.New(opts.Stripes)
	shards := make([]map[string]*series, locks.Len())
	for i := range shards {
		shards[i] = make(map[string]*series)
	}
	return &Store{opts: opts, locks: locks, series: shards}
}

// Append inserts s in timestamp order and applies retention and downsampling.
func (st *Store) Append(s domain.Sample) {
	idx := st.locks.Index(s.TokenMint)
	mu := st.locks.For(s.TokenMint)
	mu.Lock()
	ser := st.series[idx][s.TokenMint]
	if ser == nil {
		ser = &series{}
		st.series[idx][s.TokenMint] = ser
	}

	// Insert after any sample with an equal timestamp.
	pos := sort.Search(len(ser.samples), func(i int) bool {
		return ser.samples[i].Timestamp.After(s.Timestamp)
	})
	ser.samples = append(ser.samples, domain.Sample{})
	copy(ser.samples[pos+1:], ser.samples[pos:])
	ser.samples[pos] = s
	if pos < ser.compacted {
		ser.compacted = pos
	}

	st.maintain(ser)
	mu.Unlock()

	if st.opts.Sink != nil {
		st.opts.Sink.Enqueue(s)
	}
}

// maintain drops expired samples and downsamples the old part of the series.
func (st *Store) maintain(ser *series) {
	newest := ser.samples[len(ser.samples)-1].Timestamp

	expire := newest.Add(-st.opts.Retention)
	drop := sort.Search(len(ser.samples), func(i int) bool {
		return !ser.samples[i].Timestamp.Before(expire)
	})
	if drop > 0 {
		ser.samples = append(ser.samples[:0], ser.samples[drop:]...)
		ser.compacted -= drop
		if ser.compacted < 0 {
			ser.compacted = 0
		}
	}

	cutoff := newest.Add(-st.opts.FullResolution)
	end := sort.Search(len(ser.samples), func(i int) bool {
		return !ser.samples[i].Timestamp.Before(cutoff)
	})
	if end <= ser.compacted {
		return
	}

	out := ser.samples[:ser.compacted]
	for _, s := range ser.samples[ser.compacted:end] {
		if n := len(out); n > 0 && st.bucket(out[n-1].Timestamp).Equal(st.bucket(s.Timestamp)) {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	kept := len(out)
	ser.samples = append(out, ser.samples[end:]...)
	ser.compacted = kept
}

func (st *Store) bucket(t time.Time) time.Time {
	return t.Truncate(st.opts.Bucket)
}

func (st *Store) read(mint string, fn func(samples []domain.Sample)) {
	mu := st.locks.For(mint)
	mu.RLock()
	defer mu.RUnlock()
	var samples []domain.Sample
	if ser := st.series[st.locks.Index(mint)][mint]; ser != nil {
		samples = ser.samples
	}
	fn(samples)
}

// Snapshot is a consistent view of one token's series for evaluation.
type Snapshot struct {
	Count             int
	Latest            *domain.Sample
	PriceBaseline     *decimal.Decimal
	LiquidityBaseline *decimal.Decimal
}

// Snapshot builds the evaluation view at now over window. Baselines are
// taken at now-window, or from the earliest sample when history is shorter.
// Only samples from the most recently observed pool (or with no pool)
// are compared, so reserves quoted in different assets never mix. The
// liquidity baseline only considers samples with known liquidity.
// When fewer than minSamples comparable samples exist the snapshot is
// still returned along with *domain.InsufficientDataError.
func (st *Store) Snapshot(mint string, now time.Time, window time.Duration, minSamples int) (Snapshot, error) {
	var snap Snapshot
	st.read(mint, func(samples []domain.Sample) {
		if len(samples) == 0 {
			return
		}
		latest := samples[len(samples)-1]
		samples = samePool(samples, lastPool(samples))
		snap.Count = len(samples)
		snap.Latest = &latest

		from := now.Add(-window)
		if base, ok := at(samples, from); ok {
			p := base.Price
			snap.PriceBaseline = &p
		}
		snap.LiquidityBaseline = liquidityAt(samples, from)
	})
	if snap.Count < minSamples {
		return snap, &domain.InsufficientDataError{TokenMint: mint, Have: snap.Count, Required: minSamples}
	}
	return snap, nil
}

// lastPool returns the pool of the newest sample that names one.
func lastPool(samples []domain.Sample) string {
	for i := len(samples) - 1; i >= 0; i-- {
		if p := samples[i].PoolAddress; p != "" {
			return p
		}
	}
	return ""
}

// samePool returns the samples observed on pool or on an unknown pool.
// The input is returned as-is when nothing is filtered.
func samePool(samples []domain.Sample, pool string) []domain.Sample {
	if pool == "" {
		return samples
	}
	keep := 0
	for i := range samples {
		if p := samples[i].PoolAddress; p == "" || p == pool {
			keep++
		}
	}
	if keep == len(samples) {
		return samples
	}
	out := make([]domain.Sample, 0, keep)
	for _, s := range samples {
		if s.PoolAddress == "" || s.PoolAddress == pool {
			out = append(out, s)
		}
	}
	return out
}

// Drop removes all samples for mint.
func (st *Store) Drop(mint string) {
	mu := st.locks.For(mint)
	mu.Lock()
	delete(st.series[st.locks.Index(mint)], mint)
	mu.Unlock()
}

func at(samples []domain.Sample, t time.Time) (domain.Sample, bool) {
	if len(samples) == 0 {
		return domain.Sample{}, false
	}
	i := sort.Search(len(samples), func(i int) bool { return samples[i].Timestamp.After(t) })
	if i == 0 {
		return samples[0], true
	}
	return samples[i-1], true
}

// liquidityAt mirrors at but skips samples with unknown liquidity.
func liquidityAt(samples []domain.Sample, t time.Time) *decimal.Decimal {
	var first *decimal.Decimal
	var found *decimal.Decimal
	for i := range samples {
		l := samples[i].Liquidity
		if l == nil {
			continue
		}
		if first == nil {
			first = l
		}
		if samples[i].Timestamp.After(t) {
			break
		}
		found = l
	}
	if found == nil {
		found = first
	}
	if found == nil {
		return nil
	}
	v := *found
	return &v
}
