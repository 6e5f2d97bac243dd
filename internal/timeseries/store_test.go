package timeseries

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugshield/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// retained returns a copy of mint's series.
func retained(st *Store, mint string) []domain.Sample {
	var out []domain.Sample
	st.read(mint, func(samples []domain.Sample) {
		out = append(out, samples...)
	})
	return out
}

func sample(mint string, at time.Time, price int64, liq *int64) domain.Sample {
	s := domain.Sample{
		TokenMint: mint,
		Timestamp: at,
		Price:     decimal.NewFromInt(price),
		Source:    domain.SourcePoll,
	}
	if liq != nil {
		l := decimal.NewFromInt(*liq)
		s.Liquidity = &l
	}
	return s
}

func i64(v int64) *int64 { return &v }

func TestStore_AppendKeepsOrder(t *testing.T) {
	st := New(Options{})
	st.Append(sample("M", t0.Add(2*time.Second), 3, nil))
	st.Append(sample("M", t0, 1, nil))
	st.Append(sample("M", t0.Add(time.Second), 2, nil))

	got := retained(st, "M")
	require.Len(t, got, 3)
	for i, want := range []int64{1, 2, 3} {
		assert.True(t, got[i].Price.Equal(decimal.NewFromInt(want)))
	}
}

func TestAt(t *testing.T) {
	st := New(Options{})
	st.Append(sample("M", t0.Add(time.Minute), 10, nil))
	st.Append(sample("M", t0.Add(2*time.Minute), 20, nil))
	samples := retained(st, "M")

	s, ok := at(samples, t0.Add(90*time.Second))
	require.True(t, ok)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(10)))

	s, ok = at(samples, t0)
	require.True(t, ok)
	assert.True(t, s.Price.Equal(decimal.NewFromInt(10)), "falls back to earliest")

	_, ok = at(nil, t0)
	assert.False(t, ok)
}

func TestStore_Retention(t *testing.T) {
	st := New(Options{Retention: time.Hour, FullResolution: time.Hour})
	st.Append(sample("M", t0, 1, nil))
	st.Append(sample("M", t0.Add(30*time.Minute), 2, nil))
	st.Append(sample("M", t0.Add(61*time.Minute), 3, nil))

	got := retained(st, "M")
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(2)))
}

func TestStore_Downsampling(t *testing.T) {
	st := New(Options{Retention: 24 * time.Hour, FullResolution: time.Hour, Bucket: time.Minute})

	// Ten samples inside one minute bucket, two hours ago.
	for i := 0; i < 10; i++ {
		st.Append(sample("M", t0.Add(time.Duration(i)*time.Second), int64(i), nil))
	}
	// Recent full-resolution samples.
	recent := t0.Add(2 * time.Hour)
	for i := 0; i < 5; i++ {
		st.Append(sample("M", recent.Add(time.Duration(i)*time.Second), 100, nil))
	}

	got := retained(st, "M")
	require.Len(t, got, 6, "old bucket collapses to one sample")
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(9)), "bucket keeps its last sample")
}

func TestStore_Snapshot(t *testing.T) {
	st := New(Options{})

	_, err := st.Snapshot("M", t0, 5*time.Minute, 2)
	var ide *domain.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
	assert.Equal(t, 0, ide.Have)

	st.Append(sample("M", t0, 100, nil))
	st.Append(sample("M", t0.Add(time.Minute), 90, i64(1000)))
	st.Append(sample("M", t0.Add(6*time.Minute), 80, i64(500)))
	st.Append(sample("M", t0.Add(10*time.Minute), 70, i64(50)))

	snap, err := st.Snapshot("M", t0.Add(10*time.Minute), 5*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Count)
	require.NotNil(t, snap.Latest)
	assert.True(t, snap.Latest.Price.Equal(decimal.NewFromInt(70)))
	require.NotNil(t, snap.PriceBaseline)
	assert.True(t, snap.PriceBaseline.Equal(decimal.NewFromInt(90)), "sample at or before now-window")
	require.NotNil(t, snap.LiquidityBaseline)
	assert.True(t, snap.LiquidityBaseline.Equal(decimal.NewFromInt(1000)))
}

func TestStore_SnapshotLiquidityBaselineSkipsUnknown(t *testing.T) {
	st := New(Options{})
	st.Append(sample("M", t0, 100, nil))
	st.Append(sample("M", t0.Add(8*time.Minute), 100, i64(400)))
	st.Append(sample("M", t0.Add(9*time.Minute), 100, i64(300)))

	snap, err := st.Snapshot("M", t0.Add(10*time.Minute), 5*time.Minute, 2)
	require.NoError(t, err)
	require.NotNil(t, snap.LiquidityBaseline)
	assert.True(t, snap.LiquidityBaseline.Equal(decimal.NewFromInt(400)), "earliest known liquidity")
}

func TestStore_SnapshotComparesSamePoolOnly(t *testing.T) {
	st := New(Options{})
	onPool := func(s domain.Sample, pool string) domain.Sample {
		s.PoolAddress = pool
		return s
	}
	// A USDC pair and a SOL pair quote the same token in different units.
	st.Append(onPool(sample("M", t0, 50, i64(100000)), "USDC_POOL"))
	st.Append(onPool(sample("M", t0.Add(time.Second), 3, i64(600)), "SOL_POOL"))

	snap, err := st.Snapshot("M", t0.Add(time.Second), 5*time.Minute, 2)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData), "one comparable sample")
	assert.Equal(t, 1, snap.Count)
	require.NotNil(t, snap.LiquidityBaseline)
	assert.True(t, snap.LiquidityBaseline.Equal(decimal.NewFromInt(600)))

	st.Append(onPool(sample("M", t0.Add(2*time.Second), 51, i64(100000)), "USDC_POOL"))
	st.Append(sample("M", t0.Add(3*time.Second), 52, nil))

	snap, err = st.Snapshot("M", t0.Add(3*time.Second), 5*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Count, "unknown-pool samples stay comparable")
	assert.True(t, snap.PriceBaseline.Equal(decimal.NewFromInt(50)))
	assert.True(t, snap.LiquidityBaseline.Equal(decimal.NewFromInt(100000)))
}

func TestStore_Drop(t *testing.T) {
	st := New(Options{})
	st.Append(sample("B", t0, 1, nil))
	st.Append(sample("A", t0, 1, nil))

	st.Drop("A")
	assert.Empty(t, retained(st, "A"))
	assert.Len(t, retained(st, "B"), 1)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []domain.Sample
}

func (r *recordingSink) Enqueue(s domain.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func TestStore_SinkReceivesAppends(t *testing.T) {
	sink := &recordingSink{}
	st := New(Options{Sink: sink})
	st.Append(sample("M", t0, 1, nil))
	st.Append(sample("M", t0.Add(time.Second), 2, nil))
	assert.Len(t, sink.samples, 2)
}

func TestStore_ConcurrentAppend(t *testing.T) {
	st := New(Options{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				st.Append(sample("M", t0.Add(time.Duration(g*100+i)*time.Millisecond), 1, nil))
			}
		}(g)
	}
	wg.Wait()

	w := retained(st, "M")
	require.Len(t, w, 800)
	for i := 1; i < len(w); i++ {
		assert.False(t, w[i].Timestamp.Before(w[i-1].Timestamp))
	}
}
