package timeseries

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"rugshield/internal/domain"
	"rugshield/internal/observability"
	"rugshield/internal/storage"
)

// ArchiveWriter batches accepted samples into a storage.SampleArchive
// off the append path. Samples are dropped when the queue is full.
type ArchiveWriter struct {
	archive   storage.SampleArchive
	queue     chan domain.Sample
	batchSize int
	flush     time.Duration
	log       *logrus.Entry
}

// NewArchiveWriter creates an ArchiveWriter.
func NewArchiveWriter(archive storage.SampleArchive, batchSize int, flush time.Duration, log *logrus.Entry) *ArchiveWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flush <= 0 {
		flush = 2 * time.Second
	}
	return &ArchiveWriter{
		archive:   archive,
		queue:     make(chan domain.Sample, batchSize*4),
		batchSize: batchSize,
		flush:     flush,
		log:       log,
	}
}

// Enqueue implements Sink.
func (w *ArchiveWriter) Enqueue(s domain.Sample) {
	select {
	case w.queue <- s:
	default:
		observability.RecordSampleDropped(s.Source.String(), "archive_full")
	}
}

// Run flushes batches until ctx is done, then drains what is queued.
func (w *ArchiveWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	batch := make([]domain.Sample, 0, w.batchSize)
	write := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.archive.InsertSamples(ctx, batch); err != nil {
			w.log.WithError(err).WithField("samples", len(batch)).Warn("archive write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for len(w.queue) > 0 {
				batch = append(batch, <-w.queue)
				if len(batch) >= w.batchSize {
					write(drainCtx)
				}
			}
			write(drainCtx)
			cancel()
			return nil
		case s := <-w.queue:
			batch = append(batch, s)
			if len(batch) >= w.batchSize {
				write(ctx)
			}
		case <-ticker.C:
			write(ctx)
		}
	}
}
