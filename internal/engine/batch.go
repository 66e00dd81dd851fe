package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/domain"
)

type pendingInsert struct {
	job    *SyncJob
	record domain.Instrument
}

// BatchAggregator buffers first-time insert records and writes them downstream
// in bulk. The buffer is owned solely by the aggregator; workers hand records
// over through Add and never touch the bulk write path themselves.
//
// Outcomes of batched jobs are deferred until their batch flushes: only then
// is it known whether the bulk write succeeded.
type BatchAggregator struct {
	size    int
	store   Store
	backoff Backoff
	tracker *RunTracker
	log     zerolog.Logger

	mu  sync.Mutex
	buf []pendingInsert
}

// NewBatchAggregator creates an aggregator flushing every size records.
func NewBatchAggregator(size int, store Store, backoff Backoff, tracker *RunTracker, log zerolog.Logger) *BatchAggregator {
	if size < 1 {
		size = 1
	}
	return &BatchAggregator{
		size:    size,
		store:   store,
		backoff: backoff,
		tracker: tracker,
		log:     log.With().Str("component", "batch_aggregator").Logger(),
		buf:     make([]pendingInsert, 0, size),
	}
}

// Add buffers a successfully fetched record. When the buffer reaches the
// configured size it is flushed synchronously on the calling worker's
// goroutine. The buffer swap happens under the lock, the flush outside it,
// so other workers keep accumulating into the fresh buffer during a flush.
func (a *BatchAggregator) Add(ctx context.Context, job *SyncJob, record domain.Instrument) {
	a.mu.Lock()
	a.buf = append(a.buf, pendingInsert{job: job, record: record})
	var batch []pendingInsert
	if len(a.buf) >= a.size {
		batch = a.buf
		a.buf = make([]pendingInsert, 0, a.size)
	}
	a.mu.Unlock()

	if batch != nil {
		a.flush(ctx, batch)
	}
}

// FlushFinal writes out the partial batch at run end. Call after all workers
// have exited.
func (a *BatchAggregator) FlushFinal(ctx context.Context) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) > 0 {
		a.flush(ctx, batch)
	}
}

// flush bulk-writes one batch, retrying with the shared backoff semantics.
// Exhausting the budget fails every job in the batch; the records are
// discarded, their identifiers surface in the run summary for a manual re-run.
func (a *BatchAggregator) flush(ctx context.Context, batch []pendingInsert) {
	records := make([]domain.Instrument, len(batch))
	for i, p := range batch {
		records[i] = p.record
	}

	var lastErr error
	for attempt := 0; attempt < a.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, a.backoff.Delay(attempt-1)); err != nil {
				break
			}
		}

		lastErr = a.store.BulkInsertInstruments(records)
		if lastErr == nil {
			a.log.Info().Int("records", len(records)).Msg("Batch flushed")
			for _, p := range batch {
				a.tracker.Record(p.job, OutcomeSucceeded)
			}
			return
		}

		a.log.Warn().Err(lastErr).Int("attempt", attempt+1).Int("records", len(records)).
			Msg("Bulk insert failed")
	}

	a.log.Error().Err(lastErr).Int("records", len(records)).
		Msg("Bulk insert retries exhausted, failing batch")
	for _, p := range batch {
		a.tracker.Record(p.job, OutcomeFailed)
	}
}
