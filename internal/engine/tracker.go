package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// progressEvery is how many processed jobs between progress log lines.
const progressEvery = 10

// RunTracker accumulates job outcomes for one run. It is the only mutator of
// the counters; workers and the batch aggregator report through Record.
// A job's outcome is recorded at most once, enforced by job ID.
type RunTracker struct {
	mu          sync.Mutex
	runID       string
	mode        Mode
	total       int
	processed   int
	succeeded   int
	skipped     int
	failed      int
	failedIDs   []string
	recorded    map[string]bool
	startedAt   time.Time
	onProcessed func(processed int) // Set by the orchestrator for the pause gate
	log         zerolog.Logger
}

// NewRunTracker creates a tracker for a run of total jobs.
func NewRunTracker(runID string, mode Mode, total int, log zerolog.Logger) *RunTracker {
	return &RunTracker{
		runID:     runID,
		mode:      mode,
		total:     total,
		recorded:  make(map[string]bool, total),
		startedAt: time.Now(),
		log:       log.With().Str("component", "run_tracker").Str("run_id", runID).Logger(),
	}
}

// Record registers the terminal outcome of a job. Duplicate records for the
// same job are ignored.
func (t *RunTracker) Record(job *SyncJob, outcome Outcome) {
	t.mu.Lock()

	if t.recorded[job.ID] {
		t.mu.Unlock()
		t.log.Warn().Str("job", job.Instrument.ID()).Msg("Duplicate outcome record ignored")
		return
	}
	t.recorded[job.ID] = true

	t.processed++
	switch outcome {
	case OutcomeSucceeded:
		t.succeeded++
	case OutcomeSkipped:
		t.skipped++
	case OutcomeFailed:
		t.failed++
		t.failedIDs = append(t.failedIDs, job.Instrument.ID())
	}

	processed := t.processed
	hook := t.onProcessed
	logProgress := processed%progressEvery == 0 || processed == t.total
	var snap Progress
	if logProgress {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if logProgress {
		t.log.Info().
			Int("processed", snap.Processed).
			Int("total", snap.Total).
			Int("succeeded", snap.Succeeded).
			Int("skipped", snap.Skipped).
			Int("failed", snap.Failed).
			Msg("Sync progress")
	}
	if hook != nil {
		hook(processed)
	}
}

// Snapshot returns the current progress counts.
func (t *RunTracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *RunTracker) snapshotLocked() Progress {
	return Progress{
		Total:     t.total,
		Processed: t.processed,
		Succeeded: t.succeeded,
		Skipped:   t.skipped,
		Failed:    t.failed,
	}
}

// Finalize produces the immutable run summary. Call only after all workers
// have exited and the final batch flush completed.
func (t *RunTracker) Finalize() *RunSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	failedIDs := make([]string, len(t.failedIDs))
	copy(failedIDs, t.failedIDs)

	return &RunSummary{
		RunID:      t.runID,
		Mode:       t.mode,
		Total:      t.total,
		Processed:  t.processed,
		Succeeded:  t.succeeded,
		Skipped:    t.skipped,
		Failed:     t.failed,
		FailedIDs:  failedIDs,
		StartedAt:  t.startedAt,
		FinishedAt: time.Now(),
	}
}
