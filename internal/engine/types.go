// Package engine implements the resilient concurrent synchronization engine.
// It fans per-instrument sync jobs out across a small worker pool, serializes
// logins against the provider, absorbs transient failures with backoff and
// jitter, batches first-time inserts, and produces an auditable run summary.
package engine

import (
	"time"

	"github.com/quantpulse/marketsync/internal/domain"
)

// Operation is the kind of work a SyncJob performs.
type Operation int

const (
	// OpInsert creates a first-time record for a newly discovered instrument.
	// Writes go through the batch aggregator.
	OpInsert Operation = iota
	// OpUpdate refreshes the attributes of a known instrument, writing only
	// the fields that changed.
	OpUpdate
	// OpBackfillDaily fetches the daily bars an instrument is missing since
	// its last stored bar.
	OpBackfillDaily
)

// String returns a human-readable name for the operation.
func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpBackfillDaily:
		return "backfill_daily"
	default:
		return "unknown"
	}
}

// Mode selects which job set a run builds.
type Mode int

const (
	// ModeAttributes diffs the provider's full listing against the store and
	// produces insert/update jobs.
	ModeAttributes Mode = iota
	// ModeDailyBars produces one backfill job per stored instrument.
	ModeDailyBars
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeAttributes:
		return "attributes"
	case ModeDailyBars:
		return "daily_bars"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a SyncJob. Every job reaches exactly one.
type Outcome int

const (
	// OutcomeSucceeded - the provider query and the downstream write completed.
	OutcomeSucceeded Outcome = iota
	// OutcomeSkipped - no monitored field changed, nothing written.
	OutcomeSkipped
	// OutcomeFailed - retries exhausted, or a non-retryable error.
	OutcomeFailed
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncJob is one unit of synchronization work for one instrument.
// It is owned exclusively by the worker that dequeued it; Attempts is the
// only field that changes after enqueue, and only between attempts.
type SyncJob struct {
	ID         string
	Op         Operation
	Instrument domain.Instrument // Last-known snapshot (update/backfill) or listing row (insert)
	Attempts   int               // Attempts made so far
}

// State is the orchestrator's lifecycle phase.
type State int

const (
	// StateIdle - no run in progress.
	StateIdle State = iota
	// StateBuilding - diffing listing vs store and enqueueing jobs.
	StateBuilding
	// StateDraining - workers active.
	StateDraining
	// StateFinalizing - flushing the partial batch and collecting the summary.
	StateFinalizing
	// StateDone - run finished.
	StateDone
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateDraining:
		return "draining"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RunSummary is the immutable result of one run.
type RunSummary struct {
	RunID      string
	Mode       Mode
	Total      int
	Processed  int
	Succeeded  int
	Skipped    int
	Failed     int
	FailedIDs  []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Progress is a point-in-time snapshot of a running tracker.
type Progress struct {
	Total     int
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
}
