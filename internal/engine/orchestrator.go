package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/provider"
)

// Store is the downstream persistence surface the engine writes to.
type Store interface {
	// ExistingInstruments returns the last-known snapshot of every stored
	// instrument, keyed by instrument ID.
	ExistingInstruments() (map[string]domain.Instrument, error)
	// UpsertInstrument writes the changed fields of one instrument.
	UpsertInstrument(code string, fields map[string]any) error
	// BulkInsertInstruments writes a batch of first-time records in one call.
	BulkInsertInstruments(records []domain.Instrument) error
	// LatestBarDate returns the date of the newest stored daily bar for the
	// instrument, or "" if none exist.
	LatestBarDate(code string) (string, error)
	// InsertDailyBars writes a contiguous range of daily bars.
	InsertDailyBars(bars []domain.DailyBar) error
}

// Options are the tunables of one orchestrator, normally sourced from
// configuration.
type Options struct {
	Workers       int
	BatchSize     int
	PauseBlock    int           // Pause the pool after every this many processed jobs
	PauseDuration time.Duration // How long the pause lasts
	Backoff       Backoff
}

// Orchestrator drives one sync run end to end: build the job set, drain it
// through the worker pool, finalize. One orchestrator runs at most one run at
// a time; the service layer above serializes callers.
type Orchestrator struct {
	store   Store
	factory provider.Factory
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	state   State
	tracker *RunTracker // Current run's tracker, nil when idle
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, factory provider.Factory, opts Options, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		factory: factory,
		opts:    opts,
		log:     log.With().Str("component", "orchestrator").Logger(),
		state:   StateIdle,
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the current run's progress, or the zero value when idle.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()

	if tracker == nil {
		return Progress{}
	}
	return tracker.Snapshot()
}

// Run executes one full sync run in the given mode and returns its summary.
// Cancellation stops new attempts; in-flight attempts finish, pending retries
// are abandoned, and the summary reflects whatever completed. The error is
// non-nil only when the run could not be built at all.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (*RunSummary, error) {
	runID := uuid.NewString()
	log := o.log.With().Str("run_id", runID).Str("mode", mode.String()).Logger()

	o.setState(StateBuilding)
	defer o.setState(StateIdle)

	sessions := NewSessionManager(o.factory, log)

	jobs, err := o.buildJobs(ctx, sessions, mode)
	if err != nil {
		return nil, fmt.Errorf("building job set: %w", err)
	}

	tracker := NewRunTracker(runID, mode, len(jobs), log)
	o.mu.Lock()
	o.tracker = tracker
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.tracker = nil
		o.mu.Unlock()
	}()

	if len(jobs) == 0 {
		log.Info().Msg("Nothing to sync")
		return tracker.Finalize(), nil
	}

	log.Info().Int("jobs", len(jobs)).Msg("Run built")

	queue := newTaskQueue(len(jobs))
	gate := newPauseGate()
	tracker.onProcessed = o.pauseHook(log, gate, len(jobs))

	batch := NewBatchAggregator(o.opts.BatchSize, o.store, o.opts.Backoff, tracker, log)
	pool := NewPool(o.opts.Workers, queue, gate, sessions, o.opts.Backoff, o.store, batch, tracker, log)

	for _, job := range jobs {
		queue.push(job)
	}

	o.setState(StateDraining)
	pool.Run(ctx)

	o.setState(StateFinalizing)
	queue.stop()
	// The final partial batch is flushed even when the run was cancelled;
	// its records were already fetched and paid for.
	batch.FlushFinal(context.WithoutCancel(ctx))

	summary := tracker.Finalize()
	o.setState(StateDone)

	log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Run finished")
	if len(summary.FailedIDs) > 0 {
		log.Warn().Strs("failed_instruments", summary.FailedIDs).Msg("Instruments failed this run")
	}

	return summary, nil
}

// pauseHook returns the tracker callback that closes the pause gate at every
// block boundary and schedules its reopening. No pause after the final job.
func (o *Orchestrator) pauseHook(log zerolog.Logger, gate *pauseGate, total int) func(int) {
	if o.opts.PauseBlock <= 0 || o.opts.PauseDuration <= 0 {
		return nil
	}
	return func(processed int) {
		if processed%o.opts.PauseBlock != 0 || processed >= total {
			return
		}
		log.Info().Int("processed", processed).Dur("pause", o.opts.PauseDuration).
			Msg("Block boundary reached, pausing workers")
		gate.pause()
		time.AfterFunc(o.opts.PauseDuration, func() {
			log.Info().Msg("Pause elapsed, resuming workers")
			gate.resume()
		})
	}
}

// buildJobs produces the run's job set for the given mode.
func (o *Orchestrator) buildJobs(ctx context.Context, sessions *SessionManager, mode Mode) ([]*SyncJob, error) {
	existing, err := o.store.ExistingInstruments()
	if err != nil {
		return nil, fmt.Errorf("loading stored instruments: %w", err)
	}

	switch mode {
	case ModeAttributes:
		return o.buildAttributeJobs(ctx, sessions, existing)
	case ModeDailyBars:
		return buildBackfillJobs(existing), nil
	default:
		return nil, fmt.Errorf("unknown mode %d", mode)
	}
}

// buildAttributeJobs fetches the provider's full listing and diffs it against
// the store. Unknown instruments become inserts carrying the listing row;
// known ones become updates carrying the stored snapshot, so workers can diff
// against it without a store read.
func (o *Orchestrator) buildAttributeJobs(ctx context.Context, sessions *SessionManager,
	existing map[string]domain.Instrument) ([]*SyncJob, error) {
	sess := sessions.NewSession()
	defer sessions.Release(context.WithoutCancel(ctx), sess)

	client, err := sessions.Acquire(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("listing session: %w", err)
	}

	listing, err := client.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching instrument listing: %w", err)
	}

	jobs := make([]*SyncJob, 0, len(listing))
	inserts := 0
	for _, row := range listing {
		if stored, ok := existing[row.ID()]; ok {
			jobs = append(jobs, &SyncJob{ID: uuid.NewString(), Op: OpUpdate, Instrument: stored})
		} else {
			jobs = append(jobs, &SyncJob{ID: uuid.NewString(), Op: OpInsert, Instrument: row})
			inserts++
		}
	}

	o.log.Info().Int("listed", len(listing)).Int("new", inserts).
		Int("known", len(jobs)-inserts).Msg("Listing diffed")
	return jobs, nil
}

// buildBackfillJobs produces one daily-bar backfill job per stored instrument.
// The listing is not consulted; bars only make sense for instruments already
// synced.
func buildBackfillJobs(existing map[string]domain.Instrument) []*SyncJob {
	jobs := make([]*SyncJob, 0, len(existing))
	for _, inst := range existing {
		jobs = append(jobs, &SyncJob{ID: uuid.NewString(), Op: OpBackfillDaily, Instrument: inst})
	}
	return jobs
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
