package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/provider"
)

// Pool is the fixed-size set of workers draining the task queue. Each worker
// owns one session and runs the fetch-diff-write pipeline per job. The safe
// pool size against this provider is 1-3; larger pools are allowed but lose
// more jobs to decode errors.
type Pool struct {
	workers  int
	queue    *taskQueue
	gate     *pauseGate
	sessions *SessionManager
	backoff  Backoff
	store    Store
	batch    *BatchAggregator
	tracker  *RunTracker
	log      zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(workers int, queue *taskQueue, gate *pauseGate, sessions *SessionManager,
	backoff Backoff, store Store, batch *BatchAggregator, tracker *RunTracker, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:  workers,
		queue:    queue,
		gate:     gate,
		sessions: sessions,
		backoff:  backoff,
		store:    store,
		batch:    batch,
		tracker:  tracker,
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
}

// Run starts the workers and blocks until the queue is drained or ctx is
// cancelled. In-flight jobs finish their current attempt either way.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

// worker drains jobs until the queue closes or the run is cancelled. The
// session is created lazily on the first job and torn down at exit.
func (p *Pool) worker(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	sess := p.sessions.NewSession()
	// Logout must survive run cancellation.
	defer p.sessions.Release(context.WithoutCancel(ctx), sess)

	for {
		if err := p.gate.wait(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue.jobs():
			if !ok {
				return
			}
			if !p.process(ctx, log, sess, job) {
				return
			}
		}
	}
}

// process runs one attempt of one job. It returns false when the run is
// cancelled and the worker should exit; the job's current attempt is never
// interrupted mid-call.
func (p *Pool) process(ctx context.Context, log zerolog.Logger, sess *Session, job *SyncJob) bool {
	// Fixed jitter before every provider call, retry or not, keeps the
	// workers out of lockstep.
	if err := sleep(ctx, p.backoff.Jitter()); err != nil {
		return false
	}

	client, err := p.sessions.Acquire(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Fatal-session: this job fails, the worker moves on and retries
		// login on its next job.
		log.Error().Err(err).Str("instrument", job.Instrument.ID()).Msg("Session acquisition failed")
		p.finish(job, OutcomeFailed)
		return true
	}

	outcome, deferred, err := p.execute(ctx, client, job)
	if err == nil {
		if !deferred {
			p.finish(job, outcome)
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	switch {
	case provider.IsSession(err):
		// Token went stale mid-run. Drop the session and retry the job;
		// the next attempt logs in again.
		p.sessions.Invalidate(sess)
		fallthrough
	case provider.IsTransient(err):
		p.retry(log, job, err)
	default:
		// Fatal-data: no retry can fix a malformed identifier or response.
		log.Error().Err(err).Str("instrument", job.Instrument.ID()).Msg("Sync job failed")
		p.finish(job, OutcomeFailed)
	}
	return true
}

// execute performs the provider query and downstream write for one job. The
// deferred flag means the job was handed to the batch aggregator and its
// outcome will be recorded at flush time, not here.
func (p *Pool) execute(ctx context.Context, client provider.Client, job *SyncJob) (Outcome, bool, error) {
	switch job.Op {
	case OpInsert:
		return p.executeInsert(ctx, client, job)
	case OpUpdate:
		outcome, err := p.executeUpdate(ctx, client, job)
		return outcome, false, err
	case OpBackfillDaily:
		outcome, err := p.executeBackfill(ctx, client, job)
		return outcome, false, err
	default:
		return OutcomeFailed, false, provider.FatalDataf("unknown operation %d", job.Op)
	}
}

// executeInsert fetches the full snapshot for a newly discovered instrument
// and hands it to the batch aggregator. The job's outcome is recorded when
// its batch flushes.
func (p *Pool) executeInsert(ctx context.Context, client provider.Client, job *SyncJob) (Outcome, bool, error) {
	detail, err := client.QueryInstrumentDetail(ctx, job.Instrument.ID())
	if err != nil {
		return OutcomeFailed, false, err
	}

	p.batch.Add(ctx, job, *detail)
	// Handed off: the queue is done with this job even though the tracker
	// will only hear about it at flush time.
	p.queue.done()
	return OutcomeSucceeded, true, nil
}

// executeUpdate fetches the current snapshot, diffs it against the last-known
// one, and upserts only the changed fields.
func (p *Pool) executeUpdate(ctx context.Context, client provider.Client, job *SyncJob) (Outcome, error) {
	detail, err := client.QueryInstrumentDetail(ctx, job.Instrument.ID())
	if err != nil {
		return OutcomeFailed, err
	}

	changed := domain.ChangedFields(job.Instrument, *detail)
	if len(changed) == 0 {
		return OutcomeSkipped, nil
	}

	if err := p.store.UpsertInstrument(job.Instrument.ID(), changed); err != nil {
		// Downstream single-record write failures ride the same retry path
		// as provider hiccups.
		return OutcomeFailed, provider.Transient(err)
	}
	return OutcomeSucceeded, nil
}

// executeBackfill fetches the daily bars missing since the instrument's last
// stored bar (or its listing date) and bulk-writes them.
func (p *Pool) executeBackfill(ctx context.Context, client provider.Client, job *SyncJob) (Outcome, error) {
	last, err := p.store.LatestBarDate(job.Instrument.ID())
	if err != nil {
		return OutcomeFailed, provider.Transient(err)
	}

	start := job.Instrument.ListingDate
	if last != "" {
		t, err := time.Parse("2006-01-02", last)
		if err != nil {
			return OutcomeFailed, provider.FatalDataf("bad stored bar date %q for %s", last, job.Instrument.ID())
		}
		start = t.AddDate(0, 0, 1).Format("2006-01-02")
	}

	today := time.Now().Format("2006-01-02")
	if start == "" || start > today {
		return OutcomeSkipped, nil
	}

	bars, err := client.QueryDailyBars(ctx, job.Instrument.ID(), start, today)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(bars) == 0 {
		return OutcomeSkipped, nil
	}

	if err := p.store.InsertDailyBars(bars); err != nil {
		return OutcomeFailed, provider.Transient(err)
	}
	return OutcomeSucceeded, nil
}

// finish records a terminal outcome reached on the worker path.
func (p *Pool) finish(job *SyncJob, outcome Outcome) {
	p.tracker.Record(job, outcome)
	p.queue.done()
}

// retry requeues a transiently failed job after its backoff delay, or fails
// it once the budget is exhausted.
func (p *Pool) retry(log zerolog.Logger, job *SyncJob, err error) {
	job.Attempts++
	if p.backoff.Exhausted(job.Attempts) {
		log.Error().Err(err).Str("instrument", job.Instrument.ID()).
			Int("attempts", job.Attempts).Msg("Retry budget exhausted")
		p.finish(job, OutcomeFailed)
		return
	}

	delay := p.backoff.Delay(job.Attempts - 1)
	log.Warn().Err(err).Str("instrument", job.Instrument.ID()).
		Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("Transient error, will retry")
	p.queue.requeue(job, delay)
}
