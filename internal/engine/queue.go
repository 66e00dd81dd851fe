package engine

import (
	"sync"
	"time"
)

// taskQueue is the closeable queue the worker pool drains. The channel is
// sized to the run's job count, so producers never block: a requeued job
// always fits because it was dequeued first.
//
// Ordering is FIFO for the initial job set; a requeued retry re-enters after
// its delay and is only guaranteed to be eventually redrained.
type taskQueue struct {
	ch chan *SyncJob

	mu      sync.Mutex
	pending int // Jobs not yet handed off to a terminal owner
	closed  bool
	stopped bool
	timers  map[string]*time.Timer // Pending retry requeues by job ID
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &taskQueue{
		ch:     make(chan *SyncJob, capacity),
		timers: make(map[string]*time.Timer),
	}
}

// jobs returns the drain channel. It is closed once every job has reached a
// terminal owner.
func (q *taskQueue) jobs() <-chan *SyncJob {
	return q.ch
}

// push enqueues a new job. Only called while building the run, before the
// pool starts.
func (q *taskQueue) push(job *SyncJob) {
	q.mu.Lock()
	if q.closed || q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending++
	q.mu.Unlock()

	q.ch <- job
}

// done marks one job as terminally owned (outcome recorded, or handed to the
// batch aggregator). When the last pending job is done the channel closes and
// the workers drain out.
func (q *taskQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.doneLocked()
}

func (q *taskQueue) doneLocked() {
	q.pending--
	if q.pending == 0 && !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// requeue re-inserts a job after the given delay. The delay is honored before
// redelivery: the job is invisible to workers until the timer fires.
func (q *taskQueue) requeue(job *SyncJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		// The run is shutting down; abandon the retry so the queue can drain.
		q.doneLocked()
		return
	}

	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		if q.stopped || q.closed {
			q.doneLocked()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		// Outside the lock: the buffered slot freed by this job's dequeue
		// guarantees the send cannot block.
		q.ch <- job
	})
}

// stop abandons pending retries on cancellation. Jobs whose timers had not
// fired are released so the pending count drains; their outcome is simply
// not recorded, which is what a partial-completion summary reflects.
func (q *taskQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true

	for id, t := range q.timers {
		if t.Stop() {
			q.doneLocked()
		}
		delete(q.timers, id)
	}
}
