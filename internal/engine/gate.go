package engine

import (
	"context"
	"sync"
)

// pauseGate blocks all workers collectively between processing blocks. It is
// open by default; the orchestrator pauses it after every configured block of
// processed jobs to relieve sustained pressure on the provider.
type pauseGate struct {
	mu   sync.Mutex
	open chan struct{} // Closed channel = gate open
}

func newPauseGate() *pauseGate {
	open := make(chan struct{})
	close(open)
	return &pauseGate{open: open}
}

// wait blocks until the gate is open or ctx is cancelled.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-open:
		return nil
	}
}

// pause closes the gate. Idempotent.
func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
		// Already paused
	}
}

// resume opens the gate. Idempotent.
func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
		// Already open
	default:
		close(g.open)
	}
}
