// Package services contains the application services sitting between the
// HTTP/cron surfaces and the engine.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/engine"
	"github.com/quantpulse/marketsync/internal/store"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// SyncService serializes sync runs: at most one run is active at a time,
// whether triggered by the scheduler or the API. Finished runs are persisted
// to the run history.
type SyncService struct {
	orch  *engine.Orchestrator
	store *store.Store
	log   zerolog.Logger

	mu          sync.Mutex
	running     bool
	currentMode engine.Mode
	cancel      context.CancelFunc
	lastSummary *engine.RunSummary
}

// NewSyncService creates the service.
func NewSyncService(orch *engine.Orchestrator, st *store.Store, log zerolog.Logger) *SyncService {
	return &SyncService{
		orch:  orch,
		store: st,
		log:   log.With().Str("component", "sync_service").Logger(),
	}
}

// Run executes one sync run synchronously. Returns ErrRunInProgress if
// another run is active.
func (s *SyncService) Run(ctx context.Context, mode engine.Mode) (*engine.RunSummary, error) {
	runCtx, err := s.begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer s.end()
	return s.execute(runCtx, mode)
}

// TriggerAsync starts a run in the background. Returns ErrRunInProgress
// without starting anything if a run is active. The slot is reserved before
// this returns, so two back-to-back triggers cannot both start.
func (s *SyncService) TriggerAsync(mode engine.Mode) error {
	runCtx, err := s.begin(context.Background(), mode)
	if err != nil {
		return err
	}

	go func() {
		defer s.end()
		if _, err := s.execute(runCtx, mode); err != nil {
			s.log.Error().Err(err).Str("mode", mode.String()).Msg("Background sync run failed")
		}
	}()
	return nil
}

// execute runs the orchestrator and persists the summary. Callers hold the
// run slot.
func (s *SyncService) execute(ctx context.Context, mode engine.Mode) (*engine.RunSummary, error) {
	summary, err := s.orch.Run(ctx, mode)
	if err != nil {
		s.log.Error().Err(err).Str("mode", mode.String()).Msg("Sync run failed to start")
		return nil, err
	}

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()

	if err := s.store.SaveRun(summary); err != nil {
		// The run itself completed; history is best effort.
		s.log.Error().Err(err).Str("run_id", summary.RunID).Msg("Failed to persist run history")
	}
	return summary, nil
}

// Status describes the service for the status endpoint.
type Status struct {
	Running     bool               `json:"running"`
	Mode        string             `json:"mode,omitempty"`
	State       string             `json:"state"`
	Progress    engine.Progress    `json:"progress"`
	LastSummary *engine.RunSummary `json:"last_summary,omitempty"`
}

// Status returns the current run state and progress.
func (s *SyncService) Status() Status {
	s.mu.Lock()
	running := s.running
	mode := s.currentMode
	last := s.lastSummary
	s.mu.Unlock()

	st := Status{
		Running:     running,
		State:       s.orch.State().String(),
		Progress:    s.orch.Progress(),
		LastSummary: last,
	}
	if running {
		st.Mode = mode.String()
	}
	return st
}

// Stop cancels the active run, if any, and waits briefly for it to wind down.
func (s *SyncService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	// In-flight attempts finish on their own; give them a moment before the
	// process exits so logout and the final flush can happen.
	deadline := time.After(30 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			s.log.Warn().Msg("Timed out waiting for sync run to stop")
			return
		case <-tick.C:
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
		}
	}
}

func (s *SyncService) begin(ctx context.Context, mode engine.Mode) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.currentMode = mode
	s.cancel = cancel
	return runCtx, nil
}

func (s *SyncService) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	s.cancel = nil
}
