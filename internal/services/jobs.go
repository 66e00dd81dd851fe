package services

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/engine"
)

// ScheduledSync adapts the sync service to the scheduler's Job interface.
// If a run is already active when the schedule fires, the tick is skipped.
type ScheduledSync struct {
	service *SyncService
	mode    engine.Mode
	log     zerolog.Logger
}

// NewScheduledSync creates a scheduled job running the given mode.
func NewScheduledSync(service *SyncService, mode engine.Mode, log zerolog.Logger) *ScheduledSync {
	return &ScheduledSync{
		service: service,
		mode:    mode,
		log:     log.With().Str("component", "scheduled_sync").Str("mode", mode.String()).Logger(),
	}
}

// Name identifies the job in scheduler logs.
func (j *ScheduledSync) Name() string {
	return "sync_" + j.mode.String()
}

// Run kicks off a background sync run and returns immediately.
func (j *ScheduledSync) Run() {
	if err := j.service.TriggerAsync(j.mode); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			j.log.Warn().Msg("Skipping scheduled sync, a run is already active")
			return
		}
		j.log.Error().Err(err).Msg("Scheduled sync failed to start")
	}
}
