package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantpulse/marketsync/internal/engine"
	"github.com/quantpulse/marketsync/internal/services"
	"github.com/quantpulse/marketsync/internal/store"
)

// Handlers implements the API endpoints.
type Handlers struct {
	log         zerolog.Logger
	syncService *services.SyncService
	store       *store.Store
	startupTime time.Time
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(log zerolog.Logger, syncService *services.SyncService, st *store.Store) *Handlers {
	return &Handlers{
		log:         log.With().Str("component", "handlers").Logger(),
		syncService: syncService,
		store:       st,
		startupTime: time.Now(),
	}
}

// Health responds to liveness probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startupTime).Round(time.Second).String(),
	})
}

// SystemStatus reports host resource usage and store counts.
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	count, err := h.store.InstrumentCount()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count instruments")
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"cpu_percent": cpuPercent,
		"ram_percent": ramPercent,
		"instruments": count,
		"uptime":      time.Since(h.startupTime).Round(time.Second).String(),
	})
}

// TriggerSync starts a background sync run. The mode query parameter selects
// "attributes" (default) or "daily_bars".
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var mode engine.Mode
	switch r.URL.Query().Get("mode") {
	case "", "attributes":
		mode = engine.ModeAttributes
	case "daily_bars":
		mode = engine.ModeDailyBars
	default:
		h.respondError(w, http.StatusBadRequest, "unknown mode")
		return
	}

	if err := h.syncService.TriggerAsync(mode); err != nil {
		if errors.Is(err, services.ErrRunInProgress) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"started": true,
		"mode":    mode.String(),
	})
}

// SyncStatus reports the current run state, progress and last summary.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.syncService.Status())
}

// ListRuns returns recent run history, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListRuns(20)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if records == nil {
		records = []store.RunRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

// getSystemStats samples CPU and RAM usage.
func (h *Handlers) getSystemStats() (float64, float64) {
	var cpuAvg float64
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to sample memory usage")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}
