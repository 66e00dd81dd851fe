// Command syncd runs the market data synchronization daemon: scheduled and
// on-demand sync runs against the provider, persisted to sqlite, with a small
// HTTP API for control and monitoring.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantpulse/marketsync/internal/config"
	"github.com/quantpulse/marketsync/internal/database"
	"github.com/quantpulse/marketsync/internal/engine"
	"github.com/quantpulse/marketsync/internal/provider"
	"github.com/quantpulse/marketsync/internal/scheduler"
	"github.com/quantpulse/marketsync/internal/server"
	"github.com/quantpulse/marketsync/internal/services"
	"github.com/quantpulse/marketsync/internal/store"
	"github.com/quantpulse/marketsync/pkg/logger"
)

// dailyBarSchedule fires after the market close, when the provider has the
// day's bars ready.
const dailyBarSchedule = "0 16 * * 1-5"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting syncd")

	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer marketDB.Close()

	runsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "runs.db"),
		Profile: database.ProfileCache,
		Name:    "runs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open runs database")
	}
	defer runsDB.Close()

	st := store.New(marketDB, runsDB, log)
	if err := st.Init(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	factory := provider.NewFactory(provider.Options{
		BaseURL:  cfg.ProviderBaseURL,
		Username: cfg.ProviderUsername,
		Password: cfg.ProviderPassword,
		Log:      log,
	})

	orch := engine.NewOrchestrator(st, factory, engine.Options{
		Workers:       cfg.Sync.MaxWorkers,
		BatchSize:     cfg.Sync.BatchSize,
		PauseBlock:    cfg.Sync.BatchPauseBlock,
		PauseDuration: cfg.Sync.BatchPause,
		Backoff: engine.Backoff{
			Base:        cfg.Sync.RetryBaseDelay,
			MaxAttempts: cfg.Sync.MaxRetries,
			JitterMin:   cfg.Sync.ItemDelayMin,
			JitterMax:   cfg.Sync.ItemDelayMax,
		},
	}, log)

	syncService := services.NewSyncService(orch, st, log)

	sched := scheduler.New(log)
	attrJob := services.NewScheduledSync(syncService, engine.ModeAttributes, log)
	if err := sched.AddJob(cfg.Schedule.CronSpec(), attrJob); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Schedule.CronSpec()).Msg("Failed to schedule attribute sync")
	}
	barsJob := services.NewScheduledSync(syncService, engine.ModeDailyBars, log)
	if err := sched.AddJob(dailyBarSchedule, barsJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule daily bar sync")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		SyncService: syncService,
		Store:       st,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	sched.Stop()
	syncService.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Goodbye")
}
