// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the sqlite databases (always absolute)
	Port             int
	DevMode          bool
	LogLevel         string
	ProviderBaseURL  string
	ProviderUsername string
	ProviderPassword string
	Sync             SyncConfig
	Schedule         ScheduleConfig
}

// SyncConfig holds the tuning parameters of the synchronization engine.
// The defaults match what the provider tolerates in practice; worker counts
// above 3 are allowed but degrade the success rate sharply.
type SyncConfig struct {
	MaxWorkers      int
	BatchSize       int
	BatchPauseBlock int           // Jobs processed before a global pause
	BatchPause      time.Duration // Duration of the global pause
	ItemDelayMin    time.Duration // Lower jitter bound applied before every provider call
	ItemDelayMax    time.Duration // Upper jitter bound
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// ScheduleConfig holds the cron cadence for the recurring sync run.
type ScheduleConfig struct {
	Hour      int
	Minute    int
	DayOfWeek string // Cron day-of-week field, "*" for daily
}

// CronSpec renders the schedule as a robfig/cron expression.
func (s ScheduleConfig) CronSpec() string {
	return fmt.Sprintf("%d %d * * %s", s.Minute, s.Hour, s.DayOfWeek)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	itemDelayMin, itemDelayMax, err := parseDelayRange(getEnv("ITEM_DELAY_SECONDS", "0.2-0.5"))
	if err != nil {
		return nil, fmt.Errorf("invalid ITEM_DELAY_SECONDS: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("GO_PORT", 8001),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", "http://localhost:9010"),
		ProviderUsername: getEnv("PROVIDER_USERNAME", ""),
		ProviderPassword: getEnv("PROVIDER_PASSWORD", ""),
		Sync: SyncConfig{
			MaxWorkers:      getEnvAsInt("MAX_WORKERS", 2),
			BatchSize:       getEnvAsInt("BATCH_SIZE", 1000),
			BatchPauseBlock: getEnvAsInt("BATCH_PAUSE_BLOCK", 100),
			BatchPause:      time.Duration(getEnvAsInt("BATCH_PAUSE_SECONDS", 300)) * time.Second,
			ItemDelayMin:    itemDelayMin,
			ItemDelayMax:    itemDelayMax,
			MaxRetries:      getEnvAsInt("MAX_RETRIES", 5),
			RetryBaseDelay:  time.Duration(getEnvAsInt("RETRY_BASE_DELAY_SECONDS", 2)) * time.Second,
		},
		Schedule: ScheduleConfig{
			Hour:      getEnvAsInt("SCHEDULE_HOUR", 0),
			Minute:    getEnvAsInt("SCHEDULE_MINUTE", 0),
			DayOfWeek: getEnv("SCHEDULE_DAY_OF_WEEK", "*"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be at least 1, got %d", c.Sync.MaxWorkers)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.ItemDelayMax < c.Sync.ItemDelayMin {
		return fmt.Errorf("ITEM_DELAY_SECONDS upper bound %s is below lower bound %s",
			c.Sync.ItemDelayMax, c.Sync.ItemDelayMin)
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("SCHEDULE_HOUR must be 0-23, got %d", c.Schedule.Hour)
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		return fmt.Errorf("SCHEDULE_MINUTE must be 0-59, got %d", c.Schedule.Minute)
	}
	return nil
}

// parseDelayRange parses a "min-max" seconds range such as "0.2-0.5".
// A single value such as "0.3" yields identical bounds.
func parseDelayRange(s string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad lower bound %q: %w", parts[0], err)
	}

	max := min
	if len(parts) == 2 {
		max, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad upper bound %q: %w", parts[1], err)
		}
	}

	if min < 0 || max < 0 {
		return 0, 0, fmt.Errorf("bounds must be non-negative, got %q", s)
	}

	toDur := func(sec float64) time.Duration {
		return time.Duration(sec * float64(time.Second))
	}
	return toDur(min), toDur(max), nil
}

// getEnv retrieves an environment variable value with a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer with a fallback
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean with a fallback
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
