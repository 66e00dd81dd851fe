// Package store implements sqlite persistence for instruments, daily bars
// and run history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantpulse/marketsync/internal/database"
	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/engine"
)

// insertChunk caps the number of rows per multi-row INSERT so statements stay
// well under sqlite's bound-parameter limit.
const insertChunk = 100

// Store persists market data in two databases: the durable market store
// (instruments, daily bars) and the relaxed-durability runs store (history).
type Store struct {
	market *database.DB
	runs   *database.DB
	log    zerolog.Logger
}

// New creates a store over the two databases.
func New(market, runs *database.DB, log zerolog.Logger) *Store {
	return &Store{
		market: market,
		runs:   runs,
		log:    log.With().Str("component", "store").Logger(),
	}
}

// Init creates the schema if it does not exist.
func (s *Store) Init() error {
	marketSchema := `
	CREATE TABLE IF NOT EXISTS instruments (
		code               TEXT PRIMARY KEY,
		exchange           TEXT NOT NULL DEFAULT '',
		name               TEXT NOT NULL DEFAULT '',
		industry           TEXT NOT NULL DEFAULT '',
		area               TEXT NOT NULL DEFAULT '',
		listing_date       TEXT NOT NULL DEFAULT '',
		price              REAL NOT NULL DEFAULT 0,
		shares_outstanding REAL NOT NULL DEFAULT 0,
		market_cap         REAL NOT NULL DEFAULT 0,
		updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_instruments_exchange ON instruments(exchange);

	CREATE TABLE IF NOT EXISTS daily_bars (
		code     TEXT NOT NULL,
		date     TEXT NOT NULL,
		open     REAL NOT NULL DEFAULT 0,
		high     REAL NOT NULL DEFAULT 0,
		low      REAL NOT NULL DEFAULT 0,
		close    REAL NOT NULL DEFAULT 0,
		preclose REAL NOT NULL DEFAULT 0,
		volume   INTEGER NOT NULL DEFAULT 0,
		turnover REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (code, date)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_bars_date ON daily_bars(date);
	`
	if _, err := s.market.Conn().Exec(marketSchema); err != nil {
		return fmt.Errorf("failed to initialize market schema: %w", err)
	}

	runsSchema := `
	CREATE TABLE IF NOT EXISTS sync_runs (
		run_id      TEXT PRIMARY KEY,
		mode        TEXT NOT NULL,
		total       INTEGER NOT NULL,
		processed   INTEGER NOT NULL,
		succeeded   INTEGER NOT NULL,
		skipped     INTEGER NOT NULL,
		failed      INTEGER NOT NULL,
		failed_ids  BLOB,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);
	`
	if _, err := s.runs.Conn().Exec(runsSchema); err != nil {
		return fmt.Errorf("failed to initialize runs schema: %w", err)
	}

	s.log.Info().Str("market", s.market.Path()).Str("runs", s.runs.Path()).Msg("Store initialized")
	return nil
}

// ExistingInstruments returns the last-known snapshot of every stored
// instrument, keyed by code.
func (s *Store) ExistingInstruments() (map[string]domain.Instrument, error) {
	rows, err := s.market.Conn().Query(`
		SELECT code, exchange, name, industry, area, listing_date,
		       price, shares_outstanding, market_cap, updated_at
		FROM instruments`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]domain.Instrument)
	for rows.Next() {
		var inst domain.Instrument
		if err := rows.Scan(&inst.Code, &inst.Exchange, &inst.Name, &inst.Industry,
			&inst.Area, &inst.ListingDate, &inst.Price, &inst.SharesOutstanding,
			&inst.MarketCap, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument row: %w", err)
		}
		existing[inst.Code] = inst
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instruments: %w", err)
	}
	return existing, nil
}

// allowed UpsertInstrument columns. Anything else is a programming error.
var updatableColumns = map[string]bool{
	"name":               true,
	"industry":           true,
	"area":               true,
	"listing_date":       true,
	"price":              true,
	"shares_outstanding": true,
	"market_cap":         true,
}

// UpsertInstrument writes the changed fields of one known instrument.
func (s *Store) UpsertInstrument(code string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	// Deterministic column order for the statement text
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("refusing to update unknown column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		args = append(args, fields[col])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, code)

	query := "UPDATE instruments SET " + strings.Join(sets, ", ") + " WHERE code = ?"
	res, err := s.market.Conn().Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update instrument %s: %w", code, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("instrument %s not found for update", code)
	}
	return nil
}

// BulkInsertInstruments writes a batch of first-time records in one
// transaction. Re-inserting an existing code replaces the row, so a re-run
// over a half-written batch converges.
func (s *Store) BulkInsertInstruments(records []domain.Instrument) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.market.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for start := 0; start < len(records); start += insertChunk {
		end := start + insertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*10)
		for _, r := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, r.Code, r.Exchange, r.Name, r.Industry, r.Area,
				r.ListingDate, r.Price, r.SharesOutstanding, r.MarketCap, now)
		}

		query := `INSERT OR REPLACE INTO instruments
			(code, exchange, name, industry, area, listing_date,
			 price, shares_outstanding, market_cap, updated_at)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert instruments: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instrument batch: %w", err)
	}
	return nil
}

// LatestBarDate returns the newest stored daily bar date for an instrument,
// or "" when it has none.
func (s *Store) LatestBarDate(code string) (string, error) {
	var date string
	err := s.market.Conn().QueryRow(
		`SELECT date FROM daily_bars WHERE code = ? ORDER BY date DESC LIMIT 1`, code).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest bar date for %s: %w", code, err)
	}
	return date, nil
}

// InsertDailyBars writes a range of daily bars in one transaction. Existing
// (code, date) rows are replaced.
func (s *Store) InsertDailyBars(bars []domain.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.market.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin bar transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(bars); start += insertChunk {
		end := start + insertChunk
		if end > len(bars) {
			end = len(bars)
		}
		chunk := bars[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*9)
		for _, b := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, b.Code, b.Date, b.Open, b.High, b.Low, b.Close,
				b.PreClose, b.Volume, b.Turnover)
		}

		query := `INSERT OR REPLACE INTO daily_bars
			(code, date, open, high, low, close, preclose, volume, turnover)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to insert daily bars: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bar batch: %w", err)
	}
	return nil
}

// InstrumentCount returns the number of stored instruments.
func (s *Store) InstrumentCount() (int, error) {
	var count int
	if err := s.market.Conn().QueryRow(`SELECT COUNT(*) FROM instruments`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count instruments: %w", err)
	}
	return count, nil
}

// SaveRun persists a finished run's summary. The failed instrument list is
// stored as a msgpack blob; it is read back only for display.
func (s *Store) SaveRun(summary *engine.RunSummary) error {
	var blob []byte
	if len(summary.FailedIDs) > 0 {
		var err error
		blob, err = msgpack.Marshal(summary.FailedIDs)
		if err != nil {
			return fmt.Errorf("failed to encode failed instrument list: %w", err)
		}
	}

	_, err := s.runs.Conn().Exec(`
		INSERT OR REPLACE INTO sync_runs
			(run_id, mode, total, processed, succeeded, skipped, failed,
			 failed_ids, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.RunID, summary.Mode.String(), summary.Total, summary.Processed,
		summary.Succeeded, summary.Skipped, summary.Failed, blob,
		summary.StartedAt.UTC(), summary.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", summary.RunID, err)
	}
	return nil
}

// RunRecord is one stored run, decoded for display.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	FailedIDs  []string  `json:"failed_ids,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.runs.Conn().Query(`
		SELECT run_id, mode, total, processed, succeeded, skipped, failed,
		       failed_ids, started_at, finished_at
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var blob []byte
		if err := rows.Scan(&rec.RunID, &rec.Mode, &rec.Total, &rec.Processed,
			&rec.Succeeded, &rec.Skipped, &rec.Failed, &blob,
			&rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if len(blob) > 0 {
			if err := msgpack.Unmarshal(blob, &rec.FailedIDs); err != nil {
				s.log.Warn().Err(err).Str("run_id", rec.RunID).Msg("Corrupt failed-instrument blob")
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return records, nil
}
