package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/marketsync/internal/database"
	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	market, err := database.New(database.Config{
		Path:    filepath.Join(dir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	require.NoError(t, err)
	t.Cleanup(func() { market.Close() })

	runs, err := database.New(database.Config{
		Path:    filepath.Join(dir, "runs.db"),
		Profile: database.ProfileCache,
		Name:    "runs",
	})
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	st := New(market, runs, zerolog.Nop())
	require.NoError(t, st.Init())
	return st
}

func TestBulkInsertAndReadBack(t *testing.T) {
	st := newTestStore(t)

	records := []domain.Instrument{
		{Code: "000001.SZ", Exchange: "SZSE", Name: "Ping An Bank", Price: 10.5},
		{Code: "600000.SH", Exchange: "SSE", Name: "SPDB", Price: 7.2},
	}
	require.NoError(t, st.BulkInsertInstruments(records))

	existing, err := st.ExistingInstruments()
	require.NoError(t, err)
	require.Len(t, existing, 2)
	assert.Equal(t, "Ping An Bank", existing["000001.SZ"].Name)
	assert.Equal(t, 7.2, existing["600000.SH"].Price)

	count, err := st.InstrumentCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBulkInsertReplacesExistingRows(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.BulkInsertInstruments([]domain.Instrument{
		{Code: "000001.SZ", Name: "Old Name"},
	}))
	require.NoError(t, st.BulkInsertInstruments([]domain.Instrument{
		{Code: "000001.SZ", Name: "New Name"},
	}))

	existing, err := st.ExistingInstruments()
	require.NoError(t, err)
	require.Len(t, existing, 1)
	assert.Equal(t, "New Name", existing["000001.SZ"].Name)
}

func TestBulkInsertChunksLargeBatches(t *testing.T) {
	st := newTestStore(t)

	records := make([]domain.Instrument, 0, insertChunk*2+7)
	for i := 0; i < cap(records); i++ {
		records = append(records, domain.Instrument{Code: fmt.Sprintf("T%04d.SZ", i)})
	}
	require.NoError(t, st.BulkInsertInstruments(records))

	count, err := st.InstrumentCount()
	require.NoError(t, err)
	assert.Equal(t, len(records), count)
}

func TestUpsertWritesOnlyChangedColumns(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.BulkInsertInstruments([]domain.Instrument{
		{Code: "000001.SZ", Name: "Ping An Bank", Industry: "Banking", Price: 10},
	}))

	require.NoError(t, st.UpsertInstrument("000001.SZ", map[string]any{
		"price":      11.5,
		"market_cap": 2.2e12,
	}))

	existing, err := st.ExistingInstruments()
	require.NoError(t, err)
	inst := existing["000001.SZ"]
	assert.Equal(t, 11.5, inst.Price)
	assert.Equal(t, 2.2e12, inst.MarketCap)
	assert.Equal(t, "Ping An Bank", inst.Name)
	assert.Equal(t, "Banking", inst.Industry)
}

func TestUpsertRejectsUnknownColumn(t *testing.T) {
	st := newTestStore(t)
	err := st.UpsertInstrument("000001.SZ", map[string]any{"evil; DROP TABLE": 1})
	assert.Error(t, err)
}

func TestUpsertMissingInstrumentFails(t *testing.T) {
	st := newTestStore(t)
	err := st.UpsertInstrument("ghost.SZ", map[string]any{"price": 1.0})
	assert.Error(t, err)
}

func TestDailyBars(t *testing.T) {
	st := newTestStore(t)

	t.Run("latest date is empty without bars", func(t *testing.T) {
		date, err := st.LatestBarDate("000001.SZ")
		require.NoError(t, err)
		assert.Empty(t, date)
	})

	t.Run("insert and read back newest date", func(t *testing.T) {
		require.NoError(t, st.InsertDailyBars([]domain.DailyBar{
			{Code: "000001.SZ", Date: "2026-08-21", Close: 10},
			{Code: "000001.SZ", Date: "2026-08-24", Close: 11},
			{Code: "600000.SH", Date: "2026-08-25", Close: 7},
		}))

		date, err := st.LatestBarDate("000001.SZ")
		require.NoError(t, err)
		assert.Equal(t, "2026-08-24", date)
	})

	t.Run("reinserting a date replaces the row", func(t *testing.T) {
		require.NoError(t, st.InsertDailyBars([]domain.DailyBar{
			{Code: "000001.SZ", Date: "2026-08-24", Close: 12},
		}))
		date, err := st.LatestBarDate("000001.SZ")
		require.NoError(t, err)
		assert.Equal(t, "2026-08-24", date)
	})
}

func TestRunHistoryRoundTrip(t *testing.T) {
	st := newTestStore(t)

	started := time.Now().Add(-time.Minute)
	summary := &engine.RunSummary{
		RunID:      "run-abc",
		Mode:       engine.ModeAttributes,
		Total:      100,
		Processed:  100,
		Succeeded:  90,
		Skipped:    7,
		Failed:     3,
		FailedIDs:  []string{"a.SZ", "b.SZ", "c.SH"},
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	require.NoError(t, st.SaveRun(summary))

	records, err := st.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "run-abc", rec.RunID)
	assert.Equal(t, "attributes", rec.Mode)
	assert.Equal(t, 90, rec.Succeeded)
	assert.Equal(t, []string{"a.SZ", "b.SZ", "c.SH"}, rec.FailedIDs)
}

func TestListRunsNewestFirst(t *testing.T) {
	st := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.SaveRun(&engine.RunSummary{
			RunID:      "run-" + string(rune('a'+i)),
			Mode:       engine.ModeDailyBars,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}))
	}

	records, err := st.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-c", records[0].RunID)
	assert.Equal(t, "run-b", records[1].RunID)
}
