package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/marketsync/internal/database"
	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/engine"
	"github.com/quantpulse/marketsync/internal/provider"
	"github.com/quantpulse/marketsync/internal/store"
)

// stubClient is a provider client whose listing call can be slowed down to
// keep a run alive while the test pokes at the service.
type stubClient struct {
	listDelay time.Duration
	listing   []domain.Instrument
}

func (c *stubClient) Login(ctx context.Context) error  { return nil }
func (c *stubClient) Logout(ctx context.Context) error { return nil }

func (c *stubClient) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	if c.listDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.listDelay):
		}
	}
	return c.listing, nil
}

func (c *stubClient) QueryInstrumentDetail(ctx context.Context, code string) (*domain.Instrument, error) {
	return &domain.Instrument{Code: code, Price: 1}, nil
}

func (c *stubClient) QueryDailyBars(ctx context.Context, code, startDate, endDate string) ([]domain.DailyBar, error) {
	return nil, nil
}

func newTestService(t *testing.T, client *stubClient) (*SyncService, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	market, err := database.New(database.Config{Path: filepath.Join(dir, "market.db"), Name: "market"})
	require.NoError(t, err)
	t.Cleanup(func() { market.Close() })
	runs, err := database.New(database.Config{Path: filepath.Join(dir, "runs.db"), Profile: database.ProfileCache, Name: "runs"})
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	st := store.New(market, runs, zerolog.Nop())
	require.NoError(t, st.Init())

	orch := engine.NewOrchestrator(st, func() provider.Client { return client }, engine.Options{
		Workers:   1,
		BatchSize: 1000,
		Backoff:   engine.Backoff{Base: time.Millisecond, MaxAttempts: 3},
	}, zerolog.Nop())

	return NewSyncService(orch, st, zerolog.Nop()), st
}

func TestRunPersistsSummary(t *testing.T) {
	svc, st := newTestService(t, &stubClient{
		listing: []domain.Instrument{{Code: "000001.SZ", Exchange: "SZSE"}},
	})

	summary, err := svc.Run(context.Background(), engine.ModeAttributes)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	records, err := st.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, summary.RunID, records[0].RunID)
}

func TestOverlappingRunsAreRejected(t *testing.T) {
	svc, _ := newTestService(t, &stubClient{listDelay: 2 * time.Second})

	require.NoError(t, svc.TriggerAsync(engine.ModeAttributes))
	assert.ErrorIs(t, svc.TriggerAsync(engine.ModeAttributes), ErrRunInProgress)
	assert.ErrorIs(t, svc.TriggerAsync(engine.ModeDailyBars), ErrRunInProgress)

	_, err := svc.Run(context.Background(), engine.ModeAttributes)
	assert.ErrorIs(t, err, ErrRunInProgress)

	svc.Stop()
}

func TestConcurrentTriggersStartExactlyOneRun(t *testing.T) {
	svc, _ := newTestService(t, &stubClient{listDelay: time.Second})

	const callers = 8
	var wg sync.WaitGroup
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.TriggerAsync(engine.ModeAttributes); err == nil {
				started <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(started)

	assert.Equal(t, 1, len(started))
	svc.Stop()
}

func TestStatusReflectsRunState(t *testing.T) {
	svc, _ := newTestService(t, &stubClient{
		listing: []domain.Instrument{{Code: "000001.SZ", Exchange: "SZSE"}},
	})

	st := svc.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastSummary)

	_, err := svc.Run(context.Background(), engine.ModeAttributes)
	require.NoError(t, err)

	st = svc.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastSummary)
	assert.Equal(t, 1, st.LastSummary.Succeeded)
}

func TestStopWithoutActiveRunIsNoop(t *testing.T) {
	svc, _ := newTestService(t, &stubClient{})
	svc.Stop()
}
