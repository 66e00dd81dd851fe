package engine

import (
	"context"
	"sync"

	"github.com/quantpulse/marketsync/internal/domain"
	"github.com/quantpulse/marketsync/internal/provider"
)

// fakeStore implements Store with per-method hooks and call recording.
type fakeStore struct {
	mu sync.Mutex

	existing map[string]domain.Instrument

	bulkErr     func(call int) error // nil hook means success
	bulkCalls   int
	bulkBatches [][]domain.Instrument

	upsertErr    func(code string) error
	upserts      map[string]map[string]any
	barDates     map[string]string
	insertedBars [][]domain.DailyBar
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: make(map[string]domain.Instrument),
		upserts:  make(map[string]map[string]any),
		barDates: make(map[string]string),
	}
}

func (s *fakeStore) ExistingInstruments() (map[string]domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Instrument, len(s.existing))
	for k, v := range s.existing {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) UpsertInstrument(code string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		if err := s.upsertErr(code); err != nil {
			return err
		}
	}
	s.upserts[code] = fields
	return nil
}

func (s *fakeStore) BulkInsertInstruments(records []domain.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.bulkErr != nil {
		if err := s.bulkErr(s.bulkCalls); err != nil {
			return err
		}
	}
	batch := make([]domain.Instrument, len(records))
	copy(batch, records)
	s.bulkBatches = append(s.bulkBatches, batch)
	return nil
}

func (s *fakeStore) LatestBarDate(code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barDates[code], nil
}

func (s *fakeStore) InsertDailyBars(bars []domain.DailyBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]domain.DailyBar, len(bars))
	copy(copied, bars)
	s.insertedBars = append(s.insertedBars, copied)
	return nil
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.bulkBatches))
	for i, b := range s.bulkBatches {
		sizes[i] = len(b)
	}
	return sizes
}

// fakeClient implements provider.Client with per-method hooks. The zero value
// succeeds on everything and returns empty results.
type fakeClient struct {
	mu sync.Mutex

	loginErr  func(call int) error
	logins    int
	logouts   int
	listing   []domain.Instrument
	detailErr func(code string, call int) error
	details   map[string]domain.Instrument
	detCalls  map[string]int
	bars      map[string][]domain.DailyBar
	barsErr   func(code string) error

	// concurrent login tracking, shared across clients from one factory
	inFlight    *int
	maxInFlight *int
	trackMu     *sync.Mutex
}

func (c *fakeClient) Login(ctx context.Context) error {
	if c.trackMu != nil {
		c.trackMu.Lock()
		*c.inFlight++
		if *c.inFlight > *c.maxInFlight {
			*c.maxInFlight = *c.inFlight
		}
		c.trackMu.Unlock()
		defer func() {
			c.trackMu.Lock()
			*c.inFlight--
			c.trackMu.Unlock()
		}()
	}

	c.mu.Lock()
	c.logins++
	call := c.logins
	hook := c.loginErr
	c.mu.Unlock()

	if hook != nil {
		return hook(call)
	}
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeClient) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	return c.listing, nil
}

func (c *fakeClient) QueryInstrumentDetail(ctx context.Context, code string) (*domain.Instrument, error) {
	c.mu.Lock()
	if c.detCalls == nil {
		c.detCalls = make(map[string]int)
	}
	c.detCalls[code]++
	call := c.detCalls[code]
	hook := c.detailErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(code, call); err != nil {
			return nil, err
		}
	}
	if detail, ok := c.details[code]; ok {
		return &detail, nil
	}
	return &domain.Instrument{Code: code}, nil
}

func (c *fakeClient) QueryDailyBars(ctx context.Context, code, startDate, endDate string) ([]domain.DailyBar, error) {
	if c.barsErr != nil {
		if err := c.barsErr(code); err != nil {
			return nil, err
		}
	}
	return c.bars[code], nil
}

// fakeProvider builds a factory whose clients share hooks and login tracking.
type fakeProvider struct {
	template fakeClient

	mu          sync.Mutex
	clients     []*fakeClient
	inFlight    int
	maxInFlight int
}

func (p *fakeProvider) factory() provider.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &fakeClient{
		loginErr:    p.template.loginErr,
		listing:     p.template.listing,
		detailErr:   p.template.detailErr,
		details:     p.template.details,
		bars:        p.template.bars,
		barsErr:     p.template.barsErr,
		inFlight:    &p.inFlight,
		maxInFlight: &p.maxInFlight,
		trackMu:     &p.mu,
	}
	p.clients = append(p.clients, c)
	return c
}

func (p *fakeProvider) totalDetailCalls(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.clients {
		c.mu.Lock()
		total += c.detCalls[code]
		c.mu.Unlock()
	}
	return total
}
