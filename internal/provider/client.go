package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/marketsync/internal/domain"
)

const requestTimeout = 30 * time.Second

// HTTPClient talks to the provider's HTTP gateway. One instance per worker;
// the token acquired by Login is held on the instance and is not shared.
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Log      zerolog.Logger
}

// NewHTTPClient creates a logged-out provider client.
func NewHTTPClient(opts Options) *HTTPClient {
	return &HTTPClient{
		baseURL:    opts.BaseURL,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        opts.Log.With().Str("client", "provider").Logger(),
	}
}

// NewFactory returns a Factory producing independent clients that share
// nothing but configuration.
func NewFactory(opts Options) Factory {
	return func() Client {
		return NewHTTPClient(opts)
	}
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// instrumentPayload mirrors the provider's instrument shape.
type instrumentPayload struct {
	Exchange          string  `json:"exchange"`
	StockCode         string  `json:"stockCode"`
	StockName         string  `json:"stockName"`
	Industry          string  `json:"industry"`
	Area              string  `json:"area"`
	ListingDate       string  `json:"listingDate"`
	Price             float64 `json:"price"`
	SharesOutstanding float64 `json:"sharesOutstanding"`
	MarketCap         float64 `json:"marketCap"`
}

func (p instrumentPayload) toDomain() domain.Instrument {
	return domain.Instrument{
		Exchange:          p.Exchange,
		Code:              p.StockCode,
		Name:              p.StockName,
		Industry:          p.Industry,
		Area:              p.Area,
		ListingDate:       p.ListingDate,
		Price:             p.Price,
		SharesOutstanding: p.SharesOutstanding,
		MarketCap:         p.MarketCap,
	}
}

// barPayload mirrors the provider's daily bar shape.
type barPayload struct {
	StockCode string  `json:"stockCode"`
	TradeDate string  `json:"tradeDate"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	PreClose  float64 `json:"preClose"`
	Volume    int64   `json:"volume"`
	Turnover  float64 `json:"turnover"`
}

func (p barPayload) toDomain() domain.DailyBar {
	return domain.DailyBar{
		Code:     p.StockCode,
		Date:     p.TradeDate,
		Open:     p.Open,
		High:     p.High,
		Low:      p.Low,
		Close:    p.Close,
		PreClose: p.PreClose,
		Volume:   p.Volume,
		Turnover: p.Turnover,
	}
}

// Login authenticates and stores the session token on the client.
func (c *HTTPClient) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return FatalData(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/login", bytes.NewReader(body))
	if err != nil {
		return FatalData(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SessionErr(fmt.Errorf("login returned status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return SessionErr(fmt.Errorf("decode login response: %w", err))
	}
	if env.Code != 200 {
		return SessionErr(fmt.Errorf("login rejected: %s", env.Message))
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return SessionErr(fmt.Errorf("login response missing token"))
	}

	c.token = data.Token
	c.log.Debug().Msg("provider login ok")
	return nil
}

// Logout releases the session token.
func (c *HTTPClient) Logout(ctx context.Context) error {
	if c.token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/logout", nil)
	if err != nil {
		return FatalData(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.token = ""
	return nil
}

// ListInstruments returns the provider's full listing.
func (c *HTTPClient) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	data, err := c.get(ctx, "/api/v1/instruments", nil)
	if err != nil {
		return nil, err
	}

	var payload []instrumentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, Transient(fmt.Errorf("decode instrument list: %w", err))
	}

	instruments := make([]domain.Instrument, 0, len(payload))
	for _, p := range payload {
		if p.StockCode == "" || p.Exchange == "" {
			// Rows without an identifier cannot be synced, drop them.
			continue
		}
		instruments = append(instruments, p.toDomain())
	}
	return instruments, nil
}

// QueryInstrumentDetail returns the current snapshot for one instrument.
func (c *HTTPClient) QueryInstrumentDetail(ctx context.Context, code string) (*domain.Instrument, error) {
	if code == "" {
		return nil, FatalDataf("empty instrument code")
	}

	data, err := c.get(ctx, "/api/v1/instruments/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}

	var payload instrumentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, Transient(fmt.Errorf("decode instrument detail: %w", err))
	}
	if payload.StockCode == "" {
		return nil, FatalDataf("detail response for %s has no stockCode", code)
	}

	inst := payload.toDomain()
	return &inst, nil
}

// QueryDailyBars returns daily bars for [startDate, endDate].
func (c *HTTPClient) QueryDailyBars(ctx context.Context, code, startDate, endDate string) ([]domain.DailyBar, error) {
	if code == "" {
		return nil, FatalDataf("empty instrument code")
	}

	params := url.Values{}
	params.Set("start", startDate)
	params.Set("end", endDate)

	data, err := c.get(ctx, "/api/v1/instruments/"+url.PathEscape(code)+"/daily", params)
	if err != nil {
		return nil, err
	}

	var payload []barPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, Transient(fmt.Errorf("decode daily bars: %w", err))
	}

	bars := make([]domain.DailyBar, 0, len(payload))
	for _, p := range payload {
		bars = append(bars, p.toDomain())
	}
	return bars, nil
}

// get performs an authenticated GET and unwraps the response envelope.
func (c *HTTPClient) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, FatalData(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection resets land here.
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, SessionErr(fmt.Errorf("status %d for %s", resp.StatusCode, path))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return nil, FatalDataf("status %d for %s", resp.StatusCode, path)
	case resp.StatusCode >= 500:
		return nil, Transientf("status %d for %s", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, Transientf("unexpected status %d for %s", resp.StatusCode, path)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// The provider truncates responses under load; treat as retryable.
		return nil, Transient(fmt.Errorf("decode response for %s: %w", path, err))
	}

	switch {
	case env.Code == 200:
		return env.Data, nil
	case env.Code >= 400 && env.Code < 500:
		return nil, FatalDataf("provider code %d for %s: %s", env.Code, path, env.Message)
	default:
		return nil, Transientf("provider code %d for %s: %s", env.Code, path, env.Message)
	}
}
