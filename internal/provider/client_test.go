package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Options{
		BaseURL:  srv.URL,
		Username: "user",
		Password: "pass",
		Log:      zerolog.Nop(),
	})
}

func envelopeBody(code int, message string, data any) []byte {
	raw, _ := json.Marshal(data)
	body, _ := json.Marshal(map[string]any{
		"code":    code,
		"message": message,
		"data":    json.RawMessage(raw),
	})
	return body
}

func TestLoginStoresToken(t *testing.T) {
	var gotCreds map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/login", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCreds))
		w.Write(envelopeBody(200, "", map[string]string{"token": "tok-123"}))
	})

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "tok-123", c.token)
	assert.Equal(t, map[string]string{"username": "user", "password": "pass"}, gotCreds)
}

func TestLoginRejectionIsSessionError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelopeBody(401, "bad credentials", nil))
	})

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.True(t, IsSession(err))
}

func TestQueryDetailSendsTokenAndDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/login":
			w.Write(envelopeBody(200, "", map[string]string{"token": "tok"}))
		case "/api/v1/instruments/000001.SZ":
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Write(envelopeBody(200, "", map[string]any{
				"exchange":  "SZSE",
				"stockCode": "000001.SZ",
				"stockName": "Ping An Bank",
				"price":     10.5,
			}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	inst, err := c.QueryInstrumentDetail(ctx, "000001.SZ")
	require.NoError(t, err)
	assert.Equal(t, "000001.SZ", inst.Code)
	assert.Equal(t, "Ping An Bank", inst.Name)
	assert.Equal(t, 10.5, inst.Price)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"401 is a session error", http.StatusUnauthorized, IsSession},
		{"403 is a session error", http.StatusForbidden, IsSession},
		{"404 is fatal data", http.StatusNotFound, IsFatalData},
		{"400 is fatal data", http.StatusBadRequest, IsFatalData},
		{"500 is transient", http.StatusInternalServerError, IsTransient},
		{"502 is transient", http.StatusBadGateway, IsTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.QueryInstrumentDetail(context.Background(), "000001.SZ")
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestTruncatedResponseIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"mess`))
	})

	_, err := c.QueryInstrumentDetail(context.Background(), "000001.SZ")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestEnvelopeCodeClassification(t *testing.T) {
	t.Run("4xx envelope code is fatal data", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(envelopeBody(404, "no such instrument", nil))
		})
		_, err := c.QueryInstrumentDetail(context.Background(), "nope.SZ")
		require.Error(t, err)
		assert.True(t, IsFatalData(err))
	})

	t.Run("5xx envelope code is transient", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(envelopeBody(500, "internal", nil))
		})
		_, err := c.QueryInstrumentDetail(context.Background(), "000001.SZ")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestListInstrumentsDropsRowsWithoutIdentifier(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelopeBody(200, "", []map[string]any{
			{"exchange": "SZSE", "stockCode": "000001.SZ"},
			{"exchange": "", "stockCode": "000002.SZ"},
			{"exchange": "SSE", "stockCode": ""},
		}))
	})

	instruments, err := c.ListInstruments(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "000001.SZ", instruments[0].Code)
}

func TestConnectionFailureIsTransient(t *testing.T) {
	c := NewHTTPClient(Options{BaseURL: "http://127.0.0.1:1", Log: zerolog.Nop()})
	_, err := c.QueryInstrumentDetail(context.Background(), "000001.SZ")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestEmptyCodeIsFatalData(t *testing.T) {
	c := NewHTTPClient(Options{BaseURL: "http://127.0.0.1:1", Log: zerolog.Nop()})

	_, err := c.QueryInstrumentDetail(context.Background(), "")
	assert.True(t, IsFatalData(err))

	_, err = c.QueryDailyBars(context.Background(), "", "2026-01-01", "2026-01-31")
	assert.True(t, IsFatalData(err))
}
