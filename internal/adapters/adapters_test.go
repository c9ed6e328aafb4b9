package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/outbox"
	"github.com/Rajchodisetti/session-trader/internal/portfolio"
)

func endpoint(url string) config.Endpoint {
	return config.Endpoint{
		Kind:               "http",
		BaseURL:            url,
		Token:              "secret",
		TimeoutMs:          2000,
		MaxRetries:         2,
		RateLimitPerMinute: 6000,
		BreakerFailures:    2,
		BreakerCooldownSec: 60,
	}
}

const snapshotJSON = `{
	"generated_at": "2026-10-19T12:00:00Z",
	"global_env_bias": 0.85,
	"macro_reason": "yields falling",
	"signals": [
		{"ticker": "NVDA", "sentiment_score": 0.9, "duration_score": 0.8, "action": "Buy", "reasoning": "guidance raised"},
		{"ticker": "TSM", "sentiment_score": 0.6, "reasoning": "supplier", "source": "shadow_link", "linked_from": "NVDA"}
	],
	"technicals": {"NVDA": {"rsi_14": 58.2, "sma_20": 131.5, "sma_50": 124.9}}
}`

func TestFileSignals_ParsesEnvelopeAndLegacyArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentiment_data.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshotJSON), 0o644))

	snap, macro, err := NewFileSignals(path).Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, macro.EnvBias)
	assert.InDelta(t, 0.85, *macro.EnvBias, 1e-9)
	assert.Equal(t, "yields falling", macro.Reason)
	require.Len(t, snap.Signals, 2)
	assert.True(t, snap.Signals[1].Shadow())
	assert.Equal(t, "guidance raised", snap.Signals[0].Rationale)
	assert.Equal(t, "Buy", snap.Signals[0].Action)
	assert.InDelta(t, 0.8, snap.Signals[0].Duration, 1e-9)
	assert.InDelta(t, 131.5, snap.Technicals["NVDA"].SMA20, 1e-9)

	legacy := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`[{"ticker":"AMD","sentiment_score":0.4}]`), 0o644))
	snap, macro, err = NewFileSignals(legacy).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, macro.EnvBias)
	assert.Len(t, snap.Signals, 1)

	_, _, err = NewFileSignals(filepath.Join(dir, "missing.json")).Snapshot(context.Background())
	assert.Error(t, err)
}

func TestHTTPSignals_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/snapshot", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(snapshotJSON))
	}))
	defer srv.Close()

	snap, macro, err := NewHTTPSignals(NewClient("signals", endpoint(srv.URL))).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Signals, 2)
	assert.InDelta(t, 0.85, *macro.EnvBias, 1e-9)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPBroker_PositionsAndQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/positions":
			_, _ = w.Write([]byte(`{"positions":[{"ticker":"MSFT","quantity":2,"avg_cost":100,"market_value":240}]}`))
		case "/v1/quotes":
			assert.Equal(t, "AAPL,MSFT", r.URL.Query().Get("symbols"))
			_, _ = w.Write([]byte(`{"quotes":{"AAPL":25,"MSFT":120}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewHTTPBroker(NewClient("broker", endpoint(srv.URL)))
	pos, err := b.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "MSFT", pos[0].Ticker)
	assert.InDelta(t, 240, pos[0].MarketValue, 1e-9)

	q, err := b.Quotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAPL": 25, "MSFT": 120}, q)

	q, err = b.Quotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestHTTPOrders_IdempotencyKeyAndConflict(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		var p decision.ExecutionPlan
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		if len(keys) > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	o := NewHTTPOrders(NewClient("orders", endpoint(srv.URL)))
	plan := decision.ExecutionPlan{ID: "plan_abc", Session: "morning_guard"}
	require.NoError(t, o.Submit(context.Background(), plan))
	require.NoError(t, o.Submit(context.Background(), plan))
	assert.Equal(t, []string{"plan_abc", "plan_abc"}, keys)
}

func TestClient_BreakerOpensOnServerErrorsOnly(t *testing.T) {
	var status int32 = http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	ep := endpoint(srv.URL)
	ep.MaxRetries = 0
	b := NewHTTPBroker(NewClient("broker", ep))

	for i := 0; i < 3; i++ {
		_, err := b.Positions(context.Background())
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.Code)
	}
	assert.Equal(t, gobreaker.StateClosed, b.client.State())

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, _ = b.Positions(context.Background())
	}
	assert.Equal(t, gobreaker.StateOpen, b.client.State())
	_, err := b.Positions(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestFactory_BuildsConfiguredAdapters(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().Collaborators
	cfg.Signals.Path = filepath.Join(dir, "sentiment_data.json")
	cfg.Broker.Path = filepath.Join(dir, "portfolio.json")
	cfg.Orders.Path = filepath.Join(dir, "outbox.jsonl")

	c, err := NewFactory(cfg).Build()
	require.NoError(t, err)
	assert.IsType(t, &FileSignals{}, c.Signals)
	assert.IsType(t, &portfolio.Manager{}, c.Broker)
	assert.IsType(t, &outbox.Outbox{}, c.Orders)

	cfg.Orders.Kind = "paper"
	c, err = NewFactory(cfg).Build()
	require.NoError(t, err)
	assert.Same(t, c.Book, c.Orders)
	assert.Same(t, c.Book, c.Broker)

	cfg.Signals.Kind = "ftp"
	_, err = NewFactory(cfg).Build()
	assert.Error(t, err)
}
