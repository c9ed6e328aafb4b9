package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/session-trader/internal/heartbeat"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/persistence/postgres"
	"github.com/Rajchodisetti/session-trader/internal/scheduler"
)

type fixedState struct{ st scheduler.State }

func (f fixedState) Snapshot() scheduler.State { return f.st }

type fakeHistory struct {
	rows  []postgres.PlanRow
	err   error
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]postgres.PlanRow, error) {
	f.limit = limit
	return f.rows, f.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_ReflectsHeartbeatAge(t *testing.T) {
	now := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
	clock := now
	hb := heartbeat.New(nil, func() time.Time { return clock })
	s := NewServer(Options{Heartbeat: hb, MaxAge: 300 * time.Second})

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, hb.Record(context.Background(), now))
	clock = now.Add(time.Minute)
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var reply healthReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Healthy)
	assert.InDelta(t, 60, reply.AgeSeconds, 0.001)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	clock = now.Add(10 * time.Minute)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/healthz").Code)
}

func TestState_Metrics_Plans(t *testing.T) {
	m := observ.NewMetrics()
	m.SessionsTotal.WithLabelValues("morning_guard", "fired").Inc()
	hist := &fakeHistory{rows: []postgres.PlanRow{{ID: "plan_a", Mode: "NORMAL"}}}
	s := NewServer(Options{
		Heartbeat: heartbeat.New(nil, nil),
		MaxAge:    time.Minute,
		State:     fixedState{st: scheduler.State{Date: "2026-10-19", Phase: scheduler.PendingClose}},
		Metrics:   m,
		History:   hist,
	})

	rec := get(t, s.Handler(), "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, scheduler.PendingClose, st.Phase)

	rec = get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `trader_sessions_total{outcome="fired",session="morning_guard"} 1`)

	rec = get(t, s.Handler(), "/plans?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, hist.limit)
	assert.Contains(t, rec.Body.String(), "plan_a")

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/plans?limit=0").Code)
	hist.err = errors.New("pg down")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/plans").Code)
}

func TestOptionalRoutesAbsent(t *testing.T) {
	s := NewServer(Options{Heartbeat: heartbeat.New(nil, nil), MaxAge: time.Minute})
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/state").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/plans").Code)
}
