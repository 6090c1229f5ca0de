package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type flakyChecker struct {
	fail atomic.Bool
}

func (f *flakyChecker) HealthCheck(ctx context.Context) error {
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func newTestMonitor() *Monitor {
	return NewMonitor(MonitorConfig{
		CheckInterval:    time.Hour,
		CheckTimeout:     time.Second,
		FailureThreshold: 2,
	}, nil)
}

func TestMonitorFailureThreshold(t *testing.T) {
	m := newTestMonitor()
	db := &flakyChecker{}
	m.Register("storage", db, true)

	m.CheckNow()
	h, ok := m.GetHealth("storage")
	require.True(t, ok)
	assert.Equal(t, Healthy, h.Status)
	assert.False(t, h.LastHealthyTime.IsZero())

	db.fail.Store(true)
	m.CheckNow()
	h, _ = m.GetHealth("storage")
	assert.Equal(t, Healthy, h.Status, "one failure stays below the threshold")
	assert.Equal(t, 1, h.FailureCount)
	assert.Equal(t, "connection refused", h.ErrorMessage)

	m.CheckNow()
	h, _ = m.GetHealth("storage")
	assert.Equal(t, Unhealthy, h.Status)
	assert.False(t, m.IsHealthy())

	db.fail.Store(false)
	m.CheckNow()
	h, _ = m.GetHealth("storage")
	assert.Equal(t, Healthy, h.Status)
	assert.Zero(t, h.FailureCount)
	assert.True(t, m.IsHealthy())
}

func TestMonitorNonCriticalDoesNotFailService(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1}, nil)
	m.Register("geocache", CheckerFunc(func(context.Context) error {
		return errors.New("down")
	}), false)

	m.CheckNow()
	h, _ := m.GetHealth("geocache")
	assert.Equal(t, Unhealthy, h.Status)
	assert.True(t, m.IsHealthy())
}

func TestMonitorOnChange(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1}, nil)
	c := &flakyChecker{}
	m.Register("ratelimit", c, true)

	var changes []HealthStatus
	m.OnChange(func(name string, s HealthStatus) {
		assert.Equal(t, "ratelimit", name)
		changes = append(changes, s)
	})

	m.CheckNow()
	m.CheckNow()
	c.fail.Store(true)
	m.CheckNow()

	assert.Equal(t, []HealthStatus{Healthy, Unhealthy}, changes)
}

func TestMonitorStartStop(t *testing.T) {
	m := NewMonitor(MonitorConfig{CheckInterval: 10 * time.Millisecond, FailureThreshold: 1}, nil)
	var calls atomic.Int32
	m.Register("storage", CheckerFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), true)

	m.Start()
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func serveHealth(t *testing.T, m *Monitor, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	router := mux.NewRouter()
	NewHealthHandler(m, nil).Register(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthResponse
	if path == "/health" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHandleHealth(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1}, nil)
	storage := &flakyChecker{}
	cache := &flakyChecker{}
	m.Register("storage", storage, true)
	m.Register("geocache", cache, false)
	m.CheckNow()

	rec, body := serveHealth(t, m, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, HealthSummary{Total: 2, Healthy: 2}, body.Summary)

	cache.fail.Store(true)
	m.CheckNow()
	rec, body = serveHealth(t, m, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, Unhealthy, body.Components["geocache"].Status)
	assert.Equal(t, Healthy, body.Components["storage"].Status)

	storage.fail.Store(true)
	m.CheckNow()
	rec, body = serveHealth(t, m, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "critical", body.Status)
	assert.Equal(t, 2, body.Summary.Unhealthy)
}

func TestHealthStatusText(t *testing.T) {
	for _, want := range []HealthStatus{Unknown, Healthy, Unhealthy} {
		text, err := want.MarshalText()
		require.NoError(t, err)

		var got HealthStatus
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, want, got)
	}

	var s HealthStatus
	assert.Error(t, s.UnmarshalText([]byte("sleepy")))
}

func TestHandleComponentHealth(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1}, nil)
	m.Register("storage", CheckerFunc(func(context.Context) error { return errors.New("down") }), true)
	m.CheckNow()

	rec, _ := serveHealth(t, m, "/health/storage")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)

	rec, _ = serveHealth(t, m, "/health/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGRPCHealthFollowsMonitor(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1}, nil)
	storage := &flakyChecker{}
	m.Register("storage", storage, true)
	hs := NewGRPCHealth(m)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, check("storage"))

	m.CheckNow()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("storage"))

	storage.fail.Store(true)
	m.CheckNow()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("storage"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
}
