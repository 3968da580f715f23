package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/engine"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	m, err := device.NewHostModel(device.HostModelSpec{
		Layers: 1, SeqLen: 8, Hidden: 8, Vocab: 16, Candidates: 4,
		DType: device.DTypeFloat16, Seed: 9,
	})
	require.NoError(t, err)
	rt, err := m.Runtime()
	require.NoError(t, err)
	e, err := engine.NewEngine(rt, config.Default(), engine.WithLogger(logger.New(io.Discard, "json")))
	require.NoError(t, err)
	return e
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	e := newEngine(t)
	hm := NewHealthMonitor("test", e.Status)
	h := hm.Handler()
	for _, path := range []string{"/health", "/healthz"} {
		rec := get(t, h, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, StatusHealthy, body["status"])
	}

	_, err := e.ForwardFirst(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)

	rec := get(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Status string `json:"status"`
		Engine struct {
			Length   int  `json:"length"`
			Ready    bool `json:"ready"`
			Topology struct {
				SeqLen    int    `json:"seq_len"`
				CacheMode string `json:"cache_mode"`
			} `json:"topology"`
			Sampling struct {
				Mode string `json:"generation_mode"`
			} `json:"sampling"`
		} `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, StatusHealthy, status.Status)
	require.Equal(t, 4, status.Engine.Length)
	require.True(t, status.Engine.Ready)
	require.Equal(t, 8, status.Engine.Topology.SeqLen)
	require.Equal(t, "explicit_persistent_buffer", status.Engine.Topology.CacheMode)
	require.Equal(t, "greedy", status.Engine.Sampling.Mode)

	rec = get(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bmllm_tokens_generated_total")

	require.NoError(t, e.Close())
	rec = get(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAlerts(t *testing.T) {
	hm := NewHealthMonitor("test", nil)
	h := hm.Handler()

	hm.AddAlert("error", "kv_cache", "write rejected")
	require.Equal(t, StatusDegraded, hm.Status().Status)
	hm.AddAlert("critical", "engine", "device lost")
	require.Equal(t, StatusCritical, hm.Status().Status)

	var alerts []Alert
	rec := get(t, h, http.MethodGet, "/admin/alerts")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)

	require.Equal(t, http.StatusMethodNotAllowed, get(t, h, http.MethodGet, "/admin/resolve-alert?index=1").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, http.MethodPost, "/admin/resolve-alert?index=x").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, http.MethodPost, "/admin/resolve-alert?index=2").Code)
	require.Equal(t, http.StatusOK, get(t, h, http.MethodPost, "/admin/resolve-alert?index=1").Code)
	require.Equal(t, StatusDegraded, hm.Status().Status)
	require.True(t, hm.Status().Alerts[1].Resolved)
	require.False(t, hm.ResolveAlert(-1))

	require.Equal(t, http.StatusMethodNotAllowed, get(t, h, http.MethodGet, "/admin/clear-alerts").Code)
	require.Equal(t, http.StatusOK, get(t, h, http.MethodPost, "/admin/clear-alerts").Code)
	require.Equal(t, StatusHealthy, hm.Status().Status)
	require.Nil(t, hm.Status().Engine)
}

func TestRecordStep(t *testing.T) {
	hm := NewHealthMonitor("test", nil)
	hm.SlowStep = 10 * time.Millisecond
	now := time.Now()

	hm.RecordStep(engine.StepTrace{Phase: engine.PhasePrefill, Position: 3, Latency: 2 * time.Millisecond, Time: now})
	hm.RecordStep(engine.StepTrace{Phase: engine.PhaseDecode, Position: 4, Latency: 20 * time.Millisecond, Time: now})

	st := hm.Status()
	require.Equal(t, 2, st.Performance.Steps)
	require.InDelta(t, 11.0, st.Performance.AvgLatencyMs, 1e-9)
	require.InDelta(t, 20.0, st.Performance.MaxLatencyMs, 1e-9)
	require.Len(t, st.Alerts, 1)
	require.Equal(t, "warning", st.Alerts[0].Level)
	// Warnings alone do not degrade the service.
	require.Equal(t, StatusHealthy, st.Status)
}

func startAsync(hm *HealthMonitor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- hm.Start("127.0.0.1:0") }()
	return done
}

func TestStopBeforeStart(t *testing.T) {
	hm := NewHealthMonitor("test", nil)
	require.NoError(t, hm.Stop(context.Background()))

	select {
	case err := <-startAsync(hm):
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Stop")
	}
}

func TestStartThenStop(t *testing.T) {
	hm := NewHealthMonitor("test", nil)
	done := startAsync(hm)

	// Stop may land before or after ListenAndServe; both must end Start.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hm.Stop(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
