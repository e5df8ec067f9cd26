package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/exporter"
	"github.com/kunal/gpu-utilization-monitor/pkg/healthcheck"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
	"github.com/kunal/gpu-utilization-monitor/pkg/scheduler"
)

var (
	_ Results = (*scheduler.Store)(nil)
	_ Trigger = (*scheduler.Scheduler)(nil)
	_ Health  = (*healthcheck.Checker)(nil)
)

type fakeTrigger struct {
	mu      sync.Mutex
	calls   []*bool
	stopped bool
}

func (f *fakeTrigger) Trigger(useClassifier *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.calls = append(f.calls, useClassifier)
	return true
}

type fakeHealth struct{ report healthcheck.Report }

func (f fakeHealth) Check(context.Context) healthcheck.Report { return f.report }

func testDevices() []model.DeviceMetrics {
	return []model.DeviceMetrics{
		{ID: "GPU-1", Pod: "train-0", Namespace: "ml", Score: 4, Status: model.StatusIdle},
		{ID: "GPU-2", Pod: "infer-0", Namespace: "serve", Score: 15, Status: model.StatusLow},
		{ID: "GPU-3", Pod: "train-1", Namespace: "ml", Score: 80, Status: model.StatusHigh},
	}
}

type testEnv struct {
	server  *Server
	engine  *gin.Engine
	store   *scheduler.Store
	trigger *fakeTrigger
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.AI.APIKey = "sk-secret"
	store := scheduler.NewStore()
	trigger := &fakeTrigger{}
	health := fakeHealth{report: healthcheck.Report{Status: healthcheck.StatusDegraded, Interval: 300}}
	s := NewServer(cfg, "1.0.0", store, trigger, health, exporter.New(cfg, "1.0.0").Handler(), NewBroadcaster())
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	return &testEnv{server: s, engine: s.Engine(), store: store, trigger: trigger, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rsp := httptest.NewRecorder()
	e.engine.ServeHTTP(rsp, httptest.NewRequest(method, path, nil))
	return rsp
}

func decode(t *testing.T, rsp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rsp.Body.Bytes(), &body))
	return body
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t)
	rsp := env.do(t, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rsp.Code)

	body := decode(t, rsp)
	assert.Equal(t, "1.0.0", body["version"])
	assert.Contains(t, body, "endpoints")
	assert.Equal(t, false, body["features"].(map[string]any)["ai_analysis"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rsp := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rsp.Code)

	body := decode(t, rsp)
	assert.Equal(t, "degraded", body["status"])
	assert.Nil(t, body["last_analysis"])
	assert.Equal(t, float64(300), body["interval"])
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		code    int
		want    *bool
		wantUse bool
	}{
		{name: "default", method: http.MethodGet, path: "/analyze", code: http.StatusOK},
		{name: "explicit on", method: http.MethodPost, path: "/analyze?use_ai=true", code: http.StatusOK, want: boolPtr(true), wantUse: true},
		{name: "explicit off", method: http.MethodGet, path: "/analyze?use_ai=false", code: http.StatusOK, want: boolPtr(false)},
		{name: "bad flag", method: http.MethodGet, path: "/analyze?use_ai=maybe", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rsp := env.do(t, tt.method, tt.path)
			require.Equal(t, tt.code, rsp.Code)

			if tt.code != http.StatusOK {
				assert.Empty(t, env.trigger.calls)
				return
			}
			require.Len(t, env.trigger.calls, 1)
			assert.Equal(t, tt.want, env.trigger.calls[0])
			body := decode(t, rsp)
			assert.Equal(t, "triggered", body["status"])
			assert.Equal(t, tt.wantUse, body["use_ai"])
		})
	}
}

func boolPtr(v bool) *bool { return &v }

func TestAnalyzeWhenSchedulerStopped(t *testing.T) {
	env := newTestEnv(t)
	env.trigger.stopped = true

	rsp := env.do(t, http.MethodPost, "/analyze")
	assert.Equal(t, http.StatusServiceUnavailable, rsp.Code)
	assert.Empty(t, env.trigger.calls)
}

func TestResultsBeforeFirstBatch(t *testing.T) {
	env := newTestEnv(t)
	rsp := env.do(t, http.MethodGet, "/results")
	require.Equal(t, http.StatusOK, rsp.Code)
	assert.JSONEq(t, "[]", rsp.Body.String())

	rsp = env.do(t, http.MethodGet, "/results/stats")
	require.Equal(t, http.StatusOK, rsp.Code)
	body := decode(t, rsp)
	assert.Equal(t, float64(0), body["total_gpus"])
	assert.Equal(t, map[string]any{}, body["by_status"])
}

func TestResults(t *testing.T) {
	env := newTestEnv(t)
	env.store.Publish(&model.Snapshot{ID: "snap-1", Devices: testDevices()})

	rsp := env.do(t, http.MethodGet, "/results")
	require.Equal(t, http.StatusOK, rsp.Code)
	var devices []model.DeviceMetrics
	require.NoError(t, json.Unmarshal(rsp.Body.Bytes(), &devices))
	require.Len(t, devices, 3)
	assert.Equal(t, "GPU-1", devices[0].ID)

	rsp = env.do(t, http.MethodGet, "/results/low")
	require.Equal(t, http.StatusOK, rsp.Code)
	body := decode(t, rsp)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(20), body["threshold"])
	assert.Equal(t, "2026-05-01T12:00:00Z", body["timestamp"])
	assert.Len(t, body["gpus"], 2)

	rsp = env.do(t, http.MethodGet, "/results/stats")
	require.Equal(t, http.StatusOK, rsp.Code)
	var stats model.AnalysisStats
	require.NoError(t, json.Unmarshal(rsp.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalGPUs)
	assert.Equal(t, 33.0, stats.AvgScore)
	assert.Equal(t, 2, stats.LowUtilizationCount)
	assert.Equal(t, 1, stats.IdleCount)
	assert.Equal(t, 2, stats.ByNamespace["ml"].Count)
}

func TestMetricsAndConfig(t *testing.T) {
	env := newTestEnv(t)

	rsp := env.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rsp.Code)
	assert.Contains(t, rsp.Body.String(), "gpu_monitor_service_info")

	rsp = env.do(t, http.MethodGet, "/config")
	require.Equal(t, http.StatusOK, rsp.Code)
	assert.NotContains(t, rsp.Body.String(), "sk-secret")
	body := decode(t, rsp)
	assert.Equal(t, "***", body["ai"].(map[string]any)["api_key"])
	assert.Equal(t, "sk-secret", env.cfg.AI.APIKey)
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	b := env.server.broadcaster
	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

	b.Broadcast(&model.Snapshot{ID: "snap-7", Devices: testDevices()})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got model.Snapshot
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "snap-7", got.ID)
	assert.Len(t, got.Devices, 3)

	conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastDropsStalledClient(t *testing.T) {
	b := NewBroadcaster()
	stalled := &feedClient{send: make(chan []byte, sendBuffer)}
	for i := 0; i < sendBuffer; i++ {
		stalled.send <- []byte("{}")
	}
	b.clients[stalled] = true

	done := make(chan struct{})
	go func() {
		b.Broadcast(&model.Snapshot{ID: "snap-8"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a stalled client")
	}

	assert.Equal(t, 0, b.Clients())
	// The queue is closed once its buffered messages drain.
	for i := 0; i < sendBuffer; i++ {
		<-stalled.send
	}
	_, open := <-stalled.send
	assert.False(t, open)

	b.remove(stalled)
	assert.Equal(t, 0, b.Clients())
}
