package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/api"
	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/repository"
	"github.com/notifyhub/signal-sync/internal/schedule"
	"github.com/notifyhub/signal-sync/internal/service"
	"github.com/notifyhub/signal-sync/internal/stream"
)

type fakeSync struct {
	syncErr error
	calls   int
	spec    domain.ScheduleSpec
}

func (f *fakeSync) SyncNow() error {
	f.calls++
	return f.syncErr
}

func (f *fakeSync) UpdateSchedule(expr string) domain.ScheduleSpec {
	f.spec = schedule.Resolve(expr)
	return f.spec
}

type harness struct {
	srv  *httptest.Server
	repo *repository.MockQueueRepository
	sync *fakeSync
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	repo := repository.NewMockQueueRepository(repository.Options{Now: clk.Now})
	svc := service.NewSignalService(repo, stream.DefaultRegistry(), nil, clk, zap.NewNop())

	reg := prometheus.NewRegistry()
	up := prometheus.NewCounter(prometheus.CounterOpts{Name: "signal_sync_test_total", Help: "test"})
	reg.MustRegister(up)
	up.Inc()

	fs := &fakeSync{}
	router := api.NewRouter(api.Deps{Signals: svc, Status: svc, Sync: fs, Metrics: reg}, zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, repo: repo, sync: fs}
}

func (h *harness) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRouter_Health(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_seconds")
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestRouter_CorrelationIDIsEchoed(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Correlation-ID"))
}

func TestRouter_Metrics(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "signal_sync_test_total 1")
}

func TestRouter_EnqueueJSONSignal(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/v1/signals/health", "application/json",
		[]byte(`{"timestamp":"2026-03-02T09:00:00Z","type":"heart_rate","value":61,"unit":"bpm"}`))

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "health", body["stream"])
	assert.Equal(t, 1, h.repo.CountByStatus(domain.StatusPending))
}

func TestRouter_EnqueueCBORSignal(t *testing.T) {
	h := newHarness(t)
	payload, err := stream.Encode(stream.SystemEvent{Timestamp: time.Now(), Kind: "boot"})
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/signals/system", "application/cbor", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	items := h.repo.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, payload, items[0].Payload)
}

func TestRouter_EnqueueRejections(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"unknown stream", "/api/v1/signals/video", "application/json", `{}`, http.StatusUnprocessableEntity},
		{"invalid record", "/api/v1/signals/location", "application/json", `{"latitude":1}`, http.StatusUnprocessableEntity},
		{"empty cbor", "/api/v1/signals/location", "application/cbor", ``, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			resp, body := h.do(t, http.MethodPost, tc.path, tc.contentType, []byte(tc.body))
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, h.repo.Snapshot())
		})
	}
}

func TestRouter_EnqueueStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.EnqueueErr = errors.New("disk I/O error")

	resp, _ := h.do(t, http.MethodPost, "/api/v1/signals/system", "application/cbor", []byte{0xa0})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_Status(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.Enqueue(context.Background(), domain.StreamAudio, []byte{1, 2, 3})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	queue := body["queue"].(map[string]any)
	assert.EqualValues(t, 1, queue["pending"])
	assert.EqualValues(t, 3, queue["total_bytes"])
	assert.Equal(t, false, body["needs_reconfiguration"])
}

func TestRouter_SyncNow(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/sync", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	h.sync.syncErr = domain.ErrCycleInProgress
	resp, body := h.do(t, http.MethodPost, "/api/v1/sync", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, domain.ErrCycleInProgress.Error(), body["error"])
	assert.Equal(t, 2, h.sync.calls)
}

func TestRouter_UpdateSchedule(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPut, "/api/v1/schedule", "application/json",
		[]byte(`{"expression":"*/15 * * * *"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*/15 * * * *", body["expression"])
	assert.Equal(t, "*/15 * * * *", h.sync.spec.Expression)

	resp, _ = h.do(t, http.MethodPut, "/api/v1/schedule", "application/json",
		[]byte(`{"expression":"every tuesday"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "*/15 * * * *", h.sync.spec.Expression)

	resp, _ = h.do(t, http.MethodPut, "/api/v1/schedule", "application/json", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_RecoversFromPanics(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Now())
	repo := repository.NewMockQueueRepository(repository.Options{Now: clk.Now})
	svc := service.NewSignalService(repo, stream.DefaultRegistry(), nil, clk, zap.NewNop())
	router := api.NewRouter(api.Deps{Signals: svc, Status: svc, Sync: nil}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader("")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
