package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/coord/memory"
	"github.com/JakeFAU/listing-image-dedup/internal/dispatcher"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
	queueMemory "github.com/JakeFAU/listing-image-dedup/internal/queue/memory"
	"github.com/JakeFAU/listing-image-dedup/internal/registry"
	storageMemory "github.com/JakeFAU/listing-image-dedup/internal/storage/memory"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, runs ...pipeline.Run) error {
	args := m.Called(ctx, runs)
	return args.Error(0)
}

type testEnv struct {
	server  *Server
	queue   *queueMemory.Queue
	state   *pipeline.StateStore
	reports *storageMemory.ReportStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	reg, err := registry.New(registry.Defaults())
	require.NoError(t, err)
	q := queueMemory.NewQueue(10)
	state := pipeline.NewStateStore(memory.NewStore())
	reports := storageMemory.NewReportStore()
	server := NewServer(reg, dispatcher.New(q, nil), state, reports, cfg, zap.NewNop())
	return &testEnv{server: server, queue: q, state: state, reports: reports}
}

func serve(s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStartRequiresTriggerHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := serve(env.server, http.MethodPost, "/start", nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"started":"NO","reason":"MISSING_HEADERS"}`, rec.Body.String())
	require.Zero(t, env.queue.Len())
}

func TestStartEnqueuesEveryRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := serve(env.server, http.MethodPost, "/start", map[string]string{"admin-run": ""})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "YES", body.Started)
	require.Equal(t, []string{"riyadh_villas", "riyadh_lands", "jeddah_villas", "jeddah_lands"}, body.Runs)
	require.Equal(t, 4, env.queue.Len())

	job, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.Run{Name: "riyadh_villas", Category: 3, City: 21}, job.Run)
}

func TestStartSingleRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := serve(env.server, http.MethodPost, "/start/jeddah_lands", map[string]string{"admin-run": "1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, env.queue.Len())

	rec = serve(env.server, http.MethodPost, "/start/nowhere", map[string]string{"admin-run": "1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown run")
}

func TestStartChecksSecretWhenConfigured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{TriggerHeader: "X-Trigger", TriggerSecret: "s3cret"})

	rec := serve(env.server, http.MethodPost, "/start", map[string]string{"X-Trigger": "wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_HEADERS")

	rec = serve(env.server, http.MethodPost, "/start", map[string]string{"admin-run": "s3cret"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "MISSING_HEADERS")

	rec = serve(env.server, http.MethodPost, "/start", map[string]string{"X-Trigger": "s3cret"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStartReportsQueueFailure(t *testing.T) {
	t.Parallel()

	reg, err := registry.New([]pipeline.Run{{Name: "r1"}})
	require.NoError(t, err)
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, []pipeline.Run{{Name: "r1"}}).Return(errors.New("queue full")).Once()
	server := NewServer(reg, sub, pipeline.NewStateStore(memory.NewStore()), nil, Config{}, nil)

	rec := serve(server, http.MethodPost, "/start", map[string]string{"admin-run": "x"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"started":"NO","reason":"QUEUE_UNAVAILABLE"}`, rec.Body.String())
	sub.AssertExpectations(t)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.state.Reset(ctx, "riyadh_villas"))
	_, err := env.state.AddUnique(ctx, "riyadh_villas", 4)
	require.NoError(t, err)

	rec := serve(env.server, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []struct {
			Name  string            `json:"name"`
			State pipeline.RunState `json:"state"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 4)
	require.Equal(t, "riyadh_villas", body.Runs[0].Name)
	require.Equal(t, int64(4), body.Runs[0].State.UniqueCount)
	require.Equal(t, pipeline.AnalysisUnset, body.Runs[1].State.Analysis)
}

func TestGetRunIncludesLatestReport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	rec := serve(env.server, http.MethodGet, "/v1/runs/riyadh_lands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "latest_report")

	require.NoError(t, env.reports.SaveReport(ctx, pipeline.RunReport{
		AnalysisID: "a-1",
		Run:        "riyadh_lands",
		Kept:       3,
		FinishedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}))
	rec = serve(env.server, http.MethodGet, "/v1/runs/riyadh_lands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Name   string             `json:"name"`
		Report pipeline.RunReport `json:"latest_report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "riyadh_lands", body.Name)
	require.Equal(t, "a-1", body.Report.AnalysisID)
	require.Equal(t, 3, body.Report.Kept)

	rec = serve(env.server, http.MethodGet, "/v1/runs/nowhere", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusOK, serve(env.server, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, serve(env.server, http.MethodGet, "/readyz", nil).Code)

	env.server.AddReadinessCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec := serve(env.server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpointAndRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	serve(env.server, http.MethodGet, "/healthz", nil)

	rec := serve(env.server, http.MethodGet, "/metrics", map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
