package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/start/{run}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/v1/runs/{run}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/start/riyadh_villas", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
