package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func routeSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	observer, ok := httpRequestDurationSeconds.WithLabelValues(method, route).(prometheus.Metric)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, observer.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsStatcacheRoutes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/entries/{key}", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "key") == "predlist:2025-04-01" {
				_, _ = w.Write([]byte(`{"data":[]}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		})
	})

	const entryRoute = "/v1/entries/{key}"
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	notReadyBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "503"))
	entryBefore := routeSamples(t, "GET", entryRoute)
	readyBefore := routeSamples(t, "GET", "/readyz")
	unknownBefore := routeSamples(t, "GET", "unknown")

	for _, path := range []string{
		"/v1/entries/predlist:2025-04-01",
		"/v1/entries/s_nos:2025-04-01",
		"/v1/entries/predlist:2025-04-02",
		"/readyz",
		"/nowhere",
	} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	// Path parameters collapse into the route pattern.
	require.Equal(t, entryBefore+3, routeSamples(t, "GET", entryRoute))
	require.Equal(t, readyBefore+1, routeSamples(t, "GET", "/readyz"))
	require.Equal(t, unknownBefore+1, routeSamples(t, "GET", "unknown"))

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, missBefore+3, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.InDelta(t, notReadyBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "503")), 0)
}
