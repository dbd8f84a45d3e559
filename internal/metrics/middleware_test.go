package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/jobs/{name}/run", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	conflicts := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409"))
	oks := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))

	for _, job := range []string{"merge", "deadman"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/jobs/"+job+"/run", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, conflicts+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409")))
	assert.Equal(t, oks+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), "an implicit write records 200")
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
