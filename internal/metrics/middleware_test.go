package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsStatusCodes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "run_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	for _, path := range []string{"/v1/runs/run-1", "/v1/runs/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")) - ok; got != 1 {
		t.Fatalf("expected one 200 request, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")) - notFound; got != 1 {
		t.Fatalf("expected one 404 request, got %f", got)
	}
	if n := testutil.CollectAndCount(httpRequestDurationSeconds); n <= 0 {
		t.Fatalf("expected request durations to be observed, got %d series", n)
	}
}

// Outside a chi router there is no route context; the request is still
// recorded under the "unknown" route.
func TestMiddlewareWithoutRouteContext(t *testing.T) {
	Init()
	before := testutil.CollectAndCount(httpRequestDurationSeconds)
	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "202"))

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/anything", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "202")) - accepted; got != 1 {
		t.Fatalf("expected one PATCH request, got %f", got)
	}
	if after := testutil.CollectAndCount(httpRequestDurationSeconds); after != before+1 {
		t.Fatalf("expected a new duration series for the unknown route, got %d then %d", before, after)
	}
}
