package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	want := `perp_http_requests_total{method="GET",path="/orders/{id}",status="418"} 3`
	if body := scrape(t); !strings.Contains(body, want) {
		t.Errorf("expected %q in the exposition", want)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("expected an error from a recorder that cannot hijack")
	}
}

func TestObserveSince(t *testing.T) {
	ObserveSince("settlement", time.Now().Add(-10*time.Millisecond))
	if body := scrape(t); !strings.Contains(body, `perp_sudo_latency_seconds_count{variant="settlement"}`) {
		t.Error("expected a latency series for settlement")
	}
}

func TestHandler_ExposesEngineMetrics(t *testing.T) {
	FundingRateUpdates.Inc()
	if !strings.Contains(scrape(t), "perp_funding_rate_updates_total") {
		t.Error("funding counter missing from the exposition")
	}
}
