package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutcome(t *testing.T) {
	if got := Outcome(nil); got != OutcomeSuccess {
		t.Fatalf("Outcome(nil) = %q", got)
	}
	if got := Outcome(errors.New("boom")); got != OutcomeFailure {
		t.Fatalf("Outcome(err) = %q", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()

	RecordHTTPRequest("/oauth/token", http.StatusOK)
	RecordHTTPRequest("/oauth/token", http.StatusOK)
	RecordHTTPRequest("", http.StatusNotFound)

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/oauth/token", "200")); got != 2 {
		t.Fatalf("token counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("unmatched", "404")); got != 1 {
		t.Fatalf("unmatched counter = %v, want 1", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	RefreshReuseDetectedTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sigil_refresh_reuse_detected_total") {
		t.Fatal("expected sigil metrics in exposition output")
	}
}
