package status

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_HealthFollowsServingState(t *testing.T) {
	s := New(Options{ServiceName: "infer-workers", RunID: "run-1"})
	h := s.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s before SetServing: expected 503, got %d", path, rec.Code)
		}
	}

	s.SetServing()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}

	s.SetNotServing()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after SetNotServing, got %d", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	s := New(Options{ServiceName: "infer-workers"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "health_status") {
		t.Error("Expected health_status metric in output")
	}
}
