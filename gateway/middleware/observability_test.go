package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObservabilityRecordsRequests(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true, MetricsPrefix: "test_http"}, nil)
	handler := obs.Middleware("rpc")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if res.Code != http.StatusTeapot {
		t.Fatalf("status not propagated: %d", res.Code)
	}

	metrics := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(body), `test_http_requests_total{method="POST",route="rpc",status="418"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), `test_http_requests_in_flight{route="rpc"} 0`) {
		t.Fatalf("in-flight gauge not released:\n%s", body)
	}
}

func TestObservabilityDisabledPassesThrough(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: false, MetricsPrefix: "disabled_http"}, nil)
	called := false
	handler := obs.Middleware("rpc")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("handler not invoked")
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if res.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("unexpected origin header %q", res.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), CallerHeader) {
		t.Fatalf("caller header not allowed")
	}
}
