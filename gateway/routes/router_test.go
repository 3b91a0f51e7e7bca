package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/mkhmik004/trustwork/gateway/middleware"
)

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.CallerFromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(caller.Hex()))
	})
}

func newTestRouter(t *testing.T, limit middleware.RateLimit) http.Handler {
	t.Helper()
	handler, err := New(Config{
		RPC:    callerEcho(),
		Events: callerEcho(),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:        true,
			HMACSecret:     "router-secret",
			AllowAnonymous: true,
		}, nil),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			RateLimitRPC: limit,
		}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true, MetricsPrefix: "router_test"}, nil),
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return handler
}

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("router-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func do(handler http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, middleware.RateLimit{})
	if rec := do(router, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	do(router, http.MethodPost, "/rpc", "")
	rec := do(router, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "router_test_requests_total") {
		t.Fatalf("metrics missing request counter: %d", rec.Code)
	}
}

func TestRouterAttachesCaller(t *testing.T) {
	router := newTestRouter(t, middleware.RateLimit{})
	rec := do(router, http.MethodPost, "/rpc", token(t, "0x00000000000000000000000000000000000000c1"))
	if rec.Code != http.StatusOK || rec.Body.String() != common.HexToAddress("0xc1").Hex() {
		t.Fatalf("unexpected rpc response %d %q", rec.Code, rec.Body.String())
	}
	rec = do(router, http.MethodPost, "/rpc", "")
	if rec.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous pass-through, got %q", rec.Body.String())
	}
	rec = do(router, http.MethodPost, "/rpc", "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestRouterRateLimitsPerCaller(t *testing.T) {
	router := newTestRouter(t, middleware.RateLimit{RequestsPerMinute: 1, Burst: 1})
	alice := token(t, "0x00000000000000000000000000000000000000a1")
	bob := token(t, "0x00000000000000000000000000000000000000b1")
	if rec := do(router, http.MethodPost, "/rpc", alice); rec.Code != http.StatusOK {
		t.Fatalf("first request failed: %d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/rpc", alice); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected throttle, got %d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/rpc", bob); rec.Code != http.StatusOK {
		t.Fatalf("other caller should not be throttled, got %d", rec.Code)
	}
}

func TestRouterRejectsWrongMethod(t *testing.T) {
	router := newTestRouter(t, middleware.RateLimit{})
	if rec := do(router, http.MethodGet, "/rpc", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestNewRequiresRPCHandler(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without rpc handler")
	}
}
