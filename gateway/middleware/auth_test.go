package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"iss":   "trustwork",
		"aud":   "trustwork-api",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "escrow:write escrow:read",
	}
}

type captured struct {
	caller    common.Address
	hasCaller bool
	admin     bool
	called    bool
}

func captureHandler(c *captured) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.caller, c.hasCaller = CallerFromContext(r.Context())
		c.admin = HasScope(r.Context(), "escrow:admin")
		w.WriteHeader(http.StatusOK)
	})
}

func newTestAuthenticator(anonymous bool) *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		Issuer:         "trustwork",
		Audience:       "trustwork-api",
		AllowAnonymous: anonymous,
	}, nil)
}

func TestAuthenticatorAttachesCaller(t *testing.T) {
	auth := newTestAuthenticator(false)
	var got captured
	handler := auth.Middleware()(captureHandler(&got))

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, baseClaims("0x00000000000000000000000000000000000000a1")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !got.hasCaller || got.caller != common.HexToAddress("0xa1") {
		t.Fatalf("unexpected caller %s (present=%v)", got.caller.Hex(), got.hasCaller)
	}
	if got.admin {
		t.Fatalf("token without admin scope reported admin")
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := newTestAuthenticator(false)
	expired := baseClaims("0x00000000000000000000000000000000000000a1")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := baseClaims("0x00000000000000000000000000000000000000a1")
	wrongAudience["aud"] = "someone-else"

	cases := map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + signToken(t, "other", baseClaims("0x00000000000000000000000000000000000000a1")),
		"expired":        "Bearer " + signToken(t, testSecret, expired),
		"wrong audience": "Bearer " + signToken(t, testSecret, wrongAudience),
		"bad subject":    "Bearer " + signToken(t, testSecret, baseClaims("alice")),
		"zero subject":   "Bearer " + signToken(t, testSecret, baseClaims("0x0000000000000000000000000000000000000000")),
		"basic scheme":   "Basic abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			var got captured
			handler := auth.Middleware()(captureHandler(&got))
			req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", res.Code)
			}
			if got.called {
				t.Fatalf("handler should not run")
			}
		})
	}
}

func TestAuthenticatorRequiredScopes(t *testing.T) {
	auth := newTestAuthenticator(false)
	var got captured
	handler := auth.Middleware("escrow:admin")(captureHandler(&got))

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, baseClaims("0x00000000000000000000000000000000000000a1")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}

	claims := baseClaims("0x00000000000000000000000000000000000000a1")
	claims["scope"] = []interface{}{"escrow:admin"}
	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || !got.admin {
		t.Fatalf("expected admin request to pass, got %d admin=%v", res.Code, got.admin)
	}
}

func TestAuthenticatorAnonymousPassThrough(t *testing.T) {
	auth := newTestAuthenticator(true)
	var got captured
	handler := auth.Middleware()(captureHandler(&got))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected anonymous request to pass, got %d", res.Code)
	}
	if got.hasCaller {
		t.Fatalf("anonymous request must not carry a caller")
	}
}

func TestAuthenticatorDisabledUsesCallerHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	var got captured
	handler := auth.Middleware()(captureHandler(&got))

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set(CallerHeader, "0x00000000000000000000000000000000000000b2")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if got.caller != common.HexToAddress("0xb2") || !got.admin {
		t.Fatalf("unexpected dev identity %s admin=%v", got.caller.Hex(), got.admin)
	}

	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set(CallerHeader, "not-an-address")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected malformed caller header to be rejected, got %d", res.Code)
	}
}

func TestExtractScopes(t *testing.T) {
	claims := jwt.MapClaims{"perms": "a b  c"}
	if got := extractScopes(claims, "perms"); len(got) != 3 {
		t.Fatalf("unexpected scopes %v", got)
	}
	if got := extractScopes(claims, ""); got != nil {
		t.Fatalf("expected no scopes under default claim, got %v", got)
	}
}
