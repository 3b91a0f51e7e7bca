package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// CallerHeader names the development header that carries the caller address
// when token verification is disabled.
const CallerHeader = "X-Caller-Address"

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	// AllowAnonymous lets requests without a bearer token through with no
	// caller attached. Read-only RPC methods rely on it.
	AllowAnonymous bool
	ClockSkew      time.Duration
}

type contextKey string

const (
	ContextKeyToken    contextKey = "gateway.token"
	ContextKeyScopes   contextKey = "gateway.scopes"
	ContextKeyCaller   contextKey = "gateway.caller"
	ContextKeyInsecure contextKey = "gateway.insecure"
)

// Authenticator verifies HMAC-signed JWTs. The sub claim must be the hex
// address of the caller.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				ctx := context.WithValue(r.Context(), ContextKeyInsecure, true)
				if raw := strings.TrimSpace(r.Header.Get(CallerHeader)); raw != "" {
					if !common.IsHexAddress(raw) {
						http.Error(w, "invalid caller address", http.StatusUnauthorized)
						return
					}
					ctx = WithCaller(ctx, common.HexToAddress(raw))
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				if a.cfg.AllowAnonymous && len(requiredScopes) == 0 {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("token validation failed", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.Warn("claim validation failed", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			caller, err := callerFromClaims(claims)
			if err != nil {
				a.logger.Warn("subject rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if len(requiredScopes) > 0 && !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyToken, tokenString)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			ctx = WithCaller(ctx, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithCaller attaches an authenticated caller address to ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(ContextKeyCaller).(common.Address)
	return caller, ok
}

// HasScope reports whether the request carries scope. With verification
// disabled every scope is granted.
func HasScope(ctx context.Context, scope string) bool {
	if ctx == nil {
		return false
	}
	if insecure, _ := ctx.Value(ContextKeyInsecure).(bool); insecure {
		return true
	}
	scopes, _ := ctx.Value(ContextKeyScopes).([]string)
	return hasScopes(scopes, []string{scope})
}

func callerFromClaims(claims jwt.MapClaims) (common.Address, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	sub = strings.TrimSpace(sub)
	if !common.IsHexAddress(sub) {
		return common.Address{}, errors.New("subject is not a hex address")
	}
	addr := common.HexToAddress(sub)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("subject is the zero address")
	}
	return addr, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
