package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkhmik004/trustwork/gateway/middleware"
)

// Rate limit keys used by the router.
const (
	RateLimitRPC    = "rpc"
	RateLimitEvents = "events"
)

type Config struct {
	RPC           http.Handler
	Events        http.Handler
	HealthHandler http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

func New(cfg Config) (http.Handler, error) {
	if cfg.RPC == nil {
		return nil, errors.New("routes: rpc handler required")
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability

	health := cfg.HealthHandler
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	r.Method(http.MethodGet, "/healthz", health)

	r.Group(func(sr chi.Router) {
		if obs != nil {
			sr.Use(obs.Middleware("rpc"))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware())
		}
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(RateLimitRPC))
		}
		sr.Method(http.MethodPost, "/rpc", cfg.RPC)
	})

	if cfg.Events != nil {
		r.Group(func(sr chi.Router) {
			if obs != nil {
				sr.Use(obs.Middleware("events"))
			}
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware())
			}
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(RateLimitEvents))
			}
			sr.Method(http.MethodGet, "/ws/events", cfg.Events)
		})
	}

	if obs != nil {
		r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())
	}

	return r, nil
}
