package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mkhmik004/trustwork/config"
	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/core/state"
	"github.com/mkhmik004/trustwork/gateway/middleware"
	"github.com/mkhmik004/trustwork/gateway/routes"
	"github.com/mkhmik004/trustwork/integrations/eventlog"
	"github.com/mkhmik004/trustwork/integrations/webhooks"
	"github.com/mkhmik004/trustwork/native/escrow"
	"github.com/mkhmik004/trustwork/observability"
	"github.com/mkhmik004/trustwork/observability/logging"
	telemetry "github.com/mkhmik004/trustwork/observability/otel"
	"github.com/mkhmik004/trustwork/rpc"
	"github.com/mkhmik004/trustwork/storage"
)

const serviceName = "trustworkd"

func main() {
	cfgPath := flag.String("config", "./trustwork.toml", "path to the daemon configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(serviceName, cfg.Logging.Env,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("trustworkd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otlpHeaders := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	logger.Info("configuration loaded",
		slog.String("storage", cfg.Storage.Backend),
		slog.String("eventlog", cfg.EventLog.Path),
		logging.MaskField("jwt_secret", cfg.Auth.Secret()),
		slog.String("webhook_endpoint", logging.MaskURL(cfg.Webhooks.Endpoint)),
		logging.MaskField("webhook_secret", cfg.Webhooks.ResolvedSecret()),
		slog.Any("otlp_headers", logging.MaskHeaders(otlpHeaders)),
	)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otlpHeaders,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := buildService(cfg, db, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	server := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           otelhttp.NewHandler(svc.handler, serviceName),
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       cfg.Server.IdleTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddress, "storage", cfg.Storage.Backend, "auth", cfg.Auth.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
		}
		return db, nil
	case "bolt":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		db, err := storage.NewBoltDB(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("open bolt %s: %w", cfg.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// service bundles the long-lived components behind the HTTP handler.
type service struct {
	engine     *escrow.Engine
	journal    *eventlog.Journal
	dispatcher *webhooks.Dispatcher
	hub        *rpc.Hub
	handler    http.Handler
}

func (s *service) Close() {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

func buildService(cfg *config.Config, db storage.Database, logger *slog.Logger) (*service, error) {
	policy, err := cfg.Escrow.Policy()
	if err != nil {
		return nil, err
	}

	var managerOpts []state.Option
	if policy.Vault != (common.Address{}) {
		managerOpts = append(managerOpts, state.WithVault(policy.Vault))
	}
	engine := escrow.NewEngine(state.NewManager(db, managerOpts...))
	engine.SetConfig(escrow.Config{
		Arbiter:              policy.Arbiter,
		MaxMilestones:        policy.MaxMilestones,
		MaxDescriptionLength: policy.MaxDescriptionLength,
	})
	engine.SetReceiver(receiverFor(policy))

	svc := &service{engine: engine}
	emitters := events.Multi{observability.MetricsEmitter()}

	if path := strings.TrimSpace(cfg.EventLog.Path); path != "" {
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create event log dir: %w", err)
			}
		}
		journal, err := eventlog.Open(path, eventlog.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		svc.journal = journal
		svc.hub = rpc.NewHub(journal, 0)
		journal.Subscribe(svc.hub.Publish)
		emitters = append(emitters, journal)

		if endpoint := strings.TrimSpace(cfg.Webhooks.Endpoint); endpoint != "" {
			backoff := cfg.Webhooks.Backoff.Duration
			dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.Webhooks.ResolvedSecret()),
				webhooks.WithRetryPolicy(cfg.Webhooks.MaxAttempts, backoff, 30*backoff),
				webhooks.WithTimeout(cfg.Webhooks.Timeout.Duration),
				webhooks.WithQueueSize(cfg.Webhooks.QueueSize),
				webhooks.WithLogger(logger),
			)
			if err != nil {
				svc.Close()
				return nil, err
			}
			svc.dispatcher = dispatcher
			journal.Subscribe(dispatcher.Subscriber())
		}
	} else if strings.TrimSpace(cfg.Webhooks.Endpoint) != "" {
		logger.Warn("webhooks require the event log; delivery disabled")
	}
	engine.SetEmitter(emitters)

	rpcOpts := []rpc.ServerOption{
		rpc.WithLogger(logger),
		rpc.WithAdminScope(cfg.Auth.AdminScope),
		rpc.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	var eventsHandler http.Handler
	if svc.hub != nil {
		rpcOpts = append(rpcOpts, rpc.WithHub(svc.hub))
	}
	rpcServer := rpc.NewServer(engine, rpcOpts...)
	if svc.hub != nil {
		eventsHandler = http.HandlerFunc(rpcServer.HandleEventsWS)
	}

	if !cfg.Auth.Enabled {
		logger.Warn("token verification disabled; callers are taken from the " + middleware.CallerHeader + " header")
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.Secret(),
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		AllowAnonymous: true,
		ClockSkew:      cfg.Auth.ClockSkew.Duration,
	}, logger)

	limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		routes.RateLimitRPC:    limit,
		routes.RateLimitEvents: limit,
	}, logger)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: serviceName,
		LogRequests: strings.EqualFold(cfg.Logging.Level, "debug"),
		Enabled:     true,
	}, logger)

	handler, err := routes.New(routes.Config{
		RPC:           rpcServer,
		Events:        eventsHandler,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.handler = handler
	return svc, nil
}

// receiverFor refuses payouts to recipients on the deny list.
func receiverFor(policy config.EscrowPolicy) escrow.Receiver {
	return escrow.ReceiverFunc(func(to common.Address, _ *big.Int) error {
		if policy.Denies(to) {
			return fmt.Errorf("recipient %s is not accepting funds", to.Hex())
		}
		return nil
	})
}
