// Package main is the entry point for the compatibility server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Load the rule and bundle catalogs (embedded unless RULES_FILE or
//     BUNDLES_FILE point elsewhere).
//  3. When DATABASE_URL is set, connect to PostgreSQL, apply migrations, and
//     enable custom rule persistence plus API key auth on /v1/.
//  4. Create the service (eagerly loading the rule matrix).
//  5. Start the HTTP server (:8080) and gRPC health server (:9090).
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
//
// "server apikey create|list|revoke" manages API keys instead of serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/catalog"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/config"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/logging"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/metrics"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/middleware"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/server"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/service"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 && args[0] == "apikey" {
		return runAPIKey(ctx, cfg, args[1:])
	}
	if len(args) > 0 {
		return fmt.Errorf("unknown command %q", args[0])
	}

	tracingCfg, err := tracing.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load tracing config: %w", err)
	}
	shutdownTracer, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	cat, err := loadCatalog(cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	serviceOpts := []service.Option{
		service.WithLogger(logging.Component(log, "service")),
		service.WithRecorder(m),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithMaxSuggestions(cfg.MaxSuggestions),
		service.WithStrictIsolation(cfg.StrictIsolation),
	}

	var tokenValidator middleware.TokenValidator
	if cfg.Persistent() {
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		metrics.RegisterPoolMetrics(m.Registry, pool)
		repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
		serviceOpts = append(serviceOpts, service.WithRepository(repo))
		tokenValidator = &apiKeyTokenValidator{lookup: repo}
	} else {
		log.Warn("DATABASE_URL not set; custom rules are kept in memory and /v1/ is unauthenticated")
	}

	svc, err := service.New(ctx, cat, serviceOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	metrics.RegisterRateLimiterMetrics(m.Registry, limiter)
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(limiter),
		middleware.WithPublicMethods(server.HealthMethodPrefix),
	}

	apiHandler := m.HTTPMiddleware(server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithStreamTracker(m.StreamOpened),
	))
	httpHandler := middleware.HTTPRequestLogging(logging.Component(log, "http"))(newHTTPHandler(apiHandler, tokenValidator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "xaheen-compat-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(grpcServerOptions(log, m, tokenValidator, authOpts)...)
	var grpcOpts []server.GRPCOption
	if tokenValidator != nil {
		grpcOpts = append(grpcOpts, server.WithChannelz(), server.WithReflection())
	}
	grpcServices := server.RegisterGRPCServices(grpcServer, grpcOpts...)
	grpcServices.SetServing(true)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"persistent", cfg.Persistent(),
		"tracing", tracingCfg.Enabled(),
		"rules", len(cat.Rules),
		"bundles", len(cat.Bundles),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	grpcServices.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// loadCatalog loads both catalogs. Invalid entries are logged and skipped; a
// catalog that yields nothing at all is fatal.
func loadCatalog(cfg config.Config, log *slog.Logger) (service.Catalog, error) {
	rules, err := catalog.LoadRules(cfg.RulesFile)
	if err != nil {
		if len(rules) == 0 {
			return service.Catalog{}, fmt.Errorf("load rule catalog: %w", err)
		}
		log.Warn("skipped invalid catalog rules", "error", err, "loaded", len(rules))
	}

	bundles, err := catalog.LoadBundles(cfg.BundlesFile)
	if err != nil {
		if len(bundles) == 0 {
			return service.Catalog{}, fmt.Errorf("load bundle catalog: %w", err)
		}
		log.Warn("skipped invalid catalog bundles", "error", err, "loaded", len(bundles))
	}

	return service.Catalog{Rules: rules, Bundles: bundles}, nil
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func grpcServerOptions(log *slog.Logger, m *metrics.Metrics, tokenValidator middleware.TokenValidator, authOpts []middleware.AuthOption) []grpc.ServerOption {
	grpcLog := logging.Component(log, "grpc")
	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(grpcLog)}
	stream := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(grpcLog)}
	if tokenValidator != nil {
		unary = append(unary, middleware.UnaryBearerAuthInterceptor(tokenValidator, authOpts...))
		stream = append(stream, middleware.StreamBearerAuthInterceptor(tokenValidator, authOpts...))
	}
	unary = append(unary, m.UnaryServerInterceptor())
	stream = append(stream, m.StreamServerInterceptor())

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// newHTTPHandler mounts the API under /v1/, behind bearer auth when a token
// validator is configured, and exposes only /healthz and /metrics publicly.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	v1Handler := apiHandler
	if tokenValidator != nil {
		v1Handler = middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", v1Handler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

// apiKeyTokenValidator checks keyID.secret tokens against stored bcrypt
// hashes. The principal is the key's name.
type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, ok := middleware.ParseAPIKeyToken(token)
	if !ok {
		return "", errors.New("invalid token format")
	}

	keyHash, name, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return name, nil
}
