// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dataplane assembles the resilient data plane service: the
// connection pool manager over five backends, per-backend circuit
// breakers, the recovery manager, the cache-backed rate limiter, the
// cache manager, and the pipeline executor, all behind one gin API.
package dataplane

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/dataplane/pkg/extensions"
	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/backend"
	"github.com/AleutianAI/dataplane/services/dataplane/breaker"
	"github.com/AleutianAI/dataplane/services/dataplane/cache"
	"github.com/AleutianAI/dataplane/services/dataplane/config"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
	"github.com/AleutianAI/dataplane/services/dataplane/pipeline"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"
	"github.com/AleutianAI/dataplane/services/dataplane/ratelimit"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
	"github.com/AleutianAI/dataplane/services/dataplane/routes"
)

// Service is the data plane lifecycle.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or a
	// fatal server error.
	Run() error

	// Router returns the underlying gin engine for testing.
	Router() *gin.Engine
}

// service implements Service for production use.
type service struct {
	cfg     *config.Config
	cfgPath string
	opts    extensions.ServiceOptions
	logger  *logging.Logger
	router  *gin.Engine

	pool     *pool.Manager
	store    *pipeline.PostgresStore
	recovery *recovery.Manager
	limiter  *ratelimit.Limiter
	cache    *cache.Manager
	executor *pipeline.Executor
	watcher  *config.Watcher

	tracerCleanup func(context.Context)
}

// New assembles the data plane from its configuration. cfgPath is the
// file the config was loaded from; when non-empty it is watched so rate
// limit tiers can be reloaded without a restart. A nil opts uses the
// no-op extension defaults.
func New(cfg *config.Config, cfgPath string, opts *extensions.ServiceOptions) (Service, error) {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		LogDir: cfg.Logging.Dir,
		JSON:   cfg.Logging.JSON,
	})

	s := &service{cfg: cfg, cfgPath: cfgPath, logger: logger}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	s.recovery = recovery.New(recovery.Config{
		MaxRetries: cfg.Recovery.MaxRetries,
		Timeout:    cfg.Recovery.Timeout.D(),
	}, logger, metrics)

	s.pool = pool.New(pool.Config{
		AcquireTimeout: cfg.Pool.AcquireTimeout.D(),
		HealthInterval: cfg.Pool.HealthInterval.D(),
		PingTimeout:    cfg.Pool.PingTimeout.D(),
		Retry: pool.RetryConfig{
			InitialDelay: cfg.Pool.Retry.InitialDelay.D(),
			Multiplier:   cfg.Pool.Retry.Multiplier,
			MaxDelay:     cfg.Pool.Retry.MaxDelay.D(),
			MaxAttempts:  cfg.Pool.Retry.MaxAttempts,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout.D(),
			HalfOpenTimeout:  cfg.Breaker.HalfOpenTimeout.D(),
		},
	}, Adapters(cfg), logger, metrics, pool.WithFailureReporter(s.recovery))
	s.pool.RegisterRecovery(s.recovery)

	conn := s.cacheConn()
	s.limiter = ratelimit.New(conn, tiersFrom(cfg), logger, metrics)
	s.cache = cache.New(cache.Config{
		DefaultTTL:      cfg.Cache.DefaultTTL.D(),
		MaxMemoryBytes:  cfg.Cache.MaxMemoryBytes,
		EvictSampleSize: cfg.Cache.EvictSampleSize,
		SweepInterval:   cfg.Cache.SweepInterval.D(),
	}, cache.ConnFunc(conn), logger, metrics)

	s.store = pipeline.NewPostgresStore(s.pool)
	connectors := pipeline.NewConnectors(s.pool)
	s.executor = pipeline.NewExecutor(s.store, connectors, connectors, logger, metrics,
		pipeline.WithFailureReporter(s.recovery))
	s.registerPipelineRecovery()

	if cfgPath != "" {
		w, err := config.NewWatcher(cfgPath, logger, func(next *config.Config) {
			s.limiter.SetTiers(tiersFrom(next))
		})
		if err != nil {
			logger.Warn("dataplane: config watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}

	s.initRouter(routes.Deps{
		Pool:     s.pool,
		Executor: s.executor,
		Store:    s.store,
		Sinks:    connectors,
		Cache:    s.cache,
		Recovery: s.recovery,
		Limiter:  s.limiter,
		Registry: registry,
		Options:  s.opts,
	})
	return s, nil
}

// Run connects the backends, starts the background loops, and serves the
// API until SIGINT/SIGTERM.
func (s *service) Run() error {
	defer s.cleanup()

	ctx := context.Background()
	if err := s.pool.InitAll(ctx); err != nil {
		// Unreachable backends stay managed: the health loop and lazy
		// reconnects bring them back when they return.
		s.logger.Warn("dataplane: some backends unavailable at startup", "error", err)
	}
	s.pool.StartHealthLoop()
	s.cache.StartSweep()
	if s.watcher != nil {
		s.watcher.Start()
	}

	if err := s.store.EnsureSchema(ctx); err != nil {
		s.logger.Warn("dataplane: pipeline schema not verified", "error", err)
	}

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout.D(),
		WriteTimeout: s.cfg.Server.WriteTimeout.D(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dataplane: serving", "addr", s.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("dataplane: shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// ====== Assembly helpers ======

// Adapters builds one backend adapter per managed kind from the
// configuration.
func Adapters(cfg *config.Config) []backend.Adapter {
	return []backend.Adapter{
		backend.NewPostgresAdapter(backend.PostgresConfig{
			DSN:      cfg.Backends.Postgres.DSN,
			MinConns: cfg.Backends.Postgres.MinConns,
			MaxConns: cfg.Backends.Postgres.MaxConns,
		}),
		backend.NewClickHouseAdapter(backend.ClickHouseConfig{
			Addr:     cfg.Backends.ClickHouse.Addr,
			Database: cfg.Backends.ClickHouse.Database,
			Username: cfg.Backends.ClickHouse.Username,
			Password: cfg.Backends.ClickHouse.Password,
		}),
		backend.NewQuestDBAdapter(backend.QuestDBConfig{
			URL:    cfg.Backends.QuestDB.URL,
			Token:  cfg.Backends.QuestDB.Token,
			Org:    cfg.Backends.QuestDB.Org,
			Bucket: cfg.Backends.QuestDB.Bucket,
		}),
		backend.NewNATSAdapter(backend.NATSConfig{
			URL:           cfg.Backends.NATS.URL,
			Token:         cfg.Backends.NATS.Token,
			MaxReconnects: cfg.Backends.NATS.MaxReconnects,
			ReconnectWait: cfg.Backends.NATS.ReconnectWait.D(),
		}),
		backend.NewRedisAdapter(backend.RedisConfig{
			URL:       cfg.Backends.Redis.URL,
			MaxIdle:   cfg.Backends.Redis.MaxIdle,
			MaxActive: cfg.Backends.Redis.MaxActive,
		}),
	}
}

// cacheConn checks a redis connection out of the pool-managed session,
// so limiter and cache traffic routes through the cache breaker.
func (s *service) cacheConn() ratelimit.ConnFunc {
	return func(ctx context.Context) (redis.Conn, error) {
		h, err := s.pool.Acquire(ctx, backend.Cache)
		if err != nil {
			return nil, err
		}
		p, ok := h.Session.(*redis.Pool)
		if !ok {
			return nil, fmt.Errorf("cache session is %T, want *redis.Pool", h.Session)
		}
		return p.GetContext(ctx)
	}
}

// tiersFrom converts configured tiers into limiter tiers.
func tiersFrom(cfg *config.Config) []ratelimit.Tier {
	tiers := make([]ratelimit.Tier, 0, len(cfg.RateLimit.Tiers))
	for _, t := range cfg.RateLimit.Tiers {
		tiers = append(tiers, ratelimit.Tier{
			Name:   t.Name,
			Limit:  int(t.Limit),
			Window: t.Window.D(),
		})
	}
	return tiers
}

// registerPipelineRecovery wires failed pipeline runs to an automatic
// restart, guarded by the executor's own run tracking.
func (s *service) registerPipelineRecovery() {
	resetStatus := func(ctx context.Context, id string) error {
		if s.executor.IsRunning(id) {
			return fmt.Errorf("pipeline %s still has a run in flight", id)
		}
		return nil
	}
	s.recovery.Register(recovery.PipelineOperation,
		recovery.PipelineProcedure(resetStatus, s.executor.Start))
}

// initRouter sets up the gin engine with tracing and all routes.
func (s *service) initRouter(deps routes.Deps) {
	if mode := os.Getenv("GIN_MODE"); mode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("dataplane-service"))

	routes.SetupRoutes(s.router, deps)
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// The gRPC connection is lazy, so an unreachable collector does not
// block startup.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	endpoint := os.Getenv("DATAPLANE_OTEL_ENDPOINT")
	if endpoint == "" {
		endpoint = "dataplane-otel-collector:4317"
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("dataplane-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("dataplane: failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// cleanup releases every component in reverse dependency order.
func (s *service) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.executor.Shutdown(ctx); err != nil {
		s.logger.Warn("dataplane: executor shutdown", "error", err)
	}
	s.cache.StopSweep()
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn("dataplane: pool shutdown", "error", err)
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if err := s.logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "logger close: %v\n", err)
	}
}

var _ Service = (*service)(nil)
