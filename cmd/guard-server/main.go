package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/agentguard/internal/api"
	"github.com/triage-ai/agentguard/internal/audit"
	"github.com/triage-ai/agentguard/internal/auth"
	"github.com/triage-ai/agentguard/internal/chread"
	"github.com/triage-ai/agentguard/internal/config"
	"github.com/triage-ai/agentguard/internal/controls"
	"github.com/triage-ai/agentguard/internal/gateway"
	"github.com/triage-ai/agentguard/internal/metrics"
	"github.com/triage-ai/agentguard/internal/registry"
	"github.com/triage-ai/agentguard/internal/resilience"
	"github.com/triage-ai/agentguard/internal/server"
	"github.com/triage-ai/agentguard/internal/storage"
	"github.com/triage-ai/agentguard/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Logger
	logger := mustBuildLogger(cfg.Log.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("starting guard server",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Duration("window", cfg.Gateway.Window),
		zap.Duration("tool_cache_ttl", cfg.Gateway.ToolCacheTTL),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Postgres pool (required: controls, tools, audit, keys)
	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	// Audit mirror: ClickHouse or LogWriter fallback
	var mirror storage.EventWriter
	if cfg.ClickHouse.DSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouse.DSN, m.MirrorDropped, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			mirror = storage.NewLogWriter(logger)
		} else {
			mirror = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		mirror = storage.NewLogWriter(logger)
		logger.Info("no clickhouse dsn set, using log writer")
	}
	defer mirror.Close()

	// ClickHouse reader (analytics endpoint)
	var reader api.AnalyticsReader
	if cfg.ClickHouse.DSN != "" {
		chReader, err := chread.NewReader(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// Tool cache invalidation bus
	var bus registry.Invalidator
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Subscribe keeps retrying; TTL expiry bounds staleness meanwhile.
			logger.Warn("redis ping failed, invalidation bus will retry", zap.Error(err))
		}
		bus = registry.NewRedisBus(rdb, cfg.Redis.Channel, logger)
		logger.Info("tool invalidation bus enabled", zap.String("channel", cfg.Redis.Channel))
	} else {
		logger.Info("no redis addr set, tool cache invalidates locally only")
	}

	tools := registry.New(registry.Config{
		DB:       db,
		CacheTTL: cfg.Gateway.ToolCacheTTL,
		Bus:      bus,
		Logger:   logger,
	})
	go tools.Listen(ctx)

	controlStore := controls.NewStore(db)
	auditStore := audit.NewPostgresStore(db)

	exec := resilience.New(resilience.Settings{
		Name:             "postgres",
		Attempts:         cfg.Resilience.Attempts,
		AttemptTimeout:   cfg.Resilience.AttemptTimeout,
		FailureThreshold: cfg.Resilience.FailureThreshold,
		OpenTimeout:      cfg.Resilience.OpenTimeout,
		StateGauge:       m.BreakerState,
		Logger:           logger,
	})

	gw := gateway.New(gateway.Config{
		Controls:     controlStore,
		Tools:        tools,
		Audit:        audit.NewMirroredSink(auditStore, mirror),
		Executor:     exec,
		Metrics:      m,
		Logger:       logger,
		Window:       cfg.Gateway.Window,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	})

	deps := &api.Dependencies{
		Gateway:    gw,
		Controls:   controlStore,
		Tools:      tools,
		Audit:      auditStore,
		Keys:       store.NewStore(db),
		Reader:     reader,
		Metrics:    m,
		Logger:     logger,
		AdminToken: cfg.Management.AdminToken,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.Management.RateLimit), cfg.Management.Burst),
	}
	if cfg.Auth.Enabled {
		deps.Auth = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
	}
	if cfg.Management.AdminToken == "" {
		logger.Warn("no management admin token set, management API is unauthenticated")
	}

	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	root.Handle("/", api.NewRouter(deps))

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC health
	health := server.NewHealthServer(db, cfg.Server.HealthInterval, logger)
	go health.Watch(ctx)
	grpcAddr := ":" + strconv.Itoa(cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.String("addr", grpcAddr), zap.Error(err))
	}
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", grpcAddr))
		if err := health.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown: stop health checks first so orchestrators drain traffic.
	health.Stop()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("guard server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
