package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/teamchat-events/internal/actions"
	"github.com/welldanyogia/teamchat-events/internal/api"
	"github.com/welldanyogia/teamchat-events/internal/auth"
	"github.com/welldanyogia/teamchat-events/internal/config"
	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/health"
	"github.com/welldanyogia/teamchat-events/internal/logger"
	"github.com/welldanyogia/teamchat-events/internal/metrics"
	authmw "github.com/welldanyogia/teamchat-events/internal/middleware"
	"github.com/welldanyogia/teamchat-events/internal/snapshot"
	"github.com/welldanyogia/teamchat-events/internal/sse"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// Version is set at build time
var Version = "dev"

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// State store
	var (
		store  state.Store
		dbPool *pgxpool.Pool
		sqlDB  *sqlx.DB
	)
	switch cfg.Events.StateBackend {
	case config.StateBackendPostgres:
		var err error
		dbPool, err = setupDatabase(cfg)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		sqlDB = sqlx.NewDb(stdlib.OpenDBFromPool(dbPool), "pgx")
		defer sqlDB.Close()
		store = state.NewPostgresStore(dbPool, sqlDB)
	default:
		store = state.NewMemoryStore()
	}

	if path := os.Getenv("SEED_FILE"); path != "" {
		if err := seedFromFile(context.Background(), store, path); err != nil {
			log.Error("failed to seed state", "path", path, "error", err)
			os.Exit(1)
		}
		log.Info("state seeded", "path", path)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Event core
	registry := events.NewRegistry(events.RegistryConfig{
		DefaultLifespan:  cfg.Events.DefaultLifespan,
		MaxLifespan:      cfg.Events.MaxLifespan,
		MaxQueuesPerUser: cfg.Events.MaxQueuesPerUser,
	}, log)
	stopSweeper := registry.StartSweeper(cfg.Events.SweepInterval)

	dispatcher := events.NewDispatcher(registry, log)
	poller := events.NewPoller(registry, events.PollerConfig{
		Timeout:  cfg.Events.PollTimeout,
		MaxBatch: cfg.Events.MaxBatch,
	}, log)
	registrar := snapshot.NewRegistrar(store, registry, log)

	actionService := actions.NewService(actions.ServiceConfig{
		Store:     store,
		Publisher: dispatcher,
		Logger:    log,
	})

	// Auth
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
		Issuer:            cfg.JWT.Issuer,
	})
	authMiddleware := authmw.NewAuthMiddleware(tokenService)

	var registerLimit func(http.Handler) http.Handler
	if redisClient != nil {
		registerLimit = authmw.NewRedisRegisterRateLimiter(redisClient, cfg.Events.RegisterLimit, cfg.Events.RegisterWindow, log).Limit
	} else {
		limiter := authmw.NewRegisterRateLimiter(cfg.Events.RegisterLimit, cfg.Events.RegisterWindow)
		defer limiter.Stop()
		registerLimit = limiter.Limit
	}

	// Handlers
	eventsHandler := api.NewEventsHandler(registrar, poller, registry, log)
	actionsHandler := actions.NewHandler(actionService, log)

	sseConfig := sse.Config{
		HeartbeatInterval:     cfg.SSE.HeartbeatInterval,
		ConnectionTimeout:     cfg.SSE.ConnectionTimeout,
		MaxConnectionsPerUser: cfg.SSE.MaxConnectionsPerUser,
		MaxBatch:              cfg.Events.MaxBatch,
	}
	connManager := sse.NewConnectionManager(sseConfig)
	sseHandler := sse.NewHandler(sseConfig, connManager, registry, tokenService, log)

	healthConfig := health.Config{
		RedisClient:  redisClient,
		Queues:       registry,
		StateBackend: cfg.Events.StateBackend,
		Version:      Version,
	}
	if dbPool != nil {
		healthConfig.DB = dbPool
	}
	healthHandler := health.NewHandler(healthConfig)

	if dbPool != nil {
		collector := metrics.NewDBStatsCollector(dbPool, sqlDB.DB, log)
		collector.Start(15 * time.Second)
		defer collector.Stop()
	}

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(authmw.StructuredLogger(log))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		api.RegisterEventRoutes(r, eventsHandler, authMiddleware.Authenticate, registerLimit)
		actions.RegisterRoutes(r, actionsHandler, authMiddleware.Authenticate)
		sse.RegisterRoutes(r, sseHandler)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// long-polls and streams hold the response open
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("starting server",
			"addr", addr,
			"version", Version,
			"state_backend", cfg.Events.StateBackend,
			"poll_timeout", cfg.Events.PollTimeout.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown waits for active requests; streams and parked polls must end first.
	// The drained registry refuses registrations from here on.
	closed := connManager.CloseAll(sse.CloseShutdown)
	stopSweeper()
	dropped := registry.DeregisterAll()
	log.Info("released event consumers", "streams", closed, "queues", dropped)

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := metrics.PingDatabase(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"database", cfg.Database.DBName,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port)
	return pool, nil
}
