package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vortex/perp-engine/internal/config"
	"github.com/vortex/perp-engine/internal/engine"
	"github.com/vortex/perp-engine/internal/logging"
	"github.com/vortex/perp-engine/internal/metrics"
	"github.com/vortex/perp-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envPath := flag.String("env", "", "path to a .env file (default ./.env)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, flush, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	// --- Initialize store ---
	st, cleanup, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub(logger.Named("ws"), cfg.Server.CORSOrigins)
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Engine ---
	opts := []engine.Option{engine.WithLogger(logger.Named("engine"))}
	prices, err := cfg.IndexPriceMap()
	if err != nil {
		logger.Fatal("invalid index prices", zap.Error(err))
	}
	if len(prices) > 0 {
		opts = append(opts, engine.WithIndexPriceFeed(engine.StaticPriceFeed(prices)))
	} else {
		logger.Warn("no index prices configured, funding will not accrue")
	}
	svc := engine.NewService(st, cfg.Limiter(), wsHub, opts...)

	params, err := cfg.Params()
	if err != nil {
		logger.Fatal("invalid engine params", zap.Error(err))
	}
	if err := svc.Init(context.Background(), params); err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement, liquidation and block events.
		r.Get("/ws", wsHub.HandleWS)

		r.Post("/execute", svc.HandleExecute)
		r.Post("/sudo", svc.HandleSudo)
		r.Post("/query", svc.HandleQuery)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("perp-engine listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("perp-engine stopped")
}

// openStore builds the configured backend, optionally behind the Redis
// read-through cache, and returns the funcs that release it.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(context.Background(), cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	case config.BackendPebble:
		pb, err := store.NewPebbleStore(cfg.Store.PebblePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble at %s: %w", cfg.Store.PebblePath, err)
		}
		cleanup = append(cleanup, func() { pb.Close() })
		st = pb
		logger.Info("opened pebble store", zap.String("path", cfg.Store.PebblePath))
	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL, logger)
		logger.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}
