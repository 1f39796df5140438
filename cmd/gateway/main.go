package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"model-gateway/internal/admission"
	"model-gateway/internal/buckets"
	"model-gateway/internal/config"
	"model-gateway/internal/database"
	"model-gateway/internal/handlers/predict"
	"model-gateway/internal/middleware"
	"model-gateway/internal/ratelimit"
	"model-gateway/internal/routers"
	"model-gateway/internal/storage"
	"model-gateway/internal/storage/memstore"
	"model-gateway/internal/telemetry"
	"model-gateway/internal/upstream"

	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if !cfg.Debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	if cfg.Trace {
		shutdownTracer, err := telemetry.InitTracer(telemetry.TracerName, log)
		if err != nil {
			panic(fmt.Sprintf("failed to init tracer: %s", err))
		}
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	startCtx := context.Background()

	// Optional redis, backs the rate limiter and the model cache
	var limiter admission.RateLimiter
	rdb := ratelimit.Connect(startCtx, cfg.Redis.Addrs, cfg.Redis.Password, log)
	if rdb != nil {
		defer func() {
			_ = rdb.Close()
		}()
		limiter = ratelimit.New(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window, log)
	}
	cache := upstream.NewModelCache(rdb, cfg.ModelCacheTTL, log)

	var store storage.ObjectStore
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		log.Warnw("Using in memory object storage, offloaded responses are not downloadable")
		store = memstore.New("memory://" + cfg.Storage.RuntimeBucket)
	default:
		store, err = storage.NewMinioStore(cfg.Storage, log)
		if err != nil {
			panic(fmt.Sprintf("failed initializing object storage: %s", err))
		}
	}

	var ledger *buckets.Ledger
	if cfg.LedgerDSN != "" {
		db, err := database.Open(startCtx, cfg.LedgerDSN)
		if err != nil {
			panic(err)
		}
		defer func() {
			_ = db.Close()
		}()
		ledger = buckets.NewLedger(log, db)
	} else {
		log.Infow("No ledger dsn configured, prediction ledger disabled")
	}

	ph := predict.NewPredictHandler(predict.Deps{
		Config:   cfg,
		Sessions: upstream.NewFactory(cfg.Services, cache, log),
		Limiter:  limiter,
		Store:    store,
		Ledger:   ledger,
		Log:      log,
	})

	e := echo.New()
	e.HideBanner = true
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.RequireAPIKey(cfg.MetricsAPIKey))
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	routers.RegisterPredictRoutes(base, ph, log)

	go func() {
		log.Infow("Starting gateway", "addr", cfg.ServerAddr, "rate_limited", ph.RateLimited(), "storage", cfg.Storage.Backend)
		if err := e.Start(cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalw("shutting down the server", "error", err)
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorw("Failed graceful shutdown", "error", err)
	}
	ph.ShutDown(ctx)
}
