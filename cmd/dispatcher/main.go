package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/emergency-dispatch/internal/config"
	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
	"github.com/kursadbilgin/emergency-dispatch/internal/gateway"
	"github.com/kursadbilgin/emergency-dispatch/internal/handler"
	"github.com/kursadbilgin/emergency-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/emergency-dispatch/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/emergency-dispatch/internal/infra/postgrest"
	infraredis "github.com/kursadbilgin/emergency-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/emergency-dispatch/internal/observability"
	"github.com/kursadbilgin/emergency-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/emergency-dispatch/internal/recorder"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
	"github.com/kursadbilgin/emergency-dispatch/internal/service"
	"github.com/kursadbilgin/emergency-dispatch/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	exitConfigInvalid = 2
	shutdownTimeout   = 10 * time.Second
)

func main() {
	// A missing .env is fine; the environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration invalid: %v", err)
		os.Exit(exitConfigInvalid)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Printf("configuration invalid: %v", err)
		os.Exit(exitConfigInvalid)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		_ = logger.Sync()
		os.Exit(exitConfigInvalid)
	}

	account, err := cfg.ServiceAccount()
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		_ = logger.Sync()
		os.Exit(exitConfigInvalid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	store, storeCheck, closeStore := openStore(cfg, logger)
	defer closeStore()

	checks := []handler.DependencyCheck{storeCheck}

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		sendLimiter, err := infraredis.NewSendLimiter(rdb, infraredis.DefaultScope, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("send limiter initialization failed", zap.Error(err))
		}
		limiter = sendLimiter
		checks = append(checks, handler.RedisCheck(rdb))
	}

	minter, err := credential.NewMinter(account, credential.Options{
		TokenURL: cfg.OAuthTokenURL,
		Scope:    cfg.FCMScope,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("credential minter initialization failed", zap.Error(err))
	}

	fcm, err := gateway.NewClient(gateway.Options{
		BaseURL:   cfg.FCMBaseURL,
		ProjectID: account.ProjectID,
		ChannelID: cfg.FCMChannelID,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("gateway client initialization failed", zap.Error(err))
	}

	deliveryRecorder, err := recorder.New(store, store)
	if err != nil {
		logger.Fatal("delivery recorder initialization failed", zap.Error(err))
	}

	engine, err := service.NewDispatchEngine(minter, store, store, fcm, deliveryRecorder, service.EngineOptions{
		NotificationConcurrency: cfg.NotificationConcurrency,
		DeviceConcurrency:       cfg.DeviceConcurrency,
		AttemptTimeout:          cfg.AttemptTimeout,
		TokenPolicy:             service.NewInvalidTokenPolicy(cfg.Markers(), cfg.KeepTokensOnTransient),
		Limiter:                 limiter,
		Metrics:                 metrics,
	}, logger)
	if err != nil {
		logger.Fatal("dispatch engine initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks...)
	if err := handler.RegisterDispatchRoutes(app, engine, cfg.BatchSize); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)

	if cfg.SchedulerEnabled() {
		scheduler, err := service.NewScheduler(engine, cfg.ScheduleInterval, cfg.BatchSize, logger)
		if err != nil {
			logger.Fatal("scheduler initialization failed", zap.Error(err))
		}
		g.Go(func() error { return scheduler.Start(groupCtx) })
	}

	g.Go(func() error {
		logger.Info("emergency dispatcher started",
			zap.Int("port", cfg.APIPort),
			zap.String("storageDriver", cfg.StorageDriver),
			zap.Bool("scheduler", cfg.SchedulerEnabled()),
			zap.Bool("distributedRateLimit", cfg.RedisURL != ""),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped with error", zap.Error(err))
		return
	}
	logger.Info("dispatcher stopped")
}

// openStore builds the configured storage backend and its readiness probe.
func openStore(cfg *config.Config, logger *zap.Logger) (repository.Store, handler.DependencyCheck, func()) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgREST:
		store, err := postgrest.NewStore(postgrest.Options{
			BaseURL:    cfg.StorageURL,
			ServiceKey: cfg.StorageServiceKey,
			Timeout:    cfg.RequestTimeout,
		})
		if err != nil {
			logger.Fatal("postgrest store initialization failed", zap.Error(err))
		}
		return store, handler.DependencyCheck{Name: "postgrest", Ping: store.Ping}, func() {}

	default:
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolOptions())
		if err != nil {
			logger.Fatal("postgres initialization failed", zap.Error(err))
		}

		if err := migrations.Migrate(db); err != nil {
			logger.Fatal("database migrations failed", zap.Error(err))
		}

		sqlDB, err := db.DB()
		if err != nil {
			logger.Fatal("postgres underlying db init failed", zap.Error(err))
		}

		return repository.NewGormStore(db), handler.SQLCheck("postgres", sqlDB), func() { _ = sqlDB.Close() }
	}
}
