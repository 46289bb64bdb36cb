// Package main запускает HTTP-сервер и фоновые задачи сервиса budgetrank.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whetstone1/budgetrank/internal/config"
	"github.com/whetstone1/budgetrank/internal/handler"
	"github.com/whetstone1/budgetrank/internal/jobs"
	"github.com/whetstone1/budgetrank/internal/logging"
	"github.com/whetstone1/budgetrank/internal/middleware"
	"github.com/whetstone1/budgetrank/internal/payment"
	"github.com/whetstone1/budgetrank/internal/ratelimit"
	"github.com/whetstone1/budgetrank/internal/repository"
	"github.com/whetstone1/budgetrank/internal/service"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var provider payment.Provider
	if cfg.StripeSecretKey != "" {
		provider = payment.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeAPIURL, cfg.PaymentCurrency)
	} else {
		sugar.Warn("STRIPE_SECRET_KEY is not set, subscriptions are disabled")
	}

	svc := service.NewService(repo, provider, logger, service.Options{
		PrizeWinners: cfg.PrizeWinners,
		StoreTimeout: cfg.StoreTimeout,
		MaxRetries:   cfg.LedgerMaxRetries,
		RetryBackoff: service.DefaultOptions().RetryBackoff,
	})
	defer svc.Close()

	var (
		limiter     ratelimit.Limiter
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.SubscribeRateLimit, cfg.SubscribeRateWindow, logger)
	}

	if cfg.AdminJWTSecret == "" {
		sugar.Warn("ADMIN_JWT_SECRET is not set, manual distribution is disabled")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	adminAuth := middleware.NewAdminAuth(cfg.AdminJWTSecret, logger)
	h := handler.NewHandler(svc, logger, authMiddleware, adminAuth, limiter)
	if redisClient != nil {
		h.AddHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Распределение фонда по расписанию работает только при настроенном Redis.
	if cfg.RedisAddr != "" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

		worker := jobs.NewWorker(redisOpt, logger)
		worker.RegisterHandler(jobs.TaskTypeDistribute, jobs.NewDistributeHandler(svc, logger))

		scheduler := jobs.NewScheduler(redisOpt, cfg.DistributionCron, logger)
		if err := scheduler.RegisterTasks(); err != nil {
			sugar.Fatalw("scheduler initialization error", "error", err.Error())
		}

		g.Go(func() error {
			if err := worker.Start(); err != nil {
				return fmt.Errorf("jobs worker error: %w", err)
			}
			if err := scheduler.Start(); err != nil {
				worker.Shutdown()
				return fmt.Errorf("scheduler error: %w", err)
			}

			<-ctx.Done()
			scheduler.Shutdown()
			worker.Shutdown()
			return nil
		})
	} else {
		sugar.Warn("REDIS_ADDR is not set, scheduled distribution and rate limiting are disabled")
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting budgetrank server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
