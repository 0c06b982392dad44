package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-msp/internal/app"
	"github.com/odyssey-erp/odyssey-msp/internal/observability"
	"github.com/odyssey-erp/odyssey-msp/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-msp/internal/platform/db"
	proposalhttp "github.com/odyssey-erp/odyssey-msp/internal/proposals/http"
	"github.com/odyssey-erp/odyssey-msp/jobs"
	"github.com/odyssey-erp/odyssey-msp/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(cfg.AsynqRedis())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	engine := app.NewProposalEngine(app.EngineParams{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Mail:    queue,
		Logger:  logger,
		Metrics: metrics,
	})

	reportClient := report.NewClient(cfg.GotenbergURL)
	proposalHandler := proposalhttp.NewHandler(engine, report.NewProposalDocument(reportClient), logger)

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		ProposalHandler: proposalHandler,
		ReportHandler:   report.NewHandler(reportClient, logger),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
		Readiness: map[string]app.Pinger{
			"postgres":  app.PingFunc(pool.Ping),
			"redis":     app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
			"gotenberg": reportClient,
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
