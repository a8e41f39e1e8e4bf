package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/web3-frozen/reserve-monitor/internal/config"
	"github.com/web3-frozen/reserve-monitor/internal/handler"
	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/middleware"
	"github.com/web3-frozen/reserve-monitor/internal/notify"
	"github.com/web3-frozen/reserve-monitor/internal/snapshot"
	"github.com/web3-frozen/reserve-monitor/internal/sources"
	"github.com/web3-frozen/reserve-monitor/internal/store"
	"github.com/web3-frozen/reserve-monitor/internal/yield"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	report, err := db.Migrate(ctx)
	if err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected and migrated", "applied", report.Applied, "changes", len(report.Changes))

	// Snapshot lock (retry up to 30s while Redis comes up)
	var (
		locker    lock.Locker
		closeLock func()
	)
	for i := 0; i < 6; i++ {
		locker, closeLock, err = lock.Open(lock.Settings{
			Backend:       cfg.LockBackend,
			Dir:           cfg.LockDir,
			RedisURL:      cfg.RedisURL,
			RedisPassword: cfg.RedisPassword,
			Pool:          db.Pool(),
		})
		if err == nil || cfg.LockBackend != config.LockRedis {
			break
		}
		logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.Error("failed to open snapshot lock", "backend", cfg.LockBackend, "error", err)
		os.Exit(1)
	}
	defer closeLock()
	logger.Info("snapshot lock ready", "backend", cfg.LockBackend)

	var notifier snapshot.Notifier = notify.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	}

	engine := snapshot.NewEngine(
		sources.NewBirdeye(cfg.BirdeyeAPIKey, cfg.BirdeyeBaseURL),
		sources.NewHelius(cfg.HeliusAPIKey, cfg.HeliusRPCURL),
		db, locker, logger,
		snapshot.Options{
			Mint:           cfg.AssetMint,
			ReserveWallets: cfg.ReserveWallets,
			PoolLimit:      cfg.PoolLimit,
			Policy:         yield.DefaultFeePolicy(),
			Fallback:       sources.UseZero,
			Notifier:       notifier,
		},
	)
	scheduler := snapshot.NewScheduler(engine, cfg.SnapshotInterval, notifier, logger)

	// Start background goroutines
	go scheduler.Run(ctx)

	// HTTP routes
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.FrontendOrigins))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(db))

	r.Route("/api", func(r chi.Router) {
		r.Post("/trigger-snapshot", handler.TriggerSnapshot(scheduler, logger))
		r.Get("/auto-refresh-status", handler.RefreshStatus(scheduler))
		r.Get("/summary", handler.Summary(db))
		r.Get("/time-series", handler.TimeSeries(db))
		r.Get("/history", handler.History(db))
		r.Get("/families", handler.Families(db))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute, // manual snapshots run inside the request
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
