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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	blobadapter "github.com/ericfisherdev/capsuled/internal/adapter/driven/blob"
	noticeadapter "github.com/ericfisherdev/capsuled/internal/adapter/driven/notice"
	sqliteadapter "github.com/ericfisherdev/capsuled/internal/adapter/driven/sqlite"
	webhookadapter "github.com/ericfisherdev/capsuled/internal/adapter/driven/webhook"
	httphandler "github.com/ericfisherdev/capsuled/internal/adapter/driving/http"
	"github.com/ericfisherdev/capsuled/internal/application"
	"github.com/ericfisherdev/capsuled/internal/config"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
	"github.com/ericfisherdev/capsuled/internal/envelope"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"blob_dir", cfg.BlobDir,
		"sweep_interval", cfg.SweepInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	capsuleStore := sqliteadapter.NewCapsuleRepo(db, sqliteadapter.QuotaLimits{
		FreeStorageBytes:    cfg.FreeStorageBytes,
		PremiumStorageBytes: cfg.PremiumStorageBytes,
	})
	accountStore := sqliteadapter.NewAccountRepo(db, cfg.StarterBalance)

	blobStore, err := blobadapter.NewFSStore(cfg.BlobDir)
	if err != nil {
		return err
	}
	sealer, err := envelope.NewManager(cfg.MasterKeyBytes, blobStore)
	if err != nil {
		return err
	}
	messenger := webhookadapter.NewMessenger(cfg.DeliveryWebhookURL)

	// Notice dedupe lives in Redis when an address is configured so that
	// restarts do not re-send owner notices. Without Redis an in-process
	// tracker with the same TTL semantics is used.
	var notices driven.NoticeTracker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Error("error closing redis client", "error", closeErr)
			}
		}()
		notices = noticeadapter.NewRedisTracker(rdb, cfg.NoticeTTL)
		slog.Info("notice tracker using redis", "addr", cfg.RedisAddr)
	} else {
		notices = noticeadapter.NewMemoryTracker(cfg.NoticeTTL)
		slog.Info("notice tracker using in-process memory")
	}

	// 6. Create application services.
	delivery := application.NewDelivery(capsuleStore, accountStore, sealer, messenger, notices, cfg.InviteURLBase)
	scheduler := application.NewScheduler(capsuleStore, delivery, cfg.SweepInterval)
	capsuleSvc := application.NewCapsuleService(capsuleStore, accountStore, sealer, scheduler, application.Limits{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		FreeHorizon:     cfg.FreeHorizon,
		PremiumHorizon:  cfg.PremiumHorizon,
	})

	// 7. Rebuild timers from persisted state and start the sweep loop.
	go scheduler.Start(ctx)

	// 8. Create HTTP handler and register API routes.
	apiHandler := httphandler.NewHandler(capsuleSvc, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// 9. Log startup complete.
	slog.Info("capsuled started",
		"listen_addr", cfg.ListenAddr,
		"sweep_interval", cfg.SweepInterval,
	)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Graceful shutdown with 10s timeout to drain in-flight requests.
	// Armed timers die with the process; pending rows are re-armed on the
	// next start, so nothing is lost by not draining them here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
