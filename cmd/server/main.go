package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liveeconomy/internal/audit"
	"liveeconomy/internal/channel"
	"liveeconomy/internal/config"
	"liveeconomy/internal/handler"
	"liveeconomy/internal/infrastructure/cache"
	"liveeconomy/internal/infrastructure/database"
	"liveeconomy/internal/infrastructure/lock"
	"liveeconomy/internal/infrastructure/mq"
	"liveeconomy/internal/infrastructure/spool"
	"liveeconomy/internal/job"
	"liveeconomy/internal/ledger"
	"liveeconomy/internal/poller"
	"liveeconomy/internal/repository"
	"liveeconomy/internal/reservation"
	"liveeconomy/internal/service"
	"liveeconomy/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id, unique per instance")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(*configPath, *workerID, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, workerID int64, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	idgen.Init(workerID)

	// ============================================================
	// Infrastructure
	// ============================================================

	db, err := database.NewMySQL(&cfg.MySQL, logger)
	if err != nil {
		return err
	}

	rdb, err := cache.NewRedis(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	auditSpool, err := spool.Open(cfg.Audit.SpoolPath)
	if err != nil {
		return err
	}
	defer auditSpool.Close()

	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	// ============================================================
	// Engine
	// ============================================================

	txRepo := repository.NewTransactionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	holdRepo := repository.NewHoldRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	streamRepo := repository.NewStreamStateRepository(db)

	ledgerAdapter := ledger.NewAdapter(ledger.NewGormBackend(db), logger)
	auditLog := audit.New(auditRepo, auditSpool, logger, audit.Options{
		Currency:     cfg.Economy.Currency,
		DefaultLimit: cfg.Audit.DefaultLimit,
		MaxLimit:     cfg.Audit.MaxLimit,
	})
	locker := lock.NewRedisLocker(rdb, cfg.Economy.LockTTL())
	holds := reservation.NewManager(ledgerAdapter, holdRepo, auditLog, locker, logger)

	transport := channel.NewRedisTransport(rdb, cfg.Channel.KeyPrefix, cfg.Channel.HealthInterval, logger)
	client := channel.NewClient(transport, cfg.Channel.ConnectTimeout, logger)
	defer client.Close()
	publisher := channel.NewPublisher(transport, channel.NewRedisSequencer(rdb, cfg.Channel.KeyPrefix), outboxRepo, logger)

	presence := cache.NewPresence(rdb, cfg.Channel.KeyPrefix)
	source := poller.NewGormSource(streamRepo, auditRepo, presence)
	pollOpts := poller.Options{
		VolatileInterval: cfg.Poller.VolatileInterval,
		StableInterval:   cfg.Poller.StableInterval,
		MessageLimit:     cfg.Poller.MessageLimit,
		LeaderboardLimit: cfg.Poller.LeaderboardLimit,
	}

	h := handler.NewHandler(
		service.NewAccountService(ledgerAdapter, txRepo),
		service.NewEconomyService(ledgerAdapter, auditLog, publisher, locker, logger),
		holds,
		auditLog,
		service.NewStreamService(publisher, client, presence, source, pollOpts, logger),
		logger,
	)

	// ============================================================
	// Background jobs
	// ============================================================

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := []interface {
		Start(ctx context.Context)
		Stop()
	}{
		job.NewOutboxSender(outboxRepo, publisher, cfg.Jobs.OutboxInterval, cfg.Jobs.MaxRetryCount, logger),
		job.NewAuditExporter(auditRepo, producer, cache.NewCursor(rdb, cfg.Channel.KeyPrefix+":audit-export:cursor"),
			cfg.Kafka.Topic.AuditExport, cfg.Audit.ExportInterval, cfg.Audit.ExportBatchSize, logger),
		job.NewSpoolReplayer(auditSpool, auditRepo, cfg.Jobs.SpoolReplayInterval, logger),
		job.NewHoldExpiryJob(holds, cfg.Reservation.HoldTTL, cfg.Jobs.HoldExpiryInterval, logger),
		job.NewAuditReconcileJob(txRepo, auditRepo, auditLog, auditSpool,
			cfg.Jobs.ReconcileInterval, cfg.Jobs.ReconcileLookback, logger),
	}
	for _, j := range jobs {
		go j.Start(ctx)
	}

	// ============================================================
	// HTTP
	// ============================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}

	cancel()
	for _, j := range jobs {
		j.Stop()
	}

	logger.Info("server stopped")
	return nil
}
