package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fsas/internal/audit"
	"fsas/internal/config"
	"fsas/internal/logging"
	"fsas/internal/queue"
	"fsas/internal/store"
)

// Worker consumes scan-audit events and flags repeated signature
// mismatches for review.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	var counter audit.Counter
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warn("db not reachable, tallying in memory", zap.Error(err))
		counter = audit.NewMemCounter()
	} else {
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		counter = audit.NewRepo(db.Client)
	}

	monitor := audit.NewMonitor(counter, logger)
	logger.Info("audit worker started")
	if err := monitor.Run(ctx, q); err != nil && err != context.Canceled {
		logger.Fatal("audit worker failed", zap.Error(err))
	}
	logger.Info("audit worker stopped")
}
