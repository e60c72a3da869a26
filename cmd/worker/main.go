// Package main runs the background job worker and the maintenance loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/platform"
	"github.com/aura-coaching/backend/internal/worker"
)

func main() {
	logger := platform.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open platform", zap.Error(err))
	}
	defer p.Close()

	processor := worker.NewProcessor(p.Queue, p.Recordings, p.Outbox, p.Users, worker.NewLogSender(logger), cfg.Worker.Concurrency, logger)
	maintenance := worker.NewMaintenance(p.Machine, p.Outbox, p.Gate, cfg.Worker.Tick, cfg.Locks.CleanupInterval, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := processor.Run(workerCtx); err != nil {
			logger.Error("processor stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		maintenance.Run(workerCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}
