// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/presents-campaigns/internal/app"
	"github.com/unclebandit/presents-campaigns/internal/config"
	"github.com/unclebandit/presents-campaigns/internal/logger"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

// The worker consumes dispatch jobs from RabbitMQ and runs the due-email
// sweeper. Several workers may run at once; the Redis lock and the database
// claim keep each scheduled email to a single run.
func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err = run(cfg, log)
	if err != nil {
		log.Error("worker failed", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	// Close cancels the consumer and waits for the job in hand before the
	// database connection goes away.
	defer a.Close()

	if err := service.NewWorker(a.Engine, a.Queue, log.Named("worker")).Start(); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	log.Info("worker waiting for dispatch jobs", zap.Int("concurrency", cfg.DispatchConcurrency))

	a.Sweeper.Run(ctx)
	log.Info("worker stopped")
	return nil
}
