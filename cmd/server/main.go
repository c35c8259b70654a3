// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/presents-campaigns/internal/app"
	"github.com/unclebandit/presents-campaigns/internal/config"
	"github.com/unclebandit/presents-campaigns/internal/logger"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, dotenv, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !dotenv {
		log.Info("no .env file found, relying on OS environment variables")
	}

	err = run(cfg, log)
	if err != nil {
		log.Error("server failed", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// Without a broker nothing else consumes dispatch jobs, so run the
	// worker and sweeper in this process.
	sweeperDone := make(chan struct{})
	if _, ok := a.Queue.(*queue.InMemoryQueue); ok {
		if err := service.NewWorker(a.Engine, a.Queue, log.Named("worker")).Start(); err != nil {
			return fmt.Errorf("subscribe worker: %w", err)
		}
		go func() {
			defer close(sweeperDone)
			a.Sweeper.Run(ctx)
		}()
	} else {
		close(sweeperDone)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	<-sweeperDone
	// Connections close only after in-flight dispatch runs have recorded
	// their deliveries.
	a.Drain(shutdownCtx)

	select {
	case err := <-serveErr:
		return err
	default:
		log.Info("server stopped")
		return nil
	}
}
