// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/presents-campaigns/internal/config"
	"github.com/unclebandit/presents-campaigns/internal/db"
	"github.com/unclebandit/presents-campaigns/internal/logger"
)

var seedFiles = []string{
	"migrations/001_schema.sql",
	"seed/presents.sql",
}

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

	err = seed(context.Background(), cfg, log)
	if err != nil {
		log.Error("seeding failed", zap.Error(err))
	} else {
		log.Info("database seeding completed")
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	conn, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return apply(ctx, conn, os.ReadFile, seedFiles, log)
}

// apply executes each file as one statement batch, stopping at the first
// failure.
func apply(ctx context.Context, conn *sql.DB, read func(string) ([]byte, error), files []string, log *zap.Logger) error {
	for _, file := range files {
		content, err := read(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.Info("seeded", zap.String("file", file))
	}
	return nil
}
