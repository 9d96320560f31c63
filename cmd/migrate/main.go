// Command migrate applies the audit and kill switch schemas with goose.
//
// Usage:
//
//	go run ./cmd/migrate up            # apply pending migrations
//	go run ./cmd/migrate down          # roll back the last one
//	go run ./cmd/migrate status
//	go run ./cmd/migrate -dir ./migrations up-to 2
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/goshtasb/xorj-landing-sub001/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the SQL migrations")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall migration timeout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir path] [-timeout d] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dbURL, *dir, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", flag.Arg(0))
}

func run(ctx context.Context, dbURL, dir, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, dir, args...)
}
