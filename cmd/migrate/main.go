package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/config"
	"github.com/hanko-field/commerce/internal/platform/observability"
	"github.com/hanko-field/commerce/internal/repositories/postgres"
)

const usage = `usage: migrate [-env FILE] up|down|status`

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the process environment")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	command := postgres.MigrationCommand(flag.Arg(0))
	switch command {
	case postgres.MigrateUp, postgres.MigrateDown, postgres.MigrateStatus:
	default:
		flag.Usage()
		os.Exit(2)
	}

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("migrate")
	goose.SetLogger(observability.NewPrintfAdapter(logger.Named("goose")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, config.WithEnvFile(*envFile))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer func() {
		_ = provider.Close(context.Background())
	}()

	if err := postgres.Migrate(ctx, provider, command); err != nil {
		logger.Error("migration failed", zap.String("command", string(command)), zap.Error(err))
		_ = provider.Close(context.Background())
		os.Exit(1)
	}
	logger.Info("migration complete", zap.String("command", string(command)))
}
