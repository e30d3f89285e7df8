// migrate applies the embedded incident schema; use with go run ./cmd/migrate -direction up.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"oncall-pager/internal/config"
	"oncall-pager/internal/db/migrate"
	"oncall-pager/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New("oncall-migrate", cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	dir, err := migrate.ParseDirection(*direction)
	if err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	version, err := migrate.Run(cfg.DatabaseURL, dir)
	if err != nil {
		logger.Fatal("migrate", zap.String("direction", string(dir)), zap.Error(err))
	}
	logger.Info("migrations applied", zap.String("direction", string(dir)), zap.Uint("version", version))
}
