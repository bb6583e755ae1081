package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"btcescrow/observability/logging"
	"btcescrow/services/escrowd"
)

func main() {
	var cfgPath string
	var envFiles string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (.yaml or .toml)")
	flag.StringVar(&envFiles, "env-file", ".env", "comma separated .env files loaded before the configuration")
	flag.Parse()

	if err := run(cfgPath, envFiles); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, envFiles string) error {
	var files []string
	for _, f := range strings.Split(envFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		if err := escrowd.LoadDotEnv(files...); err != nil {
			return err
		}
	}
	cfg, err := escrowd.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.SetupWithOptions(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return escrowd.Run(ctx, cfg, logger)
}
