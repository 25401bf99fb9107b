package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/event"
	"github.com/parleyhq/parley/pkg/utils"
)

func main() {
	// Initialize logging system
	utils.InitLogger()
	logger := utils.GetLogger()

	if _, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("Failed to ensure default config", "error", err)
	}

	cfg, cfgPath, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded configuration",
		"path", cfgPath,
		"gemini_key", utils.MaskSensitiveString(cfg.Gemini.APIKey))

	storagePath, err := cfg.StoragePath()
	if err != nil {
		logger.Error("Failed to resolve storage path", "error", err)
		os.Exit(1)
	}

	// A missing composite index surfaces here as a distinct configuration
	// error rather than degrading queries at runtime.
	store, err := db.Open(storagePath)
	if err != nil {
		logger.Error("Failed to open store", "path", storagePath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional cross-instance event delivery.
	if addr := cfg.RedisAddr(); addr != "" {
		bridge := event.NewRedisBridge(addr, cfg.RedisChannel(), logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Warn("Redis bridge unavailable, running single-instance", "addr", addr, "error", err)
		} else {
			defer bridge.Close()
			logger.Info("Redis event bridge started", "addr", addr, "channel", cfg.RedisChannel())
		}
	}

	server := NewServer(cfg, store)
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("Server started", "host", cfg.Host(), "port", server.port)

	<-ctx.Done()
	logger.Info("Shutting down")
}
