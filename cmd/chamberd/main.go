package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/storage"
	"github.com/defliez/temperature-chamber/internal/system"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	hashPassword := flag.String("hash-password", "", "print the argon2id hash of a password for auth.password_hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.NewPasswordHasher(auth.DefaultHashParams()).HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	ctx := context.Background()
	runs, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		logger.Fatal("Failed to open run history", zap.Error(err))
	}
	defer runs.Close()

	lifecycle, err := system.NewLifecycleManager(runs, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create station", zap.Error(err))
	}

	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start station", zap.Error(err))
	}

	logger.Info("chamberd started successfully")

	// Graceful shutdown on signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("chamberd stopped via API")
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		runs.Close()
		os.Exit(1)
	}

	logger.Info("chamberd stopped successfully")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zcfg.Build()
}
