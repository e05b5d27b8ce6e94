// Package storage persists run history.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRunNotFound = errors.New("run not found")

// RunStore is implemented by every history backend.
type RunStore interface {
	SaveRun(ctx context.Context, run *types.RunRecord) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error)
	Close()
}

// Open selects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (RunStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		store, err := NewSQLiteStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("Run history on SQLite", zap.String("path", cfg.SQLite.Path))
		return store, nil

	case "postgres":
		client, err := NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := client.Migrate(ctx); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("Run history on PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
		return client, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
