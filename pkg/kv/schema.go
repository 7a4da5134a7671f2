package kv

import (
	"context"
	"log/slog"

	"urlstore/storage"
)

// prepareSchema creates the engine's table unless it already exists.
func prepareSchema(ctx context.Context, engine storage.Engine, logger *slog.Logger) error {
	exists, err := engine.TableExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("table already present")
		return nil
	}

	if err := engine.CreateTable(ctx); err != nil {
		return err
	}
	schema := engine.Schema()
	logger.Info("table created",
		"key_column", schema.KeyColumn,
		"value_column", schema.ValueColumn)
	return nil
}
