// Package store provides the persistence backends of the catalog: a JSON
// snapshot file, SQLite and PostgreSQL. Every backend implements data.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pashagolub/bookvote/pkg/data"
)

// Error types for storage operations
var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrAtomicWrite   = errors.New("atomic write operation failed")
	ErrCorruptedFile = errors.New("corrupted file detected")
)

// Open creates the store selected by cfg.Driver. SQL stores are migrated to
// the latest schema before they are returned.
func Open(ctx context.Context, cfg data.StorageConfig, logger *slog.Logger) (data.Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case data.DriverMemory:
		logger.Info("using in-memory storage, nothing will be kept after exit")
		return data.NewMemoryStore(), nil
	case data.DriverFile:
		logger.Info("opening snapshot file", "path", cfg.Path)
		return NewFileStore(cfg.Path)
	case data.DriverSQLite, data.DriverPostgres:
		s, err := OpenSQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		version, err := s.Migrate()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("database ready", "driver", cfg.Driver, "schema_version", version)
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
}
