package storage

import (
	"fmt"

	"github.com/vibedev/vibedev/internal/common/config"
)

// NewRepository builds the repository selected by configuration
func NewRepository(cfg config.StorageConfig) (Repository, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "vibedev.db"
		}
		return NewSQLiteRepository(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		return NewPostgresRepository(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
