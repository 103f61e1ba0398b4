package database

import (
	"fmt"
	"os"
	"path/filepath"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

// DatabaseFileName is the SQLite file created under DatabaseConfig.DataDir.
const DatabaseFileName = "melissi.db"

// NewDatabaseFromConfig creates a Store implementation based on the database
// config type. A memory database is migrated immediately since nothing else
// can reach it; a sqlite file is left for the caller to migrate.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock melissi.Clock) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, DatabaseFileName), clock)
	case "memory":
		db, err := NewSQLiteDatabase(":memory:", clock)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating memory database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
