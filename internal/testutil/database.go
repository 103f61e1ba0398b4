package testutil

import (
	"testing"

	"melissi-go/internal/config"
	"melissi-go/internal/database"
	"melissi-go/internal/melissi"
)

// NewTestDatabase creates a new migrated in-memory SQLite store.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock melissi.Clock) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewDatabaseFromConfig(config.DatabaseConfig{Type: "memory"}, clock)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
