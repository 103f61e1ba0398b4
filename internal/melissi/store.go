package melissi

import (
	"database/sql"
	"time"

	"melissi-go/internal/model"
)

// Store provides an interface for the local state store.
// Lookups return nil, nil when nothing matches.
type Store interface {
	// Watch root operations

	// AddWatchRoot registers a watch root together with its root FileRecord
	// (empty filename, directory, mapped to remoteID). It is idempotent on path.
	AddWatchRoot(path string, remoteID sql.NullInt64) (*model.WatchRoot, error)

	FindWatchRoot(id int64) (*model.WatchRoot, error)
	FindWatchRootByPath(path string) (*model.WatchRoot, error)
	ListWatchRoots() ([]*model.WatchRoot, error)

	// File record operations

	// FindFile returns the record for filename under the given watch root.
	FindFile(watchRootID int64, filename string) (*model.FileRecord, error)

	// FindFileByRemoteID returns the record the server knows by remoteID.
	// directory selects between cells (true) and droplets (false).
	FindFileByRemoteID(remoteID int64, directory bool) (*model.FileRecord, error)

	// ListFiles returns every record under a watch root, root record included,
	// ordered by filename.
	ListFiles(watchRootID int64) ([]*model.FileRecord, error)

	// InsertFile persists a new record and sets rec.ID.
	InsertFile(rec *model.FileRecord) error

	// UpdateFile overwrites the mutable columns of an existing record.
	UpdateFile(rec *model.FileRecord) error

	// DeleteFile removes a single record.
	DeleteFile(id int64) error

	// DeleteTree removes rec and every record whose filename lies below it,
	// in one transaction. It returns the removed records, rec first.
	DeleteTree(rec *model.FileRecord) ([]*model.FileRecord, error)

	// MoveTree renames rec to newFilename under newParentID and rewrites the
	// filenames of all its descendants, in one transaction.
	MoveTree(rec *model.FileRecord, newFilename string, newParentID int64) error

	// ClearFiles forgets every non-root record. Watch roots survive.
	ClearFiles() error

	// RecentFiles returns the most recently synced non-root records.
	RecentFiles(limit int) ([]*model.FileRecord, error)

	// Audit log operations

	AppendLogEntry(entry *model.LogEntry) error

	// ListLogEntries returns entries newer than since (zero means all),
	// newest first.
	ListLogEntries(since time.Time, limit int) ([]*model.LogEntry, error)

	// Session operations

	CreateSyncSession(sessionID, operation, parameters string) (*model.SyncSession, error)
	FinishSyncSession(id int64, status string) error
	ListSyncSessions(limit int) ([]*model.SyncSession, error)

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	Close() error
}
