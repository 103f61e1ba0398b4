package model

import (
	"database/sql"
	"path"
	"strconv"
	"time"
)

// WatchRoot is a local directory tree under synchronization.
type WatchRoot struct {
	ID       int64
	Path     string        // Absolute path on host
	RemoteID sql.NullInt64 // Server cell the root maps to, if any
}

// FileRecord is one file or directory under a watch root as known to both
// the local store and the server.
type FileRecord struct {
	ID          int64
	WatchRootID int64
	Filename    string // Slash separated, relative to the watch root; "" is the root itself
	Directory   bool
	Hash        sql.NullString
	Revision    int64
	RemoteID    sql.NullInt64 // Set once the server acknowledged a create
	ParentID    sql.NullInt64
	Signature   []byte
	Modified    sql.NullTime
}

// IsRoot reports whether r is the record standing for the watch root itself.
func (r *FileRecord) IsRoot() bool {
	return r.Filename == ""
}

// Name returns the last element of the record's filename.
func (r *FileRecord) Name() string {
	return path.Base(r.Filename)
}

// Key returns the dependency key other actions use to wait on this record:
// the remote id when known, otherwise the filename.
func (r *FileRecord) Key() string {
	if r.RemoteID.Valid {
		return IDKey(r.RemoteID.Int64)
	}
	return PathKey(r.Filename)
}

// IDKey is the dependency key of a server object. Ids and paths live in
// separate namespaces so a directory named "7" never answers for object 7.
func IDKey(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

// PathKey is the dependency key of a path not yet known to the server.
func PathKey(filename string) string {
	return "path:" + filename
}

// LogEntry is an audit record of a completed sync action.
type LogEntry struct {
	ID          int64
	Timestamp   time.Time
	Action      string
	WatchRootID sql.NullInt64
	Filename    string
	Message     string
}

// SyncSession records one CLI command or daemon run that mutated local state.
type SyncSession struct {
	ID         int64
	SessionID  string // UUID
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string // "running", "success" or "error"
}
