package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"melissi-go/internal/database/migrations"
	"melissi-go/internal/melissi"
	"melissi-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Compile-time check that SQLiteDatabase implements melissi.Store.
var _ melissi.Store = (*SQLiteDatabase)(nil)

// SQLiteDatabase implements melissi.Store on SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	clock melissi.Clock
}

// NewSQLiteDatabase opens the database at path (or ":memory:").
// clock defaults to RealClock.
func NewSQLiteDatabase(path string, clock melissi.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection. The caller is
// responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock melissi.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = melissi.RealClock{}
	}
	return &SQLiteDatabase{db: db, clock: clock}
}

// OpenConnection opens and configures a SQLite connection. Exported for
// tools and tests that need the same PRAGMAs.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// DB exposes the underlying connection for migrations.
func (s *SQLiteDatabase) DB() *sql.DB { return s.db }

// Watch root operations

func (s *SQLiteDatabase) AddWatchRoot(path string, remoteID sql.NullInt64) (*model.WatchRoot, error) {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	root, err := scanWatchRoot(tx.QueryRowContext(ctx,
		`SELECT id, path, remote_id FROM watch_roots WHERE path = ?`, path))
	if err != nil {
		return nil, fmt.Errorf("finding watch root: %w", err)
	}
	if root != nil {
		return root, nil
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO watch_roots (path, remote_id) VALUES (?, ?)`, path, remoteID)
	if err != nil {
		return nil, fmt.Errorf("inserting watch root: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading watch root id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (watch_root_id, filename, directory, remote_id, modified) VALUES (?, '', 1, ?, ?)`,
		id, remoteID, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting root record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &model.WatchRoot{ID: id, Path: path, RemoteID: remoteID}, nil
}

func (s *SQLiteDatabase) FindWatchRoot(id int64) (*model.WatchRoot, error) {
	root, err := scanWatchRoot(s.db.QueryRow(`SELECT id, path, remote_id FROM watch_roots WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("finding watch root %d: %w", id, err)
	}
	return root, nil
}

func (s *SQLiteDatabase) FindWatchRootByPath(path string) (*model.WatchRoot, error) {
	root, err := scanWatchRoot(s.db.QueryRow(`SELECT id, path, remote_id FROM watch_roots WHERE path = ?`, path))
	if err != nil {
		return nil, fmt.Errorf("finding watch root by path: %w", err)
	}
	return root, nil
}

func (s *SQLiteDatabase) ListWatchRoots() ([]*model.WatchRoot, error) {
	rows, err := s.db.Query(`SELECT id, path, remote_id FROM watch_roots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing watch roots: %w", err)
	}
	defer rows.Close()

	var roots []*model.WatchRoot
	for rows.Next() {
		var r model.WatchRoot
		if err := rows.Scan(&r.ID, &r.Path, &r.RemoteID); err != nil {
			return nil, fmt.Errorf("scanning watch root: %w", err)
		}
		roots = append(roots, &r)
	}
	return roots, rows.Err()
}

func scanWatchRoot(row *sql.Row) (*model.WatchRoot, error) {
	var r model.WatchRoot
	if err := row.Scan(&r.ID, &r.Path, &r.RemoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return &r, nil
}

// File record operations

const fileColumns = `id, watch_root_id, filename, directory, hash, revision, remote_id, parent_id, signature, modified`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*model.FileRecord, error) {
	var f model.FileRecord
	err := row.Scan(&f.ID, &f.WatchRootID, &f.Filename, &f.Directory, &f.Hash,
		&f.Revision, &f.RemoteID, &f.ParentID, &f.Signature, &f.Modified)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]*model.FileRecord, error) {
	defer rows.Close()

	var files []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteDatabase) findOne(query string, args ...any) (*model.FileRecord, error) {
	f, err := scanFile(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	return f, err
}

func (s *SQLiteDatabase) FindFile(watchRootID int64, filename string) (*model.FileRecord, error) {
	f, err := s.findOne(`SELECT `+fileColumns+` FROM files WHERE watch_root_id = ? AND filename = ?`,
		watchRootID, filename)
	if err != nil {
		return nil, fmt.Errorf("finding file %q: %w", filename, err)
	}
	return f, nil
}

func (s *SQLiteDatabase) FindFileByRemoteID(remoteID int64, directory bool) (*model.FileRecord, error) {
	f, err := s.findOne(`SELECT `+fileColumns+` FROM files WHERE remote_id = ? AND directory = ? ORDER BY id LIMIT 1`,
		remoteID, directory)
	if err != nil {
		return nil, fmt.Errorf("finding file by remote id %d: %w", remoteID, err)
	}
	return f, nil
}

func (s *SQLiteDatabase) ListFiles(watchRootID int64) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE watch_root_id = ? ORDER BY filename`, watchRootID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return scanFiles(rows)
}

func (s *SQLiteDatabase) InsertFile(rec *model.FileRecord) error {
	res, err := s.db.Exec(`INSERT INTO files (watch_root_id, filename, directory, hash, revision, remote_id, parent_id, signature, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WatchRootID, rec.Filename, rec.Directory, rec.Hash, rec.Revision,
		rec.RemoteID, rec.ParentID, rec.Signature, rec.Modified)
	if err != nil {
		return fmt.Errorf("inserting file %q: %w", rec.Filename, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading file id: %w", err)
	}
	rec.ID = id
	return nil
}

func (s *SQLiteDatabase) UpdateFile(rec *model.FileRecord) error {
	res, err := s.db.Exec(`UPDATE files SET directory = ?, hash = ?, revision = ?, remote_id = ?, parent_id = ?, signature = ?, modified = ?
		WHERE id = ?`,
		rec.Directory, rec.Hash, rec.Revision, rec.RemoteID, rec.ParentID, rec.Signature, rec.Modified, rec.ID)
	if err != nil {
		return fmt.Errorf("updating file %q: %w", rec.Filename, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating file %q: no record with id %d", rec.Filename, rec.ID)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteFile(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting file %d: %w", id, err)
	}
	return nil
}

// belowDir matches every filename strictly below a directory. It takes the
// "dir/" prefix twice. LIKE is not used since it folds ASCII case.
const belowDir = `substr(filename, 1, length(?)) = ?`

func (s *SQLiteDatabase) DeleteTree(rec *model.FileRecord) ([]*model.FileRecord, error) {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	self, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, rec.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %q: %w", rec.Filename, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE watch_root_id = ? AND `+belowDir+` ORDER BY filename`,
		self.WatchRootID, self.Filename+"/", self.Filename+"/")
	if err != nil {
		return nil, fmt.Errorf("listing descendants of %q: %w", self.Filename, err)
	}
	children, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM files WHERE id = ? OR (watch_root_id = ? AND `+belowDir+`)`,
		self.ID, self.WatchRootID, self.Filename+"/", self.Filename+"/")
	if err != nil {
		return nil, fmt.Errorf("deleting tree %q: %w", self.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return append([]*model.FileRecord{self}, children...), nil
}

func (s *SQLiteDatabase) MoveTree(rec *model.FileRecord, newFilename string, newParentID int64) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, filename FROM files WHERE watch_root_id = ? AND `+belowDir,
		rec.WatchRootID, rec.Filename+"/", rec.Filename+"/")
	if err != nil {
		return fmt.Errorf("listing descendants of %q: %w", rec.Filename, err)
	}
	type rename struct {
		id       int64
		filename string
	}
	var renames []rename
	for rows.Next() {
		var r rename
		if err := rows.Scan(&r.id, &r.filename); err != nil {
			rows.Close()
			return fmt.Errorf("scanning descendant: %w", err)
		}
		r.filename = newFilename + strings.TrimPrefix(r.filename, rec.Filename)
		renames = append(renames, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing descendants of %q: %w", rec.Filename, err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE files SET filename = ?, parent_id = ?, modified = ? WHERE id = ?`,
		newFilename, newParentID, s.clock.Now().UTC(), rec.ID)
	if err != nil {
		return fmt.Errorf("moving %q to %q: %w", rec.Filename, newFilename, err)
	}
	for _, r := range renames {
		if _, err := tx.ExecContext(ctx, `UPDATE files SET filename = ? WHERE id = ?`, r.filename, r.id); err != nil {
			return fmt.Errorf("renaming descendant to %q: %w", r.filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	rec.Filename = newFilename
	rec.ParentID = sql.NullInt64{Int64: newParentID, Valid: true}
	return nil
}

func (s *SQLiteDatabase) ClearFiles() error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE filename <> ''`); err != nil {
		return fmt.Errorf("clearing files: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) RecentFiles(limit int) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files
		WHERE filename <> '' AND modified IS NOT NULL
		ORDER BY modified DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent files: %w", err)
	}
	return scanFiles(rows)
}

// Audit log operations

func (s *SQLiteDatabase) AppendLogEntry(entry *model.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO log_entries (timestamp, action, watch_root_id, filename, message) VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Action, entry.WatchRootID, entry.Filename, entry.Message)
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteDatabase) ListLogEntries(since time.Time, limit int) ([]*model.LogEntry, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, action, watch_root_id, filename, message FROM log_entries
		WHERE timestamp > ? ORDER BY timestamp DESC, id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.WatchRootID, &e.Filename, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Session operations

func (s *SQLiteDatabase) CreateSyncSession(sessionID, operation, parameters string) (*model.SyncSession, error) {
	session := &model.SyncSession{
		SessionID:  sessionID,
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  s.clock.Now().UTC(),
		Status:     "running",
	}
	res, err := s.db.Exec(`INSERT INTO sync_sessions (session_id, operation, parameters, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		session.SessionID, session.Operation, session.Parameters, session.StartedAt, session.Status)
	if err != nil {
		return nil, fmt.Errorf("creating sync session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading sync session id: %w", err)
	}
	session.ID = id
	return session, nil
}

func (s *SQLiteDatabase) FinishSyncSession(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE sync_sessions SET finished_at = ?, status = ? WHERE id = ?`,
		s.clock.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing sync session %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncSessions(limit int) ([]*model.SyncSession, error) {
	rows, err := s.db.Query(`SELECT id, session_id, operation, parameters, started_at, finished_at, status FROM sync_sessions
		ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.SyncSession
	for rows.Next() {
		var ss model.SyncSession
		if err := rows.Scan(&ss.ID, &ss.SessionID, &ss.Operation, &ss.Parameters, &ss.StartedAt, &ss.FinishedAt, &ss.Status); err != nil {
			return nil, fmt.Errorf("scanning sync session: %w", err)
		}
		sessions = append(sessions, &ss)
	}
	return sessions, rows.Err()
}

func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}
