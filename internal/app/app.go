package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"melissi-go/internal/config"
	"melissi-go/internal/dashboard"
	"melissi-go/internal/database"
	"melissi-go/internal/delta"
	"melissi-go/internal/encryption"
	"melissi-go/internal/fs"
	"melissi-go/internal/melissi"
	"melissi-go/internal/model"
	"melissi-go/internal/remote"
)

// MelissiApp is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes the local queries the
// CLI needs, and runs the daemon. The caller must call Close when done.
type MelissiApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	fsmgr     *fs.AferoFilesystemManager
	ignore    *fs.IgnoreMatcher
	logger    melissi.Logger
	logCloser io.Closer
	clock     melissi.Clock
	ids       melissi.IDGenerator
	session   *Session
}

// NewMelissiApp creates a fully wired MelissiApp from the given config.
// operation identifies the CLI command being run (e.g. "AddWatchRoot", "Run").
func NewMelissiApp(cfg *config.Config, operation, parameters string) (*MelissiApp, error) {
	clock := melissi.RealClock{}
	ids := melissi.UUIDGenerator{}
	session := NewSession(ids.New(), operation, parameters)

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	// The daemon owns its store, so it brings the schema up to date itself.
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	slogger, logCloser, err := newLogger(cfg.LogDir, session.SessionID, level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &MelissiApp{
		cfg:       cfg,
		db:        db,
		logger:    &slogAdapter{l: slogger},
		logCloser: logCloser,
		clock:     clock,
		ids:       ids,
		session:   session,
	}

	if err := a.syncWatchRoots(); err != nil {
		a.closeResources()
		return nil, err
	}
	a.ignore = fs.NewIgnoreMatcher(a.ignorePatterns())
	a.fsmgr = fs.NewOSFilesystemManager(a.ignore)
	return a, nil
}

// syncWatchRoots registers every configured watch root in the store.
func (a *MelissiApp) syncWatchRoots() error {
	for _, w := range a.cfg.WatchRoots {
		if _, err := a.db.AddWatchRoot(filepath.Clean(w.Path), cellID(w.Cell)); err != nil {
			return fmt.Errorf("registering watch root %s: %w", w.Path, err)
		}
	}
	return nil
}

// ignorePatterns merges the configured patterns with every watch root's
// ignore file.
func (a *MelissiApp) ignorePatterns() []string {
	patterns := append([]string{}, a.cfg.Filesystem.Ignore...)
	for _, w := range a.cfg.WatchRoots {
		extra, err := fs.ParseIgnoreFile(filepath.Join(w.Path, fs.IgnoreFileName))
		if err != nil {
			a.logger.Warn("skipping ignore file", "root", w.Path, "error", err)
			continue
		}
		patterns = append(patterns, extra...)
	}
	return patterns
}

func cellID(cell int64) sql.NullInt64 {
	return sql.NullInt64{Int64: cell, Valid: cell > 0}
}

// persistSession saves the session to the database, giving it an auto-increment ID.
// This should only be called for commands that change local state.
func (a *MelissiApp) persistSession() error {
	if a.session.Persisted() {
		return nil
	}
	s, err := a.db.CreateSyncSession(a.session.SessionID, a.session.Operation, a.session.Parameters)
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	a.session.ID = s.ID
	return nil
}

// AddWatchRoot resolves rawPath and registers it as a watch root mapped to
// the given server cell (0 is the top level).
func (a *MelissiApp) AddWatchRoot(rawPath string, cell int64) (*model.WatchRoot, error) {
	if err := a.persistSession(); err != nil {
		return nil, err
	}
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		a.session.Fail(err)
		return nil, fmt.Errorf("checking %s: %w", p, err)
	}
	if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", p)
		a.session.Fail(err)
		return nil, err
	}

	root, err := a.db.AddWatchRoot(p, cellID(cell))
	a.session.Fail(err)
	return root, err
}

func (a *MelissiApp) WatchRoots() ([]*model.WatchRoot, error) {
	return a.db.ListWatchRoots()
}

// Recent returns the most recently synced files.
func (a *MelissiApp) Recent(limit int) ([]*model.FileRecord, error) {
	return a.db.RecentFiles(limit)
}

// Log returns audit entries newer than since, newest first.
func (a *MelissiApp) Log(since time.Time, limit int) ([]*model.LogEntry, error) {
	return a.db.ListLogEntries(since, limit)
}

// History returns the most recent sessions.
func (a *MelissiApp) History(limit int) ([]*model.SyncSession, error) {
	return a.db.ListSyncSessions(limit)
}

// Run is the daemon: it watches every root, drains the action queue and
// serves the dashboard until ctx is cancelled, which counts as a clean stop.
// A full rescan of every root is queued at start.
func (a *MelissiApp) Run(ctx context.Context) (err error) {
	if err := a.persistSession(); err != nil {
		return err
	}
	defer func() { a.session.Fail(err) }()

	rc, owner, err := a.newRemote()
	if err != nil {
		return err
	}

	env := &melissi.Env{
		Store:       a.db,
		Remote:      rc,
		FS:          a.fsmgr,
		Hasher:      delta.NewHasher(),
		Queue:       melissi.NewQueue(),
		Logger:      a.logger,
		Clock:       a.clock,
		CallTimeout: a.cfg.Remote.CallTimeout.Std(),
		Owner:       owner,
	}
	status := melissi.NewStatusTracker()
	engine, err := melissi.NewEngine(env, workerConfig(a.cfg.Worker), melissi.DefaultPairWindow, status)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if len(engine.Roots()) == 0 {
		return fmt.Errorf("no watch roots configured; add one with `melissi watch add`")
	}

	watcher, err := fs.NewWatcher(a.ignore)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(engine.Roots()))
	for _, root := range engine.Roots() {
		paths = append(paths, root.Path)
	}
	if err := watcher.Start(paths); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return a.routeEvents(gctx, watcher, engine.Router())
	})

	if a.cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(engine, dashboard.Config{
			Listen: DashboardAddr(a.cfg),
			Logger: a.logger,
		})
		status.Subscribe(srv.PublishStatus)
		env.Queue.OnNotification(srv.PublishNotification)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	a.logger.Info("daemon started", "roots", len(paths), "session", a.session.SessionID)
	engine.RescanAll()

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("daemon stopped")
	return nil
}

// routeEvents feeds watcher events to the router and flushes unpaired
// renames once per pairing window.
func (a *MelissiApp) routeEvents(ctx context.Context, w *fs.Watcher, router *melissi.EventRouter) error {
	ticker := time.NewTicker(melissi.DefaultPairWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			router.Route(ev)
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			a.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			router.Flush()
		}
	}
}

// newRemote builds the server client. The in-memory remote needs no
// credentials. owner is the configured owner, else the account name.
func (a *MelissiApp) newRemote() (melissi.RemoteClient, string, error) {
	owner := a.cfg.Owner
	var creds *melissi.Credentials

	if a.cfg.Remote.Type != "memory" {
		store, err := encryption.NewCredentialStoreFromConfig(a.cfg.Credentials)
		if err != nil {
			return nil, "", fmt.Errorf("creating credential store: %w", err)
		}
		if !store.IsConfigured() {
			return nil, "", fmt.Errorf("no credentials saved; run `melissi config init`")
		}
		creds, err = store.Load()
		if err != nil {
			return nil, "", fmt.Errorf("loading credentials: %w", err)
		}
		if owner == "" {
			owner = creds.Username
		}
	}
	if owner == "" {
		owner = "me"
	}

	rc, err := remote.NewRemoteFromConfig(a.cfg.Remote, creds, a.ids)
	if err != nil {
		return nil, "", fmt.Errorf("creating remote: %w", err)
	}
	return rc, owner, nil
}

// workerConfig converts the file config; zero values keep the engine defaults.
func workerConfig(c config.WorkerConfig) melissi.WorkerConfig {
	return melissi.WorkerConfig{
		MaxInFlight:    c.MaxInFlight,
		BaseBackoff:    c.BaseBackoff.Std(),
		MaxBackoff:     c.MaxBackoff.Std(),
		StallThreshold: c.StallThreshold,
		MaxAttempts:    c.MaxAttempts,
	}
}

// Close finishes a persisted session and releases the database and log file.
func (a *MelissiApp) Close() error {
	var firstErr error
	if a.session.Persisted() {
		if err := a.db.FinishSyncSession(a.session.ID, a.session.Status); err != nil {
			firstErr = fmt.Errorf("finishing session: %w", err)
		}
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *MelissiApp) closeResources() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return firstErr
}
