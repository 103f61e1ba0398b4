package melissi

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"melissi-go/internal/model"
)

// DefaultCallTimeout bounds a single remote call when Env.CallTimeout is unset.
const DefaultCallTimeout = 30 * time.Second

// Action is one pending synchronization operation.
type Action interface {
	// UniqueID is the remote id of the target if known, else its filename.
	// Other actions wait on it.
	UniqueID() string

	// Execute performs the work and reports how the worker should proceed.
	Execute(ctx context.Context) Outcome

	// String describes the action for logs and the audit trail.
	String() string
}

// structural actions shape the directory tree and jump the ready queue.
type structural interface {
	structural()
}

// waker is implemented by actions that release more waiting keys than their
// UniqueID when they finish.
type waker interface {
	wakeKeys() []string
}

// pathKeyed actions target a single local path; the worker never runs two
// actions with the same path key at once.
type pathKeyed interface {
	pathKey() string
}

// Env is the handle every action is built with.
type Env struct {
	Store       Store
	Remote      RemoteClient
	FS          FilesystemManager
	Hasher      Hasher
	Queue       *Queue
	Logger      Logger
	Clock       Clock
	CallTimeout time.Duration

	// Owner is reported as the actor in notifications.
	Owner string
}

// callContext derives the context for one remote call.
func (e *Env) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Env) now() sql.NullTime {
	return sql.NullTime{Time: e.Clock.Now().UTC(), Valid: true}
}

func (e *Env) notify(verb, filename string) {
	e.Queue.PutNotification(Notification{
		Name:     path.Base(filename),
		Filename: filename,
		Dirname:  parentDir(filename),
		Owner:    e.Owner,
		Verb:     verb,
	})
}

// recordKey returns the dependency key of the record at filename, falling
// back to the filename itself when the record is unknown or unreadable.
func (e *Env) recordKey(root *model.WatchRoot, filename string) string {
	rec, err := e.Store.FindFile(root.ID, filename)
	if err != nil || rec == nil {
		return model.PathKey(filename)
	}
	return rec.Key()
}

// resolveParent returns the record of the directory containing filename.
// When ok is false the caller must stop and return out.
func (e *Env) resolveParent(root *model.WatchRoot, filename string) (parent *model.FileRecord, out Outcome, ok bool) {
	dir := parentDir(filename)
	parent, err := e.Store.FindFile(root.ID, dir)
	if err != nil {
		return nil, RetryLater(fmt.Errorf("finding parent of %s: %w", filename, err)), false
	}
	if parent == nil {
		return nil, WaitFor(model.PathKey(dir), fmt.Errorf("parent directory %q not synced yet", dir)), false
	}
	if !parent.Directory {
		return nil, Failed(fmt.Errorf("parent %q of %s is tracked as a file", dir, filename)), false
	}
	if !parent.IsRoot() && !parent.RemoteID.Valid {
		return nil, WaitFor(parent.Key(), fmt.Errorf("parent directory %q has no remote id", dir)), false
	}
	return parent, Outcome{}, true
}

// cellOf returns the server id children of rec are created under.
func cellOf(rec *model.FileRecord) int64 {
	if rec.RemoteID.Valid {
		return rec.RemoteID.Int64
	}
	return 0
}

func remoteID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: true}
}

// parentDir returns the slash separated parent of filename; "" is the watch
// root.
func parentDir(filename string) string {
	dir := path.Dir(filename)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// pathAction is the common state of actions that target a path under a
// watch root.
type pathAction struct {
	env      *Env
	root     *model.WatchRoot
	filename string
}

func (p *pathAction) absPath() string {
	return filepath.Join(p.root.Path, filepath.FromSlash(p.filename))
}

func (p *pathAction) pathKey() string {
	return strconv.FormatInt(p.root.ID, 10) + ":" + p.filename
}

// Root returns the watch root the action belongs to.
func (p *pathAction) Root() *model.WatchRoot { return p.root }

// Filename returns the target path relative to the watch root.
func (p *pathAction) Filename() string { return p.filename }

// actionName is the audit-log name of an action.
func actionName(a Action) string {
	switch a.(type) {
	case *CreateDir:
		return "CreateDir"
	case *ModifyFile:
		return "ModifyFile"
	case *DeleteFile:
		return "DeleteFile"
	case *DeleteDir:
		return "DeleteDir"
	case *DeleteRemoteFile:
		return "DeleteRemoteFile"
	case *DeleteRemoteDir:
		return "DeleteRemoteDir"
	case *MoveDir:
		return "MoveDir"
	case *Rescan:
		return "Rescan"
	default:
		return fmt.Sprintf("%T", a)
	}
}

// dependencyKeys lists every key a finished action releases.
func dependencyKeys(a Action) []string {
	keys := []string{a.UniqueID()}
	if w, ok := a.(waker); ok {
		keys = append(keys, w.wakeKeys()...)
	}
	return keys
}

func isStructural(a Action) bool {
	_, ok := a.(structural)
	return ok
}
