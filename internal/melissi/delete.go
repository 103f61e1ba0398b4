package melissi

import (
	"context"
	"errors"
	"fmt"

	"melissi-go/internal/model"
)

// deleteObject is the shared body of DeleteFile and DeleteDir.
//
// A path can disappear and come back before the delete runs, e.g. when an
// application replaces a file by renaming a temporary over it. Existence is
// therefore checked at execution time, and a path that is present again is
// handed back to the queue as a modify instead.
type deleteObject struct {
	pathAction
	uniqueID string

	// pending is the remote object whose local record is already gone but
	// whose server delete has not been acknowledged.
	pending          int64
	pendingDirectory bool
}

func newDeleteObject(env *Env, root *model.WatchRoot, filename string) deleteObject {
	return deleteObject{
		pathAction: pathAction{env: env, root: root, filename: filename},
		uniqueID:   env.recordKey(root, filename),
	}
}

func (a *deleteObject) UniqueID() string { return a.uniqueID }

// execute runs the algorithm; removeLocal drops the record (and, for
// directories, its descendants) from the store.
func (a *deleteObject) execute(ctx context.Context, removeLocal func(rec *model.FileRecord) error) Outcome {
	if a.pending == 0 {
		rec, err := a.env.Store.FindFile(a.root.ID, a.filename)
		if err != nil {
			return RetryLater(fmt.Errorf("finding record for %s: %w", a.filename, err))
		}
		if rec == nil {
			return NoOp("path not tracked")
		}
		if rec.IsRoot() {
			return Failed(fmt.Errorf("refusing to delete watch root %s", a.root.Path))
		}

		exists, err := a.env.FS.Exists(a.absPath())
		if err != nil {
			return RetryLater(fmt.Errorf("checking %s: %w", a.absPath(), err))
		}
		if exists {
			if rec.Directory {
				a.env.Queue.Put(NewCreateDir(a.env, a.root, a.filename))
				a.env.Queue.Put(NewRescan(a.env, a.root, a.filename))
			} else {
				a.env.Queue.Put(NewModifyFile(a.env, a.root, a.filename))
			}
			a.env.Logger.Info("path exists again, syncing instead of deleting", "path", a.absPath())
			return NoOp("path exists again")
		}

		if err := removeLocal(rec); err != nil {
			return RetryLater(fmt.Errorf("deleting record for %s: %w", a.filename, err))
		}
		if !rec.RemoteID.Valid {
			a.env.notify("deleted", a.filename)
			return Done()
		}
		a.pending = rec.RemoteID.Int64
		a.pendingDirectory = rec.Directory
		a.uniqueID = model.IDKey(a.pending)
	}

	callCtx, cancel := a.env.callContext(ctx)
	var err error
	if a.pendingDirectory {
		err = a.env.Remote.DeleteCell(callCtx, a.pending)
	} else {
		err = a.env.Remote.DeleteDroplet(callCtx, a.pending)
	}
	cancel()
	if err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return RetryLater(fmt.Errorf("deleting remote object %d for %s: %w", a.pending, a.filename, err))
	}

	a.pending = 0
	a.env.notify("deleted", a.filename)
	return Done()
}

// DeleteFile propagates the removal of a local file.
type DeleteFile struct {
	deleteObject
}

func NewDeleteFile(env *Env, root *model.WatchRoot, filename string) *DeleteFile {
	return &DeleteFile{deleteObject: newDeleteObject(env, root, filename)}
}

func (a *DeleteFile) String() string {
	return fmt.Sprintf("DeleteFile(%s)", a.absPath())
}

func (a *DeleteFile) Execute(ctx context.Context) Outcome {
	return a.execute(ctx, func(rec *model.FileRecord) error {
		if rec.Directory {
			_, err := a.env.Store.DeleteTree(rec)
			return err
		}
		return a.env.Store.DeleteFile(rec.ID)
	})
}

// DeleteDir propagates the removal of a local directory and everything
// below it. One remote delete is issued for the directory; the server drops
// its children.
type DeleteDir struct {
	deleteObject
}

func NewDeleteDir(env *Env, root *model.WatchRoot, filename string) *DeleteDir {
	return &DeleteDir{deleteObject: newDeleteObject(env, root, filename)}
}

func (a *DeleteDir) String() string {
	return fmt.Sprintf("DeleteDir(%s)", a.absPath())
}

func (a *DeleteDir) Execute(ctx context.Context) Outcome {
	return a.execute(ctx, func(rec *model.FileRecord) error {
		removed, err := a.env.Store.DeleteTree(rec)
		if err != nil {
			return err
		}
		a.env.Logger.Debug("removed records", "path", a.absPath(), "count", len(removed))
		return nil
	})
}
