package melissi

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"melissi-go/internal/model"
)

// deleteByRemoteID applies a deletion the server initiated. There is no
// local path to race against, so existence is not re-checked: the records
// go, the local copy goes, and the server delete is sent as an
// acknowledgment. The object may already be gone server side, so a 404 is
// success.
type deleteByRemoteID struct {
	env       *Env
	remoteID  int64
	directory bool
	acked     bool
	filename  string
	removed   bool
}

func (a *deleteByRemoteID) UniqueID() string {
	return model.IDKey(a.remoteID)
}

func (a *deleteByRemoteID) execute(ctx context.Context) Outcome {
	if !a.removed {
		rec, err := a.env.Store.FindFileByRemoteID(a.remoteID, a.directory)
		if err != nil {
			return RetryLater(fmt.Errorf("finding record for remote id %d: %w", a.remoteID, err))
		}
		if rec == nil {
			return NoOp("remote id not tracked")
		}
		if rec.IsRoot() {
			return Failed(fmt.Errorf("refusing to delete the watch root mapped to cell %d", a.remoteID))
		}

		root, err := a.env.Store.FindWatchRoot(rec.WatchRootID)
		if err != nil {
			return RetryLater(fmt.Errorf("finding watch root %d: %w", rec.WatchRootID, err))
		}

		if a.directory {
			_, err = a.env.Store.DeleteTree(rec)
		} else {
			err = a.env.Store.DeleteFile(rec.ID)
		}
		if err != nil {
			return RetryLater(fmt.Errorf("deleting records for remote id %d: %w", a.remoteID, err))
		}
		a.removed = true
		a.filename = rec.Filename

		if root != nil {
			a.removeLocal(filepath.Join(root.Path, filepath.FromSlash(rec.Filename)))
		}
	}

	if !a.acked {
		callCtx, cancel := a.env.callContext(ctx)
		var err error
		if a.directory {
			err = a.env.Remote.DeleteCell(callCtx, a.remoteID)
		} else {
			err = a.env.Remote.DeleteDroplet(callCtx, a.remoteID)
		}
		cancel()
		if err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return RetryLater(fmt.Errorf("acknowledging delete of remote id %d: %w", a.remoteID, err))
		}
		a.acked = true
	}

	a.env.notify("deleted", a.filename)
	return Done()
}

// removeLocal deletes the local copy. Failures are logged only: the watcher
// reports whatever remains and the records are already gone.
func (a *deleteByRemoteID) removeLocal(abs string) {
	var err error
	if a.directory {
		err = a.env.FS.RemoveAll(abs)
	} else {
		err = a.env.FS.Remove(abs)
	}
	if err != nil {
		a.env.Logger.Warn("removing local copy", "path", abs, "error", err)
	}
}

// DeleteRemoteFile applies a server-side droplet deletion.
type DeleteRemoteFile struct {
	deleteByRemoteID
}

func NewDeleteRemoteFile(env *Env, remoteID int64) *DeleteRemoteFile {
	return &DeleteRemoteFile{deleteByRemoteID{env: env, remoteID: remoteID}}
}

func (a *DeleteRemoteFile) String() string {
	return fmt.Sprintf("DeleteRemoteFile(%d)", a.remoteID)
}

func (a *DeleteRemoteFile) Execute(ctx context.Context) Outcome {
	return a.execute(ctx)
}

// DeleteRemoteDir applies a server-side cell deletion, descendants
// included.
type DeleteRemoteDir struct {
	deleteByRemoteID
}

func NewDeleteRemoteDir(env *Env, remoteID int64) *DeleteRemoteDir {
	return &DeleteRemoteDir{deleteByRemoteID{env: env, remoteID: remoteID, directory: true}}
}

func (a *DeleteRemoteDir) String() string {
	return fmt.Sprintf("DeleteRemoteDir(%d)", a.remoteID)
}

func (a *DeleteRemoteDir) Execute(ctx context.Context) Outcome {
	return a.execute(ctx)
}
