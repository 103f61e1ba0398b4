package melissi

import (
	"context"
	"database/sql"
	"fmt"
	"path"

	"melissi-go/internal/model"
)

// CreateDir makes sure a local directory exists as a cell on the server.
// It is structural: it runs ahead of file work, and its completion releases
// actions parked on the directory.
type CreateDir struct {
	pathAction
	uniqueID string
	remoteID int64
}

func NewCreateDir(env *Env, root *model.WatchRoot, filename string) *CreateDir {
	return &CreateDir{
		pathAction: pathAction{env: env, root: root, filename: filename},
		uniqueID:   env.recordKey(root, filename),
	}
}

func (a *CreateDir) structural() {}

func (a *CreateDir) UniqueID() string { return a.uniqueID }

func (a *CreateDir) String() string {
	return fmt.Sprintf("CreateDir(%s)", a.absPath())
}

// wakeKeys releases waiters under the directory's filename as well as its
// remote id.
func (a *CreateDir) wakeKeys() []string {
	keys := []string{model.PathKey(a.filename)}
	if a.remoteID != 0 {
		keys = append(keys, model.IDKey(a.remoteID))
	}
	return keys
}

func (a *CreateDir) Execute(ctx context.Context) Outcome {
	if a.filename == "" {
		return NoOp("watch root")
	}

	parent, out, ok := a.env.resolveParent(a.root, a.filename)
	if !ok {
		return out
	}

	rec, err := a.env.Store.FindFile(a.root.ID, a.filename)
	if err != nil {
		return RetryLater(fmt.Errorf("finding record for %s: %w", a.filename, err))
	}
	if rec != nil {
		if !rec.Directory {
			return Failed(fmt.Errorf("%s is tracked as a file", a.filename))
		}
		if rec.RemoteID.Valid {
			a.done(rec.RemoteID.Int64)
			return NoOp("directory already synced")
		}
	}

	exists, err := a.env.FS.Exists(a.absPath())
	if err != nil {
		return RetryLater(fmt.Errorf("checking %s: %w", a.absPath(), err))
	}
	if !exists {
		return NoOp("directory vanished")
	}

	callCtx, cancel := a.env.callContext(ctx)
	id, err := a.env.Remote.CreateCell(callCtx, path.Base(a.filename), cellOf(parent))
	cancel()
	if err != nil {
		return RetryLater(fmt.Errorf("creating cell for %s: %w", a.filename, err))
	}

	rec = &model.FileRecord{
		WatchRootID: a.root.ID,
		Filename:    a.filename,
		Directory:   true,
		RemoteID:    remoteID(id),
		ParentID:    sql.NullInt64{Int64: parent.ID, Valid: true},
		Modified:    a.env.now(),
	}
	if err := a.env.Store.InsertFile(rec); err != nil {
		return RetryLater(fmt.Errorf("recording cell %d for %s: %w", id, a.filename, err))
	}

	a.done(id)
	a.env.notify("created", a.filename)
	return Done()
}

func (a *CreateDir) done(id int64) {
	a.remoteID = id
	a.uniqueID = model.IDKey(id)
	a.env.Queue.WakeUp(model.PathKey(a.filename))
	a.env.Queue.WakeUp(a.uniqueID)
}
