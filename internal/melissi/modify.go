package melissi

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"melissi-go/internal/model"
)

// ModifyFile uploads the current content of a file: a droplet create plus a
// full first revision for new files, a delta revision for known ones.
// The stored hash only changes once the server acknowledged the revision,
// so an interrupted upload is never mistaken for converged content.
type ModifyFile struct {
	pathAction
	uniqueID string
}

func NewModifyFile(env *Env, root *model.WatchRoot, filename string) *ModifyFile {
	return &ModifyFile{
		pathAction: pathAction{env: env, root: root, filename: filename},
		uniqueID:   env.recordKey(root, filename),
	}
}

func (a *ModifyFile) UniqueID() string { return a.uniqueID }

func (a *ModifyFile) String() string {
	return fmt.Sprintf("ModifyFile(%s)", a.absPath())
}

func (a *ModifyFile) Execute(ctx context.Context) Outcome {
	parent, out, ok := a.env.resolveParent(a.root, a.filename)
	if !ok {
		return out
	}

	rec, err := a.env.Store.FindFile(a.root.ID, a.filename)
	if err != nil {
		return RetryLater(fmt.Errorf("finding record for %s: %w", a.filename, err))
	}
	if rec == nil {
		rec = &model.FileRecord{
			WatchRootID: a.root.ID,
			Filename:    a.filename,
			ParentID:    sql.NullInt64{Int64: parent.ID, Valid: true},
		}
	}
	if rec.Directory {
		return Failed(fmt.Errorf("%s is tracked as a directory", a.filename))
	}

	content, err := a.read()
	if errors.Is(err, fs.ErrNotExist) {
		return NoOp("file vanished")
	}
	if err != nil {
		return RetryLater(err)
	}

	hash, err := a.env.Hasher.Hash(bytes.NewReader(content))
	if err != nil {
		return RetryLater(fmt.Errorf("hashing %s: %w", a.filename, err))
	}
	if rec.Hash.Valid && rec.Hash.String == hash {
		return NoOp("content unchanged")
	}

	signature, err := a.env.Hasher.Signature(bytes.NewReader(content))
	if err != nil {
		return RetryLater(fmt.Errorf("computing signature of %s: %w", a.filename, err))
	}

	verb := "modified"
	if rec.Revision == 0 {
		verb = "created"
	}
	if !rec.RemoteID.Valid {
		if out, ok := a.createDroplet(ctx, rec, parent); !ok {
			return out
		}
	}

	rev := &RevisionUpload{Hash: hash, Number: rec.Revision + 1}
	if len(rec.Signature) == 0 {
		// No acknowledged revision to diff against.
		rev.Content = bytes.NewReader(content)
	} else {
		patch, err := a.env.Hasher.Delta(rec.Signature, bytes.NewReader(content))
		if err != nil {
			return RetryLater(fmt.Errorf("computing delta of %s: %w", a.filename, err))
		}
		rev.Patch = patch
	}

	callCtx, cancel := a.env.callContext(ctx)
	number, err := a.env.Remote.CreateRevision(callCtx, rec.RemoteID.Int64, rev)
	cancel()
	if err != nil {
		return RetryLater(fmt.Errorf("posting revision of %s: %w", a.filename, err))
	}

	rec.Hash = sql.NullString{String: hash, Valid: true}
	if number > rec.Revision {
		rec.Revision = number
	} else {
		rec.Revision++
	}
	rec.Signature = signature
	rec.Modified = a.env.now()
	if err := a.env.Store.UpdateFile(rec); err != nil {
		return RetryLater(fmt.Errorf("recording revision %d of %s: %w", rec.Revision, a.filename, err))
	}

	a.env.notify(verb, a.filename)
	return Done()
}

// createDroplet creates the server object for a new file and persists the
// record with its remote id, so a failed first revision is retried against
// the same droplet.
func (a *ModifyFile) createDroplet(ctx context.Context, rec, parent *model.FileRecord) (Outcome, bool) {
	callCtx, cancel := a.env.callContext(ctx)
	id, err := a.env.Remote.CreateDroplet(callCtx, path.Base(a.filename), cellOf(parent))
	cancel()
	if err != nil {
		return RetryLater(fmt.Errorf("creating droplet for %s: %w", a.filename, err)), false
	}

	rec.RemoteID = remoteID(id)
	if err := a.env.Store.InsertFile(rec); err != nil {
		return RetryLater(fmt.Errorf("recording droplet %d for %s: %w", id, a.filename, err)), false
	}
	a.uniqueID = rec.Key()
	return Outcome{}, true
}

func (a *ModifyFile) read() ([]byte, error) {
	f, err := a.env.FS.Open(a.absPath())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", a.absPath(), err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", a.absPath(), err)
	}
	return content, nil
}
