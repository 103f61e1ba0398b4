package melissi

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"melissi-go/internal/model"
)

// Rescan reconciles a watch root (or the subtree at prefix) with the
// store: every directory gets a CreateDir, every file a ModifyFile, and
// every record whose path is gone a delete. Unchanged content costs a hash
// and no remote call.
type Rescan struct {
	pathAction
}

// NewRescan creates a rescan of the subtree at prefix; "" covers the whole
// watch root.
func NewRescan(env *Env, root *model.WatchRoot, prefix string) *Rescan {
	return &Rescan{pathAction: pathAction{env: env, root: root, filename: prefix}}
}

func (a *Rescan) UniqueID() string {
	return "rescan:" + a.pathKey()
}

func (a *Rescan) String() string {
	return fmt.Sprintf("Rescan(%s)", a.absPath())
}

func (a *Rescan) Execute(ctx context.Context) Outcome {
	records, err := a.env.Store.ListFiles(a.root.ID)
	if err != nil {
		return RetryLater(fmt.Errorf("listing records of %s: %w", a.root.Path, err))
	}
	known := make(map[string]*model.FileRecord, len(records))
	for _, rec := range records {
		known[rec.Filename] = rec
	}

	seen := make(map[string]bool)
	var dirs, files int
	err = a.env.FS.Walk(a.absPath(), func(rel string, isDir bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		filename := a.join(rel)
		if a.env.FS.Ignored(filename) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}
		seen[filename] = true

		if isDir {
			if rec := known[filename]; rec != nil && rec.Directory && rec.RemoteID.Valid {
				return nil
			}
			a.env.Queue.Put(NewCreateDir(a.env, a.root, filename))
			dirs++
			return nil
		}
		a.env.Queue.Put(NewModifyFile(a.env, a.root, filename))
		files++
		return nil
	})
	if err != nil {
		return RetryLater(fmt.Errorf("walking %s: %w", a.absPath(), err))
	}

	var deletes int
	for _, rec := range records {
		if rec.IsRoot() || seen[rec.Filename] || !a.covers(rec.Filename) {
			continue
		}
		if a.env.FS.Ignored(rec.Filename) {
			continue
		}
		// A vanished directory takes its descendants with it.
		if parent := known[parentDir(rec.Filename)]; parent != nil && !parent.IsRoot() && !seen[parent.Filename] && a.covers(parent.Filename) {
			continue
		}
		if rec.Directory {
			a.env.Queue.Put(NewDeleteDir(a.env, a.root, rec.Filename))
		} else {
			a.env.Queue.Put(NewDeleteFile(a.env, a.root, rec.Filename))
		}
		deletes++
	}

	a.env.Logger.Info("rescan queued work", "path", a.absPath(), "dirs", dirs, "files", files, "deletes", deletes)
	return NoOp("rescan complete")
}

// join turns a path relative to the scanned subtree into a filename
// relative to the watch root.
func (a *Rescan) join(rel string) string {
	if a.filename == "" {
		return rel
	}
	return a.filename + "/" + rel
}

// covers reports whether filename lies strictly inside the scanned subtree.
func (a *Rescan) covers(filename string) bool {
	if a.filename == "" {
		return true
	}
	return strings.HasPrefix(filename, a.filename+"/")
}
