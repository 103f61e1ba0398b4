package melissi

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"melissi-go/internal/model"
)

// MoveDir renames or reparents a synced directory in place, keeping the
// server ids of everything below it.
type MoveDir struct {
	env      *Env
	root     *model.WatchRoot
	from, to string
	uniqueID string
}

func NewMoveDir(env *Env, root *model.WatchRoot, from, to string) *MoveDir {
	return &MoveDir{
		env:      env,
		root:     root,
		from:     from,
		to:       to,
		uniqueID: env.recordKey(root, from),
	}
}

func (a *MoveDir) structural() {}

func (a *MoveDir) UniqueID() string { return a.uniqueID }

func (a *MoveDir) wakeKeys() []string { return []string{model.PathKey(a.to)} }

func (a *MoveDir) pathKey() string {
	return fmt.Sprintf("%d:%s", a.root.ID, a.from)
}

func (a *MoveDir) Root() *model.WatchRoot { return a.root }

func (a *MoveDir) Filename() string { return a.to }

func (a *MoveDir) String() string {
	return fmt.Sprintf("MoveDir(%s -> %s)",
		filepath.Join(a.root.Path, filepath.FromSlash(a.from)),
		filepath.Join(a.root.Path, filepath.FromSlash(a.to)))
}

func (a *MoveDir) Execute(ctx context.Context) Outcome {
	src, err := a.env.Store.FindFile(a.root.ID, a.from)
	if err != nil {
		return RetryLater(fmt.Errorf("finding record for %s: %w", a.from, err))
	}
	if src == nil || !src.RemoteID.Valid {
		a.recreate()
		return NoOp("source not synced, syncing destination from scratch")
	}
	if !src.Directory {
		return Failed(fmt.Errorf("%s is tracked as a file", a.from))
	}

	dst, err := a.env.Store.FindFile(a.root.ID, a.to)
	if err != nil {
		return RetryLater(fmt.Errorf("finding record for %s: %w", a.to, err))
	}
	if dst != nil {
		return Failed(fmt.Errorf("destination %s is already tracked", a.to))
	}

	parent, out, ok := a.env.resolveParent(a.root, a.to)
	if !ok {
		return out
	}

	callCtx, cancel := a.env.callContext(ctx)
	err = a.env.Remote.UpdateCell(callCtx, src.RemoteID.Int64, path.Base(a.to), cellOf(parent))
	cancel()
	if errors.Is(err, ErrRemoteNotFound) {
		if _, err := a.env.Store.DeleteTree(src); err != nil {
			return RetryLater(fmt.Errorf("dropping stale records under %s: %w", a.from, err))
		}
		a.recreate()
		return Done()
	}
	if err != nil {
		return RetryLater(fmt.Errorf("moving cell %d to %s: %w", src.RemoteID.Int64, a.to, err))
	}

	if err := a.env.Store.MoveTree(src, a.to, parent.ID); err != nil {
		return RetryLater(fmt.Errorf("moving records %s -> %s: %w", a.from, a.to, err))
	}

	a.env.notify("moved", a.to)
	return Done()
}

// recreate falls back to treating the destination as a new tree.
func (a *MoveDir) recreate() {
	a.env.Queue.Put(NewCreateDir(a.env, a.root, a.to))
	a.env.Queue.Put(NewRescan(a.env, a.root, a.to))
}
