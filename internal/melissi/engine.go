package melissi

import (
	"context"
	"fmt"
	"time"

	"melissi-go/internal/model"
)

// Remote object kinds accepted by Engine.RemoteDeleted.
const (
	KindDroplet = "droplet"
	KindCell    = "cell"
)

// Engine ties the queue, the worker and the event router together over one
// Env. It is the surface the daemon and its control endpoints drive.
type Engine struct {
	env    *Env
	roots  []*model.WatchRoot
	worker *Worker
	router *EventRouter
}

// NewEngine loads the watch roots from the store and builds the worker and
// router. env.Queue is created when nil.
func NewEngine(env *Env, cfg WorkerConfig, pairWindow time.Duration, status *StatusTracker) (*Engine, error) {
	if env.Queue == nil {
		env.Queue = NewQueue()
	}
	roots, err := env.Store.ListWatchRoots()
	if err != nil {
		return nil, fmt.Errorf("listing watch roots: %w", err)
	}

	return &Engine{
		env:    env,
		roots:  roots,
		worker: NewWorker(env, cfg, status),
		router: NewEventRouter(env, roots, pairWindow),
	}, nil
}

// Run drives the worker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.worker.Run(ctx)
}

func (e *Engine) Queue() *Queue { return e.env.Queue }

func (e *Engine) Router() *EventRouter { return e.router }

func (e *Engine) Roots() []*model.WatchRoot { return e.roots }

func (e *Engine) Status() Status { return e.worker.Status() }

func (e *Engine) Pause() { e.worker.Pause() }

func (e *Engine) Resume() { e.worker.Resume() }

// Notifications returns and clears the buffered user notifications.
func (e *Engine) Notifications() []Notification { return e.env.Queue.PopNotifications() }

// RescanAll queues a full rescan of every watch root.
func (e *Engine) RescanAll() {
	for _, root := range e.roots {
		e.env.Queue.Put(NewRescan(e.env, root, ""))
	}
}

// Resync forgets all queued work and every non-root record, then rescans
// from scratch.
func (e *Engine) Resync() error {
	e.worker.Reset()
	e.env.Queue.ClearAll()
	if err := e.env.Store.ClearFiles(); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	e.env.Logger.Info("forced full resync", "roots", len(e.roots))
	e.RescanAll()
	return nil
}

// RemoteDeleted queues the local side of a deletion the server initiated.
func (e *Engine) RemoteDeleted(kind string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid remote id %d", id)
	}
	switch kind {
	case KindDroplet:
		e.env.Queue.Put(NewDeleteRemoteFile(e.env, id))
	case KindCell:
		e.env.Queue.Put(NewDeleteRemoteDir(e.env, id))
	default:
		return fmt.Errorf("unknown remote object kind: %s", kind)
	}
	return nil
}
