package melissi

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"melissi-go/internal/model"
)

// EventOp is the kind of a raw file-system event.
type EventOp int

const (
	EventCreate EventOp = iota
	EventWrite
	EventRemove
	EventRename
)

func (op EventOp) String() string {
	switch op {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a raw file-system event on an absolute path. For EventRename the
// path is the old name; the new name arrives as a separate EventCreate.
type Event struct {
	Path  string
	Op    EventOp
	IsDir bool
}

// DefaultPairWindow is how long a directory rename waits for the create of
// its new name before it is treated as a delete.
const DefaultPairWindow = 500 * time.Millisecond

// EventRouter turns raw events into queued actions.
type EventRouter struct {
	env        *Env
	roots      []*model.WatchRoot
	pairWindow time.Duration

	mu      sync.Mutex
	renamed *pendingRename
}

type pendingRename struct {
	root     *model.WatchRoot
	filename string
	at       time.Time
}

func NewEventRouter(env *Env, roots []*model.WatchRoot, pairWindow time.Duration) *EventRouter {
	if pairWindow <= 0 {
		pairWindow = DefaultPairWindow
	}
	return &EventRouter{env: env, roots: roots, pairWindow: pairWindow}
}

// Route queues the actions ev calls for. Events outside every watch root or
// on ignored paths are dropped.
func (r *EventRouter) Route(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, filename, ok := r.locate(ev.Path)
	if !ok || filename == "" || r.env.FS.Ignored(filename) {
		return
	}

	if p := r.renamed; p != nil {
		r.renamed = nil
		if ev.Op == EventCreate && ev.IsDir && p.root.ID == root.ID &&
			r.env.Clock.Now().Sub(p.at) <= r.pairWindow {
			r.put(NewMoveDir(r.env, root, p.filename, filename))
			return
		}
		r.put(NewDeleteDir(r.env, p.root, p.filename))
	}

	switch ev.Op {
	case EventCreate:
		if ev.IsDir {
			r.put(NewCreateDir(r.env, root, filename))
			// Entries created before the directory was watched raise no events.
			r.put(NewRescan(r.env, root, filename))
			return
		}
		r.put(NewModifyFile(r.env, root, filename))
	case EventWrite:
		if !ev.IsDir {
			r.put(NewModifyFile(r.env, root, filename))
		}
	case EventRemove:
		r.putDelete(root, filename)
	case EventRename:
		rec, err := r.env.Store.FindFile(root.ID, filename)
		if err == nil && rec != nil && rec.Directory {
			r.renamed = &pendingRename{root: root, filename: filename, at: r.env.Clock.Now()}
			return
		}
		r.putDelete(root, filename)
	}
}

// Flush turns a directory rename whose pairing window has passed into a
// delete. Call it periodically.
func (r *EventRouter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.renamed; p != nil && r.env.Clock.Now().Sub(p.at) > r.pairWindow {
		r.renamed = nil
		r.put(NewDeleteDir(r.env, p.root, p.filename))
	}
}

func (r *EventRouter) putDelete(root *model.WatchRoot, filename string) {
	rec, err := r.env.Store.FindFile(root.ID, filename)
	if err == nil && rec != nil && rec.Directory {
		r.put(NewDeleteDir(r.env, root, filename))
		return
	}
	r.put(NewDeleteFile(r.env, root, filename))
}

// put queues a unless an identical action is already waiting to run.
func (r *EventRouter) put(a Action) {
	if r.env.Queue.Contains(a) {
		return
	}
	r.env.Queue.Put(a)
}

// locate maps an absolute path to its watch root and slash separated
// filename. The longest matching root wins.
func (r *EventRouter) locate(abs string) (*model.WatchRoot, string, bool) {
	var best *model.WatchRoot
	var bestRel string
	for _, root := range r.roots {
		rel, err := filepath.Rel(root.Path, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(root.Path) > len(best.Path) {
			best = root
			bestRel = rel
		}
	}
	if best == nil {
		return nil, "", false
	}
	if bestRel == "." {
		return best, "", true
	}
	return best, filepath.ToSlash(bestRel), true
}
