package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"melissi-go/internal/delta"
	"melissi-go/internal/melissi"
)

var _ melissi.RemoteClient = (*MemoryRemote)(nil)

// Method names recorded in Call.Method and accepted by Fail.
const (
	MethodCreateDroplet  = "CreateDroplet"
	MethodCreateRevision = "CreateRevision"
	MethodCreateCell     = "CreateCell"
	MethodUpdateCell     = "UpdateCell"
	MethodDeleteCell     = "DeleteCell"
	MethodDeleteDroplet  = "DeleteDroplet"
)

// Call is one request received by a MemoryRemote.
type Call struct {
	Method string
	ID     int64 // target object, 0 for creates
	Name   string
	Parent int64 // cell for droplets, parent for cells
	Number int64
	Hash   string
	Patch  bool
}

// Droplet is a file object held by a MemoryRemote.
type Droplet struct {
	ID        int64
	Name      string
	Cell      int64
	Revisions []Revision
}

// Revision is one stored content revision.
type Revision struct {
	Number  int64
	Hash    string
	Content []byte
}

// Cell is a directory object held by a MemoryRemote.
type Cell struct {
	ID     int64
	Name   string
	Parent int64
}

// MemoryRemote is an in-process sync server. It keeps droplets and cells
// in maps, records every call and can be told to fail calls.
// It is safe for concurrent use.
type MemoryRemote struct {
	mu       sync.Mutex
	nextID   int64
	droplets map[int64]*Droplet
	cells    map[int64]*Cell
	calls    []Call
	failures map[string][]error
	hasher   *delta.Hasher

	// BeforeCall, when set, runs before every call with the method name.
	// A non-nil error fails the call. It may block.
	BeforeCall func(ctx context.Context, method string) error
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		droplets: make(map[int64]*Droplet),
		cells:    make(map[int64]*Cell),
		failures: make(map[string][]error),
		hasher:   delta.NewHasher(),
	}
}

// Fail queues errs to be returned by the next calls of method, one per call.
func (m *MemoryRemote) Fail(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// Calls returns a copy of every call received so far.
func (m *MemoryRemote) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call{}, m.calls...)
}

// CallCount returns how many calls of method were received. An empty
// method counts all calls.
func (m *MemoryRemote) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if method == "" || c.Method == method {
			n++
		}
	}
	return n
}

// Droplet returns a copy of the droplet with id, or nil.
func (m *MemoryRemote) Droplet(id int64) *Droplet {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.droplets[id]
	if !ok {
		return nil
	}
	out := *d
	out.Revisions = append([]Revision{}, d.Revisions...)
	return &out
}

// Cell returns a copy of the cell with id, or nil.
func (m *MemoryRemote) Cell(id int64) *Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[id]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// Content returns the latest content of a droplet.
func (m *MemoryRemote) Content(id int64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.droplets[id]
	if !ok || len(d.Revisions) == 0 {
		return nil, false
	}
	return d.Revisions[len(d.Revisions)-1].Content, true
}

// Seed creates a cell directly, bypassing call recording. Useful for
// watch roots mapped to an existing cell.
func (m *MemoryRemote) Seed(name string, parent int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.cells[m.nextID] = &Cell{ID: m.nextID, Name: name, Parent: parent}
	return m.nextID
}

// begin records c and returns the error to fail it with, if any.
func (m *MemoryRemote) begin(ctx context.Context, c Call) error {
	if hook := m.BeforeCall; hook != nil {
		if err := hook(ctx, c.Method); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", c.Method, melissi.ErrUnreachable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if queued := m.failures[c.Method]; len(queued) > 0 {
		m.failures[c.Method] = queued[1:]
		return queued[0]
	}
	return nil
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, melissi.ErrRemoteNotFound)
}

func badRequest(method, format string, args ...any) error {
	return &StatusError{Method: method, Code: http.StatusBadRequest, Body: fmt.Sprintf(format, args...)}
}

func (m *MemoryRemote) checkCellLocked(method string, id int64) error {
	if id == 0 {
		return nil
	}
	if _, ok := m.cells[id]; !ok {
		return badRequest(method, "no cell %d", id)
	}
	return nil
}

func (m *MemoryRemote) CreateDroplet(ctx context.Context, name string, cell int64) (int64, error) {
	if err := m.begin(ctx, Call{Method: MethodCreateDroplet, Name: name, Parent: cell}); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCellLocked(MethodCreateDroplet, cell); err != nil {
		return 0, err
	}
	m.nextID++
	m.droplets[m.nextID] = &Droplet{ID: m.nextID, Name: name, Cell: cell}
	return m.nextID, nil
}

func (m *MemoryRemote) CreateRevision(ctx context.Context, dropletID int64, rev *melissi.RevisionUpload) (int64, error) {
	var content []byte
	if rev.Content != nil {
		var err error
		if content, err = io.ReadAll(rev.Content); err != nil {
			return 0, fmt.Errorf("reading revision content: %w", err)
		}
	}

	call := Call{Method: MethodCreateRevision, ID: dropletID, Number: rev.Number, Hash: rev.Hash, Patch: rev.Patch != nil}
	if err := m.begin(ctx, call); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.droplets[dropletID]
	if !ok {
		return 0, notFound("droplet", dropletID)
	}

	var last Revision
	if len(d.Revisions) > 0 {
		last = d.Revisions[len(d.Revisions)-1]
	}
	if rev.Patch != nil {
		patched, err := delta.Patch(last.Content, rev.Patch)
		if err != nil {
			return 0, badRequest(MethodCreateRevision, "applying patch: %v", err)
		}
		content = patched
	}
	hash, _ := m.hasher.Hash(bytes.NewReader(content))
	if hash != rev.Hash {
		return 0, badRequest(MethodCreateRevision, "md5 mismatch: got %s, want %s", hash, rev.Hash)
	}

	number := rev.Number
	if number <= last.Number {
		number = last.Number + 1
	}
	d.Revisions = append(d.Revisions, Revision{Number: number, Hash: hash, Content: content})
	return number, nil
}

func (m *MemoryRemote) CreateCell(ctx context.Context, name string, parent int64) (int64, error) {
	if err := m.begin(ctx, Call{Method: MethodCreateCell, Name: name, Parent: parent}); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCellLocked(MethodCreateCell, parent); err != nil {
		return 0, err
	}
	m.nextID++
	m.cells[m.nextID] = &Cell{ID: m.nextID, Name: name, Parent: parent}
	return m.nextID, nil
}

func (m *MemoryRemote) UpdateCell(ctx context.Context, cellID int64, name string, parent int64) error {
	if err := m.begin(ctx, Call{Method: MethodUpdateCell, ID: cellID, Name: name, Parent: parent}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[cellID]
	if !ok {
		return notFound("cell", cellID)
	}
	if err := m.checkCellLocked(MethodUpdateCell, parent); err != nil {
		return err
	}
	c.Name, c.Parent = name, parent
	return nil
}

// DeleteCell removes a cell with every cell and droplet below it.
func (m *MemoryRemote) DeleteCell(ctx context.Context, cellID int64) error {
	if err := m.begin(ctx, Call{Method: MethodDeleteCell, ID: cellID}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cells[cellID]; !ok {
		return notFound("cell", cellID)
	}
	m.deleteCellLocked(cellID)
	return nil
}

func (m *MemoryRemote) deleteCellLocked(id int64) {
	delete(m.cells, id)
	for did, d := range m.droplets {
		if d.Cell == id {
			delete(m.droplets, did)
		}
	}
	for cid, c := range m.cells {
		if c.Parent == id {
			m.deleteCellLocked(cid)
		}
	}
}

func (m *MemoryRemote) DeleteDroplet(ctx context.Context, dropletID int64) error {
	if err := m.begin(ctx, Call{Method: MethodDeleteDroplet, ID: dropletID}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.droplets[dropletID]; !ok {
		return notFound("droplet", dropletID)
	}
	delete(m.droplets, dropletID)
	return nil
}
