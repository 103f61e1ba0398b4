package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"melissi-go/internal/database"
	"melissi-go/internal/delta"
	"melissi-go/internal/melissi"
	"melissi-go/internal/model"
	"melissi-go/internal/remote"
)

// TestEnv is a fully wired melissi.Env over in-memory collaborators.
type TestEnv struct {
	*melissi.Env
	DB     *database.SQLiteDatabase
	Server *remote.MemoryRemote
	Files  *MemFilesystem
	Time   *StubClock
}

// NewTestEnv creates a TestEnv with a fresh queue, store, filesystem and
// server.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	clock := FixedClock()
	db := NewTestDatabase(t, clock)
	server := remote.NewMemoryRemote()
	files := NewMemFilesystem()

	return &TestEnv{
		Env: &melissi.Env{
			Store:       db,
			Remote:      server,
			FS:          files,
			Hasher:      delta.NewHasher(),
			Queue:       melissi.NewQueue(),
			Logger:      melissi.NewNopLogger(),
			Clock:       clock,
			CallTimeout: 5 * time.Second,
			Owner:       "tester",
		},
		DB:     db,
		Server: server,
		Files:  files,
		Time:   clock,
	}
}

// AddRoot creates the directory path, seeds a server cell for it and
// registers it as a watch root.
func (e *TestEnv) AddRoot(t *testing.T, path string) *model.WatchRoot {
	t.Helper()
	e.Files.Mkdir(t, path)
	cell := e.Server.Seed(path, 0)
	root, err := e.DB.AddWatchRoot(path, sql.NullInt64{Int64: cell, Valid: true})
	if err != nil {
		t.Fatalf("AddWatchRoot(%s): %v", path, err)
	}
	return root
}

// Record returns the record for filename under root, or nil.
func (e *TestEnv) Record(t *testing.T, root *model.WatchRoot, filename string) *model.FileRecord {
	t.Helper()
	rec, err := e.DB.FindFile(root.ID, filename)
	if err != nil {
		t.Fatalf("FindFile(%q): %v", filename, err)
	}
	return rec
}

// Run executes a directly and fails the test unless it reports want.
func (e *TestEnv) Run(t *testing.T, a melissi.Action, want melissi.OutcomeKind) melissi.Outcome {
	t.Helper()
	out := a.Execute(context.Background())
	if out.Kind != want {
		t.Fatalf("%s: outcome = %s, want %s", a, out, want)
	}
	return out
}

// Drain executes queued actions one at a time, in queue order, until the
// ready queue is empty. Retries are not re-queued. It returns the executed
// actions.
func (e *TestEnv) Drain(t *testing.T) []melissi.Action {
	t.Helper()
	var ran []melissi.Action
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("Drain: queue does not empty")
		}
		a, err := e.Queue.Get()
		if err != nil {
			return ran
		}
		ran = append(ran, a)
		out := a.Execute(context.Background())
		if out.Kind == melissi.OutcomeFatal {
			t.Fatalf("%s failed: %v", a, out.Reason)
		}
	}
}

// StartWorker runs a worker over the env until the test ends.
func (e *TestEnv) StartWorker(t *testing.T, cfg melissi.WorkerConfig) *melissi.Worker {
	t.Helper()
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Millisecond
	}
	w := melissi.NewWorker(e.Env, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

// WaitIdle blocks until the worker has had nothing ready, running or
// scheduled for a few consecutive polls.
func (e *TestEnv) WaitIdle(t *testing.T, w *melissi.Worker) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	stable := 0
	for stable < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("worker not idle: %+v", w.Status())
		}
		s := w.Status()
		if e.Queue.Len() == 0 && s.State == melissi.StateIdle && s.InFlight == 0 && s.Retrying == 0 {
			stable++
		} else {
			stable = 0
		}
		time.Sleep(5 * time.Millisecond)
	}
}
