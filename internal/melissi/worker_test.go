package melissi_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"melissi-go/internal/melissi"
	"melissi-go/internal/model"
	"melissi-go/internal/remote"
	"melissi-go/internal/testutil"
)

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWorker_Outcomes(t *testing.T) {
	t.Run("done actions are audited", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")
		env.Files.WriteFile(t, "/w/a.txt", []byte("a"))
		w := env.StartWorker(t, melissi.WorkerConfig{})

		env.Queue.Put(melissi.NewModifyFile(env.Env, root, "a.txt"))
		env.WaitIdle(t, w)

		entries, err := env.DB.ListLogEntries(time.Time{}, 10)
		if err != nil {
			t.Fatalf("ListLogEntries() error = %v", err)
		}
		if len(entries) != 1 || entries[0].Action != "ModifyFile" || entries[0].Filename != "a.txt" {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("no-op completions are not audited", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		a := newFake("x", melissi.NoOp("nothing to do"))
		env.Queue.Put(a)
		env.WaitIdle(t, w)

		entries, _ := env.DB.ListLogEntries(time.Time{}, 10)
		if a.Runs() != 1 || len(entries) != 0 {
			t.Errorf("runs = %d, entries = %d", a.Runs(), len(entries))
		}
	})

	t.Run("retry later runs again after a backoff", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		a := newFake("x", melissi.RetryLater(errors.New("busy")), melissi.RetryLater(errors.New("busy")), melissi.Done())
		env.Queue.Put(a)
		eventually(t, "third run", func() bool { return a.Runs() == 3 })
		env.WaitIdle(t, w)
		if a.Runs() != 3 {
			t.Errorf("runs = %d, want 3", a.Runs())
		}
	})

	t.Run("max attempts turns retries into a failure", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{MaxAttempts: 3})

		a := newFake("x", melissi.RetryLater(errors.New("never")))
		env.Queue.Put(a)
		eventually(t, "attempts exhausted", func() bool { return a.Runs() >= 3 })
		env.WaitIdle(t, w)
		if a.Runs() != 3 {
			t.Errorf("runs = %d, want 3", a.Runs())
		}
	})

	t.Run("failed actions are discarded", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		a := newFake("x", melissi.Failed(errors.New("bad")))
		env.Queue.Put(a)
		env.WaitIdle(t, w)
		if a.Runs() != 1 {
			t.Errorf("runs = %d, want 1", a.Runs())
		}
	})

	t.Run("panics are recovered", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		a := newFake("boom")
		a.run = func() { panic("kaboom") }
		env.Queue.Put(a)
		env.Queue.Put(newFake("next"))
		env.WaitIdle(t, w)
	})
}

func TestWorker_Dependencies(t *testing.T) {
	t.Run("waiter parks until its dependency completes", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{MaxInFlight: 2})

		dep := newFake("dep")
		dep.block = make(chan struct{})
		waiter := newFake("waiter", melissi.WaitFor("dep", errors.New("needs dep")), melissi.Done())

		env.Queue.Put(dep)
		env.Queue.Put(waiter)
		eventually(t, "waiter parked", func() bool { return env.Queue.Waiting() == 1 })
		if waiter.Runs() != 1 {
			t.Fatalf("waiter runs = %d, want 1", waiter.Runs())
		}

		close(dep.block)
		env.WaitIdle(t, w)
		if waiter.Runs() != 2 || env.Queue.Waiting() != 0 {
			t.Errorf("waiter runs = %d, waiting = %d", waiter.Runs(), env.Queue.Waiting())
		}
	})

	t.Run("waiting on an absent dependency falls back to backoff", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		a := newFake("x", melissi.WaitFor("nobody", errors.New("gone")), melissi.Done())
		env.Queue.Put(a)
		eventually(t, "second run", func() bool { return a.Runs() == 2 })
		env.WaitIdle(t, w)
		if env.Queue.Waiting() != 0 {
			t.Error("action parked on a key nothing will wake")
		}
	})

	t.Run("report.pdf waits for the docs directory being created", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/home/u/Docs")
		env.Files.WriteFile(t, "/home/u/Docs/docs/report.pdf", []byte("%PDF-1.7"))

		release := make(chan struct{})
		env.Server.BeforeCall = func(ctx context.Context, method string) error {
			if method == remote.MethodCreateCell {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}
		w := env.StartWorker(t, melissi.WorkerConfig{MaxInFlight: 2})

		env.Queue.Put(melissi.NewCreateDir(env.Env, root, "docs"))
		env.Queue.Put(melissi.NewModifyFile(env.Env, root, "docs/report.pdf"))
		eventually(t, "report.pdf parked", func() bool { return env.Queue.Waiting() == 1 })
		if env.Server.CallCount(remote.MethodCreateDroplet) != 0 {
			t.Fatal("droplet created before its cell")
		}

		close(release)
		env.WaitIdle(t, w)

		rec := env.Record(t, root, "docs/report.pdf")
		if rec == nil || rec.Directory || rec.Revision != 1 {
			t.Fatalf("record = %+v, want a file at revision 1", rec)
		}
		docs := env.Record(t, root, "docs")
		if d := env.Server.Droplet(rec.RemoteID.Int64); d == nil || d.Cell != docs.RemoteID.Int64 {
			t.Errorf("droplet = %+v, want it in cell %d", d, docs.RemoteID.Int64)
		}
	})

	t.Run("a directory named after an object id is not woken by that object", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		env.Queue.ParkOn(model.PathKey("7"), newFake("child of 7/"))
		env.Queue.Put(melissi.NewDeleteRemoteFile(env.Env, 7))
		env.WaitIdle(t, w)

		if env.Queue.Waiting() != 1 {
			t.Errorf("Waiting() = %d, want the path waiter still parked", env.Queue.Waiting())
		}
		if model.PathKey("7") == model.IDKey(7) {
			t.Error("path and id keys collide")
		}
	})

	t.Run("actions on one path never overlap", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")
		env.Files.WriteFile(t, "/w/a.txt", []byte("v1"))

		var mu sync.Mutex
		active, maxActive := 0, 0
		env.Server.BeforeCall = func(ctx context.Context, method string) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}
		w := env.StartWorker(t, melissi.WorkerConfig{MaxInFlight: 4})

		for i := 0; i < 4; i++ {
			env.Queue.Put(melissi.NewModifyFile(env.Env, root, "a.txt"))
		}
		env.WaitIdle(t, w)

		if maxActive != 1 {
			t.Errorf("max concurrent calls = %d, want 1", maxActive)
		}
		if n := env.Server.CallCount(remote.MethodCreateDroplet); n != 1 {
			t.Errorf("droplets = %d, want 1", n)
		}
	})
}

func TestWorker_Status(t *testing.T) {
	t.Run("pause stops dispatch", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{})

		w.Pause()
		eventually(t, "paused status", func() bool { return w.Status().State == melissi.StatePaused })
		a := newFake("x")
		env.Queue.Put(a)
		time.Sleep(20 * time.Millisecond)
		if a.Runs() != 0 {
			t.Fatal("paused worker ran an action")
		}

		w.Resume()
		env.WaitIdle(t, w)
		if a.Runs() != 1 {
			t.Errorf("runs = %d after resume", a.Runs())
		}
	})

	t.Run("unreachable server reports offline", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{BaseBackoff: time.Hour, MaxBackoff: time.Hour})

		env.Queue.Put(newFake("x", melissi.RetryLater(fmt.Errorf("post: %w", melissi.ErrUnreachable))))
		eventually(t, "offline status", func() bool { return w.Status().State == melissi.StateOffline })
		if w.Status().LastError == "" {
			t.Error("LastError not set")
		}
	})

	t.Run("repeated failures report stalled", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		w := env.StartWorker(t, melissi.WorkerConfig{StallThreshold: 2})

		a := newFake("x", melissi.RetryLater(errors.New("500")))
		env.Queue.Put(a)
		eventually(t, "stalled status", func() bool { return w.Status().State == melissi.StateStalled })
	})

	t.Run("subscribers see changes", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		tracker := melissi.NewStatusTracker()
		var mu sync.Mutex
		var states []melissi.State
		tracker.Subscribe(func(s melissi.Status) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		})

		w := melissi.NewWorker(env.Env, melissi.WorkerConfig{}, tracker)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { defer close(done); w.Run(ctx) }()
		defer func() { cancel(); <-done }()

		w.Pause()
		eventually(t, "paused notification", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(states) > 0 && states[len(states)-1] == melissi.StatePaused
		})
	})
}

func TestWorker_Reset(t *testing.T) {
	env := testutil.NewTestEnv(t)
	w := env.StartWorker(t, melissi.WorkerConfig{BaseBackoff: time.Hour, MaxBackoff: time.Hour})

	a := newFake("x", melissi.RetryLater(errors.New("later")))
	env.Queue.Put(a)
	eventually(t, "retry scheduled", func() bool { return w.Status().Retrying == 1 })

	w.Reset()
	env.WaitIdle(t, w)
	if a.Runs() != 1 {
		t.Errorf("runs = %d, want 1", a.Runs())
	}
}
