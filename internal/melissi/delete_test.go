package melissi_test

import (
	"errors"
	"testing"

	"melissi-go/internal/melissi"
	"melissi-go/internal/remote"
	"melissi-go/internal/testutil"
)

// syncTree creates /w/docs/{a.txt,sub/b.txt} and /w/top.txt and syncs it.
func syncTree(t *testing.T, env *testutil.TestEnv) {
	t.Helper()
	env.Files.WriteFile(t, "/w/docs/a.txt", []byte("a"))
	env.Files.WriteFile(t, "/w/docs/sub/b.txt", []byte("b"))
	env.Files.WriteFile(t, "/w/top.txt", []byte("top"))

	root := env.AddRoot(t, "/w")
	env.Queue.Put(melissi.NewRescan(env.Env, root, ""))
	env.Drain(t)
}

func TestDeleteFile(t *testing.T) {
	t.Run("absent path removes the record and the droplet", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		rec := env.Record(t, root, "top.txt")
		env.Files.Delete(t, "/w/top.txt")

		env.Run(t, melissi.NewDeleteFile(env.Env, root, "top.txt"), melissi.OutcomeDone)

		if env.Record(t, root, "top.txt") != nil {
			t.Error("record survived")
		}
		if env.Server.Droplet(rec.RemoteID.Int64) != nil {
			t.Error("droplet survived")
		}
		if n := env.Server.CallCount(remote.MethodDeleteDroplet); n != 1 {
			t.Errorf("delete calls = %d, want 1", n)
		}
	})

	t.Run("existing path is synced instead of deleted", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		before := env.Record(t, root, "top.txt")
		calls := env.Server.CallCount("")

		env.Run(t, melissi.NewDeleteFile(env.Env, root, "top.txt"), melissi.OutcomeDone)

		if after := env.Record(t, root, "top.txt"); after == nil || after.Hash != before.Hash {
			t.Errorf("record changed: %+v", after)
		}
		if env.Server.CallCount("") != calls {
			t.Error("remote was called")
		}
		a, err := env.Queue.Get()
		if err != nil || a.String() != "ModifyFile(/w/top.txt)" {
			t.Errorf("queued = %v, %v, want ModifyFile", a, err)
		}
	})

	t.Run("delete then recreate with equal content makes no remote call", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		before := *env.Record(t, root, "top.txt")
		calls := env.Server.CallCount("")

		env.Files.Delete(t, "/w/top.txt")
		del := melissi.NewDeleteFile(env.Env, root, "top.txt")
		env.Files.WriteFile(t, "/w/top.txt", []byte("top"))
		env.Queue.Put(del)
		ran := env.Drain(t)

		if len(ran) != 2 || ran[1].String() != "ModifyFile(/w/top.txt)" {
			t.Errorf("ran = %v", ran)
		}
		after := env.Record(t, root, "top.txt")
		if after == nil || after.Hash != before.Hash || after.Revision != before.Revision || after.Modified != before.Modified {
			t.Errorf("record touched: %+v", after)
		}
		if env.Server.CallCount("") != calls {
			t.Errorf("remote calls = %d, want %d", env.Server.CallCount(""), calls)
		}
	})

	t.Run("untracked path is a no-op", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")

		out := env.Run(t, melissi.NewDeleteFile(env.Env, root, "never.txt"), melissi.OutcomeDone)
		if out.Note == "" {
			t.Error("expected a no-op")
		}
	})

	t.Run("remote failure retries only the remote delete", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		rec := env.Record(t, root, "top.txt")
		env.Files.Delete(t, "/w/top.txt")
		env.Server.Fail(remote.MethodDeleteDroplet, melissi.ErrUnreachable)

		a := melissi.NewDeleteFile(env.Env, root, "top.txt")
		env.Run(t, a, melissi.OutcomeRetry)

		if env.Record(t, root, "top.txt") != nil {
			t.Error("local delete was rolled back")
		}
		if a.UniqueID() != rec.Key() {
			t.Errorf("UniqueID() = %q, want %q", a.UniqueID(), rec.Key())
		}

		env.Run(t, a, melissi.OutcomeDone)
		calls := env.Server.Calls()
		if n := env.Server.CallCount(remote.MethodDeleteDroplet); n != 2 {
			t.Errorf("delete calls = %d, want 2", n)
		}
		if last := calls[len(calls)-1]; last.ID != rec.RemoteID.Int64 {
			t.Errorf("retried delete of %d, want %d", last.ID, rec.RemoteID.Int64)
		}
	})

	t.Run("404 counts as deleted", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		env.Files.Delete(t, "/w/top.txt")
		env.Server.Fail(remote.MethodDeleteDroplet, errors.Join(melissi.ErrRemoteNotFound))

		env.Run(t, melissi.NewDeleteFile(env.Env, root, "top.txt"), melissi.OutcomeDone)
	})

	t.Run("never-synced record needs no remote call", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")
		env.Files.WriteFile(t, "/w/a.txt", []byte("a"))
		env.Server.Fail(remote.MethodCreateDroplet, errors.New("down"))
		env.Run(t, melissi.NewModifyFile(env.Env, root, "a.txt"), melissi.OutcomeRetry)

		env.Files.Delete(t, "/w/a.txt")
		env.Run(t, melissi.NewDeleteFile(env.Env, root, "a.txt"), melissi.OutcomeDone)
		if env.Server.CallCount(remote.MethodDeleteDroplet) != 0 {
			t.Error("remote delete issued for an object the server never had")
		}
	})

	t.Run("watch root cannot be deleted", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")
		env.Files.Delete(t, "/w")

		env.Run(t, melissi.NewDeleteDir(env.Env, root, ""), melissi.OutcomeFatal)
	})
}

func TestDeleteDir(t *testing.T) {
	t.Run("absent directory removes descendants with one remote call", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")
		env.Files.Delete(t, "/w/docs")
		calls := env.Server.CallCount("")

		env.Run(t, melissi.NewDeleteDir(env.Env, root, "docs"), melissi.OutcomeDone)

		for _, name := range []string{"docs", "docs/a.txt", "docs/sub", "docs/sub/b.txt"} {
			if env.Record(t, root, name) != nil {
				t.Errorf("%s survived", name)
			}
		}
		if env.Record(t, root, "top.txt") == nil {
			t.Error("top.txt was removed")
		}
		if n := env.Server.CallCount("") - calls; n != 1 {
			t.Errorf("remote calls = %d, want 1", n)
		}
		if env.Server.Cell(docs.RemoteID.Int64) != nil {
			t.Error("cell survived")
		}
	})

	t.Run("existing directory is re-created instead", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")

		env.Run(t, melissi.NewDeleteDir(env.Env, root, "docs"), melissi.OutcomeDone)

		if env.Record(t, root, "docs/a.txt") == nil {
			t.Error("descendant removed")
		}
		a, err := env.Queue.Get()
		if err != nil || a.String() != "CreateDir(/w/docs)" {
			t.Errorf("queued = %v, %v, want CreateDir", a, err)
		}
		a, err = env.Queue.Get()
		if err != nil || a.String() != "Rescan(/w/docs)" {
			t.Errorf("queued = %v, %v, want Rescan", a, err)
		}
	})

	t.Run("emptied re-created directory drops stale descendants", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		stale := env.Record(t, root, "docs/a.txt")
		env.Files.Delete(t, "/w/docs")
		env.Files.Mkdir(t, "/w/docs")

		env.Run(t, melissi.NewDeleteDir(env.Env, root, "docs"), melissi.OutcomeDone)
		env.Drain(t)

		if env.Record(t, root, "docs") == nil {
			t.Error("re-created directory lost its record")
		}
		for _, name := range []string{"docs/a.txt", "docs/sub", "docs/sub/b.txt"} {
			if env.Record(t, root, name) != nil {
				t.Errorf("%q survived", name)
			}
		}
		if env.Server.Droplet(stale.RemoteID.Int64) != nil {
			t.Error("droplet of a.txt survived")
		}
	})
}

func TestDeleteRemote(t *testing.T) {
	t.Run("server-deleted droplet removes the record and local copy", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		rec := env.Record(t, root, "top.txt")

		env.Run(t, melissi.NewDeleteRemoteFile(env.Env, rec.RemoteID.Int64), melissi.OutcomeDone)

		if env.Record(t, root, "top.txt") != nil {
			t.Error("record survived")
		}
		if env.Files.Has(t, "/w/top.txt") {
			t.Error("local copy survived")
		}
		if env.Server.CallCount(remote.MethodDeleteDroplet) != 1 {
			t.Error("delete not acknowledged")
		}
	})

	t.Run("404 still removes descendant records", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")
		if err := env.Server.DeleteCell(t.Context(), docs.RemoteID.Int64); err != nil {
			t.Fatalf("DeleteCell() error = %v", err)
		}

		a := melissi.NewDeleteRemoteDir(env.Env, docs.RemoteID.Int64)
		if a.UniqueID() != docs.Key() {
			t.Errorf("UniqueID() = %q, want %q", a.UniqueID(), docs.Key())
		}
		env.Run(t, a, melissi.OutcomeDone)

		for _, name := range []string{"docs", "docs/a.txt", "docs/sub", "docs/sub/b.txt"} {
			if env.Record(t, root, name) != nil {
				t.Errorf("%s survived", name)
			}
		}
		if env.Files.Has(t, "/w/docs") {
			t.Error("local tree survived")
		}
	})

	t.Run("unknown remote id is a no-op", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		env.AddRoot(t, "/w")

		out := env.Run(t, melissi.NewDeleteRemoteFile(env.Env, 999), melissi.OutcomeDone)
		if out.Note == "" || env.Server.CallCount("") != 0 {
			t.Errorf("outcome = %s, calls = %d", out, env.Server.CallCount(""))
		}
	})

	t.Run("droplet id does not match a cell", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")

		out := env.Run(t, melissi.NewDeleteRemoteFile(env.Env, docs.RemoteID.Int64), melissi.OutcomeDone)
		if out.Note == "" || env.Record(t, root, "docs") == nil {
			t.Error("cell record removed by a droplet delete")
		}
	})

	t.Run("watch root cell is refused", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")

		env.Run(t, melissi.NewDeleteRemoteDir(env.Env, root.RemoteID.Int64), melissi.OutcomeFatal)
	})

	t.Run("failed acknowledgment is retried without touching the store again", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		rec := env.Record(t, root, "top.txt")
		env.Server.Fail(remote.MethodDeleteDroplet, melissi.ErrUnreachable)

		a := melissi.NewDeleteRemoteFile(env.Env, rec.RemoteID.Int64)
		env.Run(t, a, melissi.OutcomeRetry)
		if env.Record(t, root, "top.txt") != nil {
			t.Error("record survived the first attempt")
		}
		env.Run(t, a, melissi.OutcomeDone)
		if n := env.Server.CallCount(remote.MethodDeleteDroplet); n != 2 {
			t.Errorf("delete calls = %d, want 2", n)
		}
	})
}
