package melissi_test

import (
	"testing"

	"melissi-go/internal/melissi"
	"melissi-go/internal/remote"
	"melissi-go/internal/testutil"
)

func TestMoveDir(t *testing.T) {
	t.Run("renames the cell and rewrites descendant records", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")
		file := env.Record(t, root, "docs/sub/b.txt")
		env.Files.Rename(t, "/w/docs", "/w/papers")

		env.Run(t, melissi.NewMoveDir(env.Env, root, "docs", "papers"), melissi.OutcomeDone)

		moved := env.Record(t, root, "papers")
		if moved == nil || moved.RemoteID != docs.RemoteID {
			t.Fatalf("moved record = %+v", moved)
		}
		if rec := env.Record(t, root, "papers/sub/b.txt"); rec == nil || rec.RemoteID != file.RemoteID {
			t.Errorf("descendant = %+v", rec)
		}
		if env.Record(t, root, "docs") != nil {
			t.Error("old record survived")
		}
		if cell := env.Server.Cell(docs.RemoteID.Int64); cell == nil || cell.Name != "papers" {
			t.Errorf("server cell = %+v", cell)
		}
		if env.Server.CallCount(remote.MethodCreateCell) != 2 {
			t.Error("move created new cells")
		}
	})

	t.Run("reparents under another synced directory", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")
		sub := env.Record(t, root, "docs/sub")
		env.Files.Rename(t, "/w/docs/sub", "/w/sub")

		env.Run(t, melissi.NewMoveDir(env.Env, root, "docs/sub", "sub"), melissi.OutcomeDone)

		if cell := env.Server.Cell(sub.RemoteID.Int64); cell.Parent != root.RemoteID.Int64 {
			t.Errorf("cell parent = %d, want root cell %d (was %d)", cell.Parent, root.RemoteID.Int64, docs.RemoteID.Int64)
		}
		if rec := env.Record(t, root, "sub"); rec == nil || rec.ParentID.Int64 == docs.ID {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("unsynced source syncs the destination from scratch", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		root := env.AddRoot(t, "/w")
		env.Files.WriteFile(t, "/w/new/a.txt", []byte("a"))

		out := env.Run(t, melissi.NewMoveDir(env.Env, root, "old", "new"), melissi.OutcomeDone)
		if out.Note == "" {
			t.Error("expected a no-op")
		}
		env.Drain(t)

		if env.Record(t, root, "new") == nil || env.Record(t, root, "new/a.txt") == nil {
			t.Error("destination not synced")
		}
	})

	t.Run("server lost the cell", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")
		docs := env.Record(t, root, "docs")
		if err := env.Server.DeleteCell(t.Context(), docs.RemoteID.Int64); err != nil {
			t.Fatalf("DeleteCell() error = %v", err)
		}
		env.Files.Rename(t, "/w/docs", "/w/papers")

		env.Run(t, melissi.NewMoveDir(env.Env, root, "docs", "papers"), melissi.OutcomeDone)
		env.Drain(t)

		papers := env.Record(t, root, "papers")
		if papers == nil || papers.RemoteID == docs.RemoteID {
			t.Errorf("papers = %+v, want a fresh cell", papers)
		}
		if env.Record(t, root, "papers/sub/b.txt") == nil {
			t.Error("descendants not re-synced")
		}
	})

	t.Run("occupied destination fails", func(t *testing.T) {
		env := testutil.NewTestEnv(t)
		syncTree(t, env)
		root, _ := env.DB.FindWatchRootByPath("/w")

		env.Run(t, melissi.NewMoveDir(env.Env, root, "docs", "docs/sub"), melissi.OutcomeFatal)
	})
}
