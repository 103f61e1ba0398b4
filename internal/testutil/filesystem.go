package testutil

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"melissi-go/internal/fs"
)

// MemFilesystem is an in-memory filesystem manager with helpers to shape
// the tree from tests.
type MemFilesystem struct {
	*fs.AferoFilesystemManager
	mem afero.Fs
}

// NewMemFilesystem creates an empty MemFilesystem ignoring the given
// patterns.
func NewMemFilesystem(ignore ...string) *MemFilesystem {
	mem := afero.NewMemMapFs()
	return &MemFilesystem{
		AferoFilesystemManager: fs.NewAferoFilesystemManager(mem, fs.NewIgnoreMatcher(ignore)),
		mem:                    mem,
	}
}

// WriteFile creates or replaces a file, creating parent directories.
func (m *MemFilesystem) WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := m.mem.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := afero.WriteFile(m.mem, path, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// Mkdir creates a directory and its parents.
func (m *MemFilesystem) Mkdir(t *testing.T, path string) {
	t.Helper()
	if err := m.mem.MkdirAll(path, 0755); err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
}

// Rename moves a file or directory.
func (m *MemFilesystem) Rename(t *testing.T, from, to string) {
	t.Helper()
	if err := m.mem.Rename(from, to); err != nil {
		t.Fatalf("renaming %s: %v", from, err)
	}
}

// Delete removes a path and everything below it.
func (m *MemFilesystem) Delete(t *testing.T, path string) {
	t.Helper()
	if err := m.mem.RemoveAll(path); err != nil {
		t.Fatalf("removing %s: %v", path, err)
	}
}

// Has reports whether path is present, failing the test on error.
func (m *MemFilesystem) Has(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(m.mem, path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return ok
}
