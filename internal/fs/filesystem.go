package fs

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"melissi-go/internal/melissi"
)

// Compile-time check that AferoFilesystemManager implements melissi.FilesystemManager.
var _ melissi.FilesystemManager = (*AferoFilesystemManager)(nil)

// AferoFilesystemManager implements melissi.FilesystemManager on an afero.Fs:
// the OS filesystem in production, a MemMapFs in tests.
type AferoFilesystemManager struct {
	fs     afero.Fs
	ignore *IgnoreMatcher
}

// NewAferoFilesystemManager creates a manager over fs. A nil ignore
// matcher ignores nothing.
func NewAferoFilesystemManager(fs afero.Fs, ignore *IgnoreMatcher) *AferoFilesystemManager {
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	return &AferoFilesystemManager{fs: fs, ignore: ignore}
}

// NewOSFilesystemManager creates a manager over the real filesystem.
func NewOSFilesystemManager(ignore *IgnoreMatcher) *AferoFilesystemManager {
	return NewAferoFilesystemManager(afero.NewOsFs(), ignore)
}

// Fs returns the underlying filesystem.
func (m *AferoFilesystemManager) Fs() afero.Fs { return m.fs }

func (m *AferoFilesystemManager) Exists(path string) (bool, error) {
	ok, err := afero.Exists(m.fs, path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return ok, nil
}

func (m *AferoFilesystemManager) Stat(path string) (iofs.FileInfo, error) {
	return m.fs.Stat(path)
}

// Open opens a regular file for reading.
func (m *AferoFilesystemManager) Open(path string) (io.ReadCloser, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path)
	}
	return m.fs.Open(path)
}

// Walk visits directories and regular files below root in lexical order.
// Entries that vanish mid-walk and special files are skipped.
func (m *AferoFilesystemManager) Walk(root string, fn func(rel string, isDir bool) error) error {
	return afero.Walk(m.fs, root, func(p string, info iofs.FileInfo, err error) error {
		if err != nil {
			if p != root && errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == root {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", p, err)
		}
		return fn(filepath.ToSlash(rel), info.IsDir())
	})
}

func (m *AferoFilesystemManager) Ignored(rel string) bool {
	return m.ignore.Match(rel)
}

func (m *AferoFilesystemManager) Remove(path string) error {
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (m *AferoFilesystemManager) RemoveAll(path string) error {
	if err := m.fs.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
