package melissi

import (
	"io"
	"io/fs"
)

// FilesystemManager is the engine's view of the local disk.
// Paths are absolute host paths unless stated otherwise.
type FilesystemManager interface {
	// Exists reports whether path is present at the time of the call.
	Exists(path string) (bool, error)

	Stat(path string) (fs.FileInfo, error)

	// Open opens a regular file for reading. A missing file yields an error
	// matching fs.ErrNotExist.
	Open(path string) (io.ReadCloser, error)

	// Walk visits every entry below root, parents before children. rel is
	// slash separated and relative to root. fn may return fs.SkipDir to
	// prune a directory.
	Walk(root string, fn func(rel string, isDir bool) error) error

	// Ignored reports whether rel (relative to a watch root) is excluded
	// from synchronization.
	Ignored(rel string) bool

	// Remove deletes a single file. A missing file is not an error.
	Remove(path string) error

	// RemoveAll deletes a directory tree. A missing tree is not an error.
	RemoveAll(path string) error
}
