package melissi

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrRemoteNotFound is returned when the server has no object with the
	// requested id.
	ErrRemoteNotFound = errors.New("remote object not found")

	// ErrUnreachable wraps transport failures: the request never got a reply.
	ErrUnreachable = errors.New("server unreachable")
)

// RemoteClient talks to the sync server. Droplets are files, cells are
// directories. A zero parent or cell id means the server's top level.
type RemoteClient interface {
	// CreateDroplet creates a file object and returns its server id.
	CreateDroplet(ctx context.Context, name string, cell int64) (int64, error)

	// CreateRevision records a new content revision of a droplet and returns
	// the revision number the server assigned.
	CreateRevision(ctx context.Context, dropletID int64, rev *RevisionUpload) (int64, error)

	// CreateCell creates a directory object and returns its server id.
	CreateCell(ctx context.Context, name string, parent int64) (int64, error)

	// UpdateCell renames or reparents a directory object.
	UpdateCell(ctx context.Context, cellID int64, name string, parent int64) error

	DeleteCell(ctx context.Context, cellID int64) error
	DeleteDroplet(ctx context.Context, dropletID int64) error
}

// RevisionUpload is the payload of a revision call. Exactly one of Content
// and Patch is set: full content for a droplet's first revision, a delta
// against the previous signature afterwards.
type RevisionUpload struct {
	Hash    string
	Number  int64
	Content io.Reader
	Patch   []byte
}
