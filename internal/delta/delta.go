// Package delta computes content hashes and the signature/delta/patch
// triple used for incremental revision uploads.
//
// Signatures and operations come from mutagen's rsync engine. A signature
// travels as its protobuf message. A delta is the base block size as a
// uvarint followed by length-delimited rsync operations.
package delta

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mutagen-io/mutagen/pkg/synchronization/rsync"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"

	"melissi-go/internal/melissi"
)

var _ melissi.Hasher = (*Hasher)(nil)

// DefaultBlockSize is the signature block length unless configured.
const DefaultBlockSize = rsync.DefaultBlockSize

var (
	// ErrBadSignature is returned for signatures that cannot be parsed.
	ErrBadSignature = errors.New("malformed signature")

	// ErrBadDelta is returned for deltas that cannot be parsed or do not fit
	// the base they are applied to.
	ErrBadDelta = errors.New("malformed delta")
)

// Hasher implements melissi.Hasher. It is safe for concurrent use: every
// call gets its own rsync engine.
type Hasher struct {
	BlockSize uint64
}

func NewHasher() *Hasher {
	return &Hasher{BlockSize: DefaultBlockSize}
}

func (h *Hasher) blockSize() uint64 {
	if h.BlockSize == 0 {
		return DefaultBlockSize
	}
	return h.BlockSize
}

// Hash returns the hex MD5 of everything read from r.
func (h *Hasher) Hash(r io.Reader) (string, error) {
	sum := md5.New()
	if _, err := io.Copy(sum, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Signature encodes the block hashes of the content read from r.
func (h *Hasher) Signature(r io.Reader) ([]byte, error) {
	sig, err := rsync.NewEngine().Signature(r, h.blockSize())
	if err != nil {
		return nil, fmt.Errorf("computing signature: %w", err)
	}
	data, err := proto.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encoding signature: %w", err)
	}
	return data, nil
}

func parseSignature(data []byte) (*rsync.Signature, error) {
	sig := &rsync.Signature{}
	if err := proto.Unmarshal(data, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := sig.EnsureValid(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return sig, nil
}

// Delta encodes the content read from r as operations against the base
// described by signature.
func (h *Hasher) Delta(signature []byte, r io.Reader) ([]byte, error) {
	sig, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, sig.BlockSize))
	transmit := func(op *rsync.Operation) error {
		_, err := protodelim.MarshalTo(&buf, op)
		return err
	}
	if err := rsync.NewEngine().Deltify(r, sig, rsync.DefaultMaximumDataOperationSize, transmit); err != nil {
		return nil, fmt.Errorf("computing delta: %w", err)
	}
	return buf.Bytes(), nil
}

// Patch applies delta to base and returns the new content.
func Patch(base, delta []byte) ([]byte, error) {
	blockSize, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, fmt.Errorf("%w: missing block size", ErrBadDelta)
	}

	engine := rsync.NewEngine()
	sig := &rsync.Signature{}
	if blockSize > 0 {
		sig = engine.BytesSignature(base, blockSize)
	}

	var ops []*rsync.Operation
	r := bytes.NewReader(delta[n:])
	for {
		op := &rsync.Operation{}
		err := protodelim.UnmarshalFrom(r, op)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
		}
		if err := op.EnsureValid(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
		}
		if len(op.Data) == 0 && op.Start+op.Count > uint64(len(sig.Hashes)) {
			return nil, fmt.Errorf("%w: blocks [%d,%d) beyond base of %d blocks",
				ErrBadDelta, op.Start, op.Start+op.Count, len(sig.Hashes))
		}
		ops = append(ops, op)
	}

	out, err := engine.PatchBytes(base, sig, ops)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	return out, nil
}
