package melissi

import "io"

// Hasher computes content hashes and the signature/delta pair used for
// incremental uploads.
type Hasher interface {
	// Hash returns the hex content hash sent to the server as "md5".
	Hash(r io.Reader) (string, error)

	// Signature returns the delta base for content read from r.
	Signature(r io.Reader) ([]byte, error)

	// Delta encodes the content read from r against a previous signature.
	Delta(signature []byte, r io.Reader) ([]byte, error)
}
