// Package checksum computes image checksums. The data plane folds chunks into
// a running hash while streaming; clients use the same algorithms to verify
// what they received.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// Supported algorithms.
const (
	Blake2b = "blake2b"
	SHA256  = "sha256"

	// Default is used when a request does not name an algorithm.
	Default = Blake2b
)

// ErrUnknownAlgorithm is returned for algorithm names not listed in
// Algorithms.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Algorithms lists the supported algorithm names.
var Algorithms = []string{Blake2b, SHA256}

// zeroBlock feeds zero extents into a hash without reading them.
var zeroBlock = make([]byte, 256<<10)

// New returns a fresh hash for algorithm. An empty name selects Default.
func New(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "", Blake2b:
		// 32 byte digest, unkeyed: New256 only fails for long keys.
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, err
		}
		return h, nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownAlgorithm, algorithm, Algorithms)
	}
}

// Valid reports whether algorithm is supported. The empty name is valid.
func Valid(algorithm string) bool {
	return algorithm == "" || slices.Contains(Algorithms, algorithm)
}

// Zeroes folds n zero bytes into h.
func Zeroes(h hash.Hash, n int64) {
	for n > 0 {
		step := min(n, int64(len(zeroBlock)))
		h.Write(zeroBlock[:step])
		n -= step
	}
}

// Hex returns the hex digest of h.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the response of a whole-image checksum request.
type Result struct {
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
	BlockSize int    `json:"block_size"`
}
