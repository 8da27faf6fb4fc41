package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sync"

	"golang.org/x/crypto/sha3"
)

// NameHexLen is the number of hash characters kept in a resource name
const NameHexLen = 12

// Namer derives unique, unguessable resource names from a run ID and a counter.
// Names look like "hunt-3fa91c0d22be". Safe for concurrent use.
type Namer struct {
	prefix string
	seed   []byte

	mu      sync.Mutex
	hasher  hash.Hash
	counter uint64
	buf     [8]byte
	sum     [32]byte
}

// NewNamer creates a namer seeded with runID
func NewNamer(prefix, runID string) *Namer {
	if prefix == "" {
		prefix = "hunt"
	}
	return &Namer{
		prefix: prefix,
		seed:   []byte(runID),
		hasher: sha3.NewLegacyKeccak256(),
	}
}

// Next returns the next name
func (n *Namer) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.counter++
	binary.BigEndian.PutUint64(n.buf[:], n.counter)

	n.hasher.Reset()
	n.hasher.Write(n.seed)
	n.hasher.Write(n.buf[:])
	sum := n.hasher.Sum(n.sum[:0])

	return n.prefix + "-" + hex.EncodeToString(sum[:NameHexLen/2])
}

// Keccak256 calculates the keccak256 hash of the input bytes
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// Fingerprint returns a short stable hex digest of s, used to tag runs in logs
func Fingerprint(s string) string {
	return hex.EncodeToString(Keccak256([]byte(s))[:4])
}
