// Package store implements the sender-side resource slicer and the
// receiver-side output sink described in spec §4.3. Both are plain,
// mutex-protected value types in the style of the teacher's dispatcher
// (internal/tunnel/dispatcher.go): a map guarded by a sync.RWMutex, no
// actor goroutine of its own since there's no blocking I/O loop to run.
package store

import (
	"crypto/md5"
	"fmt"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/fec"
)

// Resource is one sender-side entry: the immutable bytes plus the true
// (unpadded) length presented to receivers.
type Resource struct {
	Hash   [16]byte
	Length uint64
	bytes  []byte
}

// HashResource computes the content hash used to key the store. The
// reference implementation leaves the hash algorithm unspecified beyond
// "128-bit"; MD5 is used here purely as a convenient 128-bit digest, not
// for any cryptographic property.
func HashResource(data []byte) [16]byte {
	return md5.Sum(data)
}

// NewResource wraps data as a Resource, computing its hash.
func NewResource(data []byte) Resource {
	return Resource{
		Hash:   HashResource(data),
		Length: uint64(len(data)),
		bytes:  data,
	}
}

// Block returns the source bytes for blockID, zero-padded to fec.BlockSize
// if it is the short final block. Returns (nil, false) if blockID is out
// of range.
func (r Resource) Block(blockID uint64) ([]byte, bool) {
	n := fec.NumBlocks(r.Length)
	if blockID >= n {
		return nil, false
	}
	start := blockID * fec.BlockSize
	end := start + fec.BlockSize
	if end > r.Length {
		end = r.Length
	}
	block := r.bytes[start:end]
	if uint64(len(block)) < fec.BlockSize {
		padded := make([]byte, fec.BlockSize)
		copy(padded, block)
		return padded, true
	}
	return block, true
}

// Store is the sender's read-only map from Resource Hash to Resource,
// safe for concurrent lookup by every connection actor.
type Store struct {
	mu        sync.RWMutex
	resources map[[16]byte]Resource
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{resources: make(map[[16]byte]Resource)}
}

// Add registers a resource, returning it for convenience.
func (s *Store) Add(data []byte) Resource {
	r := NewResource(data)
	s.mu.Lock()
	s.resources[r.Hash] = r
	s.mu.Unlock()
	return r
}

// Lookup returns the resource for hash, or ok=false if unknown.
func (s *Store) Lookup(hash [16]byte) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[hash]
	return r, ok
}

// ErrShortWrite is returned by a Sink whose underlying writer accepted
// fewer bytes than requested.
type ErrShortWrite struct {
	BlockID uint64
	Wrote   int
	Want    int
}

func (e *ErrShortWrite) Error() string {
	return fmt.Sprintf("store: short write for block %d: wrote %d of %d bytes", e.BlockID, e.Wrote, e.Want)
}
