package kvdb

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/merkle"
	"github.com/revtrie/revtrie/pkg/proof"
)

// Revision is a read-only view of one committed state. Its bytes are a
// private snapshot: later commits to the database never show through,
// and the view stays valid after its hash is evicted from the ring.
//
// A Revision may be shared across threads; its internal mutex serializes
// access to the per-view node cache.
type Revision struct {
	mu   sync.Mutex
	hash merkle.TrieHash
	root linstore.DiskAddress
	trie *merkle.Merkle
}

// KVRootHash returns the root hash identifying this revision.
func (r *Revision) KVRootHash() merkle.TrieHash { return r.hash }

// KVGet returns the value stored at key in this revision, or
// ErrKeyNotFound.
func (r *Revision) KVGet(key []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, err := r.trie.Get(key, r.root)
	if errors.Is(err, merkle.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return value, err
}

// KVDump writes every key/value pair of this revision to w.
func (r *Revision) KVDump(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.trie.Dump(r.root, w)
}

// Prove returns an inclusion proof for key against this revision.
func (r *Revision) Prove(key []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.trie.Prove(key, r.root)
}

// VerifyRangeProof checks a range proof against this revision's root
// hash. rangeProof is the concatenation of the first and last keys'
// inclusion proofs.
func (r *Revision) VerifyRangeProof(rangeProof [][]byte, firstKey, lastKey []byte, keys, vals [][]byte) error {
	return proof.VerifyRange(r.hash, firstKey, lastKey, keys, vals, rangeProof)
}
