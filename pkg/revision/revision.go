// Package revision tracks the bounded ring of committed revisions: each
// commit freezes the meta and payload spaces into an immutable snapshot
// keyed by its trie root hash. Handed-out revisions stay valid and
// byte-stable no matter how many commits follow — eviction from the ring
// only stops *new* lookups from finding the hash.
package revision

import (
	"sync"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/merkle"
)

// Revision is one immutable snapshot: the root hash that identifies it,
// the root node's address, and private copies of the spaces the trie
// lives in.
type Revision struct {
	Hash     merkle.TrieHash
	RootAddr linstore.DiskAddress
	Meta     linstore.LinearStore
	Payload  linstore.LinearStore
}

// Registry is the bounded, newest-first ring of revisions plus a hash
// index. Guarded by an RWMutex: many readers resolve revisions while the
// single committer installs new ones.
type Registry struct {
	mu     sync.RWMutex
	max    int
	order  []merkle.TrieHash // newest first
	byHash map[merkle.TrieHash]*Revision
}

// NewRegistry creates a Registry retaining at most max revisions. max
// must be strictly positive.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		panic("revision: max must be a strictly positive integer")
	}

	return &Registry{
		max:    max,
		byHash: make(map[merkle.TrieHash]*Revision),
	}
}

// Add installs rev as the newest revision, evicting the oldest once the
// ring exceeds its bound. Re-committing a root hash already in the ring
// refreshes its position instead of duplicating it.
func (r *Registry) Add(rev *Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[rev.Hash]; ok {
		for i, h := range r.order {
			if h == rev.Hash {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}

	r.order = append([]merkle.TrieHash{rev.Hash}, r.order...)
	r.byHash[rev.Hash] = rev

	for len(r.order) > r.max {
		oldest := r.order[len(r.order)-1]
		r.order = r.order[:len(r.order)-1]
		delete(r.byHash, oldest)
	}
}

// Get resolves a revision by root hash. Unknown hashes — never seen or
// already evicted — return (nil, false), never an error.
func (r *Registry) Get(hash merkle.TrieHash) (*Revision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rev, ok := r.byHash[hash]

	return rev, ok
}

// At returns the revision at position index, 0 being the newest.
func (r *Registry) At(index int) (*Revision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.order) {
		return nil, false
	}

	return r.byHash[r.order[index]], true
}

// Len returns the number of retained revisions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Hashes returns the retained root hashes, newest first.
func (r *Registry) Hashes() []merkle.TrieHash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]merkle.TrieHash(nil), r.order...)
}
