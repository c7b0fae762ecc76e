// Package merkle implements a Merkle Patricia trie whose nodes live in a
// [compact.Space] rather than on the Go heap: every child or value
// reference is a [linstore.DiskAddress] resolved through the space's
// object cache, so the trie's working set is bounded by the cache and the
// whole structure survives in the payload space across commits.
//
// Keys traverse the trie as hex nibbles; node hash encodings use the
// hex-prefix compaction and the small-node inlining rule (encodings under
// 32 bytes embed in their parent instead of hashing).
package merkle

import (
	"errors"
	"fmt"
	"io"

	"github.com/revtrie/revtrie/pkg/compact"
	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/objcache"
)

// ErrNotFound is returned by Get, Remove, and Prove for a key the trie
// does not contain.
var ErrNotFound = errors.New("merkle: key not found")

// rootHeadroom is the extra slot capacity InitRoot allocates for the root
// branch so an empty-key value can usually be set in place without
// relocating the root.
const rootHeadroom = 0x100

// Merkle is a trie over a node space. It is not safe for concurrent
// mutation; intended usage is a single committer with read-only
// snapshots handed out per revision.
type Merkle struct {
	space *compact.Space[*Node]
}

// New wraps an existing node space.
func New(space *compact.Space[*Node]) *Merkle {
	return &Merkle{space: space}
}

// NewInMemory builds a Merkle over fresh DynamicMem meta/payload spaces.
// It is the setup used by tests and by range-proof verification, which
// reconstructs a trie from proven key/value pairs to compare root hashes.
func NewInMemory(metaSize, compactSize uint64, cacheCap int) (*Merkle, linstore.DiskAddress, error) {
	meta := linstore.NewDynamicMem(metaSize, 0)
	payload := linstore.NewDynamicMem(compactSize, 0x1)
	cache := objcache.NewCache[*Node](cacheCap)

	space, err := compact.NewSpace[*Node](meta, payload, cache, HydrateNode, compact.Config{})
	if err != nil {
		return nil, 0, err
	}

	m := New(space)

	root, err := m.InitRoot()
	if err != nil {
		return nil, 0, err
	}

	return m, root, nil
}

// Space returns the underlying node space.
func (m *Merkle) Space() *compact.Space[*Node] { return m.space }

// FlushDirty forwards to the node space's cache.
func (m *Merkle) FlushDirty() (bool, error) { return m.space.FlushDirty() }

// InitRoot allocates the empty root branch node and returns its address.
func (m *Merkle) InitRoot() (linstore.DiskAddress, error) {
	return m.putNode(newBranchNode(), rootHeadroom)
}

// putNode allocates n in the space and returns its address.
func (m *Merkle) putNode(n *Node, extra uint64) (linstore.DiskAddress, error) {
	ref, err := m.space.PutItem(n, extra)
	if err != nil {
		return linstore.NullAddress, err
	}

	addr := ref.Addr()

	if err := ref.Close(); err != nil {
		return linstore.NullAddress, err
	}

	return addr, nil
}

// updateNode applies modify to the node behind ref, in place when the new
// serialized form still fits the slot, relocating to a fresh slot
// otherwise. Returns the node's (possibly new) address. ref is consumed.
func (m *Merkle) updateNode(ref *objcache.ObjRef[*Node], modify func(n *Node)) (linstore.DiskAddress, error) {
	addr := ref.Addr()

	err := ref.Write(func(pn **Node) {
		modify(*pn)
		(*pn).invalidate()
	})

	if err == nil {
		return addr, ref.Close()
	}

	if !errors.Is(err, objcache.ErrWrite) {
		_ = ref.Discard()
		return linstore.NullAddress, err
	}

	// The slot is too small for the mutated node. The in-memory mutation
	// already happened, so take the decoded value, discard the Obj, and
	// relocate.
	n := ref.Value()

	if err := ref.Discard(); err != nil {
		return linstore.NullAddress, err
	}

	newAddr, err := m.putNode(n, 0)
	if err != nil {
		return linstore.NullAddress, err
	}

	if err := m.space.FreeItem(addr); err != nil {
		return linstore.NullAddress, err
	}

	return newAddr, nil
}

// Insert sets key to value and returns the (possibly relocated) root
// address. The caller must persist the returned root.
func (m *Merkle) Insert(key, value []byte, root linstore.DiskAddress) (linstore.DiskAddress, error) {
	return m.insertAt(root, keyNibbles(key), value)
}

func (m *Merkle) insertAt(addr linstore.DiskAddress, nibbles, value []byte) (linstore.DiskAddress, error) {
	ref, err := m.space.GetItem(addr)
	if err != nil {
		return linstore.NullAddress, err
	}

	n := ref.Value()

	switch n.kind {
	case kindBranch:
		return m.insertAtBranch(ref, addr, nibbles, value)
	case kindLeaf:
		return m.insertAtLeaf(ref, addr, nibbles, value)
	case kindExtension:
		return m.insertAtExtension(ref, addr, nibbles, value)
	default:
		_ = ref.Close()
		return linstore.NullAddress, fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
	}
}

func (m *Merkle) insertAtBranch(ref *objcache.ObjRef[*Node], addr linstore.DiskAddress, nibbles, value []byte) (linstore.DiskAddress, error) {
	n := ref.Value()

	if len(nibbles) == 0 {
		return m.updateNode(ref, func(n *Node) { n.setValue(value) })
	}

	idx := int(nibbles[0])
	child := n.children[idx]

	if child.IsNull() {
		leafAddr, err := m.putNode(newLeafNode(nibbles[1:], value), 0)
		if err != nil {
			_ = ref.Close()
			return linstore.NullAddress, err
		}

		return m.updateNode(ref, func(n *Node) { n.setChild(idx, leafAddr) })
	}

	newChild, err := m.insertAt(child, nibbles[1:], value)
	if err != nil {
		_ = ref.Close()
		return linstore.NullAddress, err
	}

	if newChild == child {
		// Subtree mutated in place; only the cached encoding is stale.
		n.invalidate()
		return addr, ref.Close()
	}

	return m.updateNode(ref, func(n *Node) { n.setChild(idx, newChild) })
}

func (m *Merkle) insertAtLeaf(ref *objcache.ObjRef[*Node], addr linstore.DiskAddress, nibbles, value []byte) (linstore.DiskAddress, error) {
	n := ref.Value()
	common := prefixLen(n.path, nibbles)

	if common == len(n.path) && common == len(nibbles) {
		return m.updateNode(ref, func(n *Node) { n.setValue(value) })
	}

	oldPath := append([]byte(nil), n.path...)
	oldValue := append([]byte(nil), n.value...)

	if err := ref.Close(); err != nil {
		return linstore.NullAddress, err
	}

	branch := newBranchNode()

	if common < len(oldPath) {
		subAddr, err := m.putNode(newLeafNode(oldPath[common+1:], oldValue), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		branch.setChild(int(oldPath[common]), subAddr)
	} else {
		branch.setValue(oldValue)
	}

	if common < len(nibbles) {
		subAddr, err := m.putNode(newLeafNode(nibbles[common+1:], value), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		branch.setChild(int(nibbles[common]), subAddr)
	} else {
		branch.setValue(value)
	}

	result, err := m.putNode(branch, 0)
	if err != nil {
		return linstore.NullAddress, err
	}

	if common > 0 {
		result, err = m.putNode(newExtensionNode(nibbles[:common], result), 0)
		if err != nil {
			return linstore.NullAddress, err
		}
	}

	if err := m.space.FreeItem(addr); err != nil {
		return linstore.NullAddress, err
	}

	return result, nil
}

func (m *Merkle) insertAtExtension(ref *objcache.ObjRef[*Node], addr linstore.DiskAddress, nibbles, value []byte) (linstore.DiskAddress, error) {
	n := ref.Value()
	common := prefixLen(n.path, nibbles)

	if common == len(n.path) {
		child := n.child()

		newChild, err := m.insertAt(child, nibbles[common:], value)
		if err != nil {
			_ = ref.Close()
			return linstore.NullAddress, err
		}

		if newChild == child {
			n.invalidate()
			return addr, ref.Close()
		}

		return m.updateNode(ref, func(n *Node) { n.setChild(0, newChild) })
	}

	oldPath := append([]byte(nil), n.path...)
	oldChild := n.child()

	if err := ref.Close(); err != nil {
		return linstore.NullAddress, err
	}

	branch := newBranchNode()

	if common+1 < len(oldPath) {
		subAddr, err := m.putNode(newExtensionNode(oldPath[common+1:], oldChild), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		branch.setChild(int(oldPath[common]), subAddr)
	} else {
		branch.setChild(int(oldPath[common]), oldChild)
	}

	if common < len(nibbles) {
		subAddr, err := m.putNode(newLeafNode(nibbles[common+1:], value), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		branch.setChild(int(nibbles[common]), subAddr)
	} else {
		branch.setValue(value)
	}

	result, err := m.putNode(branch, 0)
	if err != nil {
		return linstore.NullAddress, err
	}

	if common > 0 {
		result, err = m.putNode(newExtensionNode(oldPath[:common], result), 0)
		if err != nil {
			return linstore.NullAddress, err
		}
	}

	if err := m.space.FreeItem(addr); err != nil {
		return linstore.NullAddress, err
	}

	return result, nil
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (m *Merkle) Get(key []byte, root linstore.DiskAddress) ([]byte, error) {
	nibbles := keyNibbles(key)
	addr := root

	for {
		ref, err := m.space.GetItem(addr)
		if err != nil {
			return nil, err
		}

		n := ref.Value()

		switch n.kind {
		case kindBranch:
			if len(nibbles) == 0 {
				if !n.hasValue {
					_ = ref.Close()
					return nil, ErrNotFound
				}

				value := append([]byte(nil), n.value...)

				return value, ref.Close()
			}

			child := n.children[nibbles[0]]
			if child.IsNull() {
				_ = ref.Close()
				return nil, ErrNotFound
			}

			nibbles = nibbles[1:]
			addr = child

			if err := ref.Close(); err != nil {
				return nil, err
			}

		case kindLeaf:
			if len(nibbles) != len(n.path) || prefixLen(n.path, nibbles) != len(n.path) {
				_ = ref.Close()
				return nil, ErrNotFound
			}

			value := append([]byte(nil), n.value...)

			return value, ref.Close()

		case kindExtension:
			if len(nibbles) < len(n.path) || prefixLen(n.path, nibbles) != len(n.path) {
				_ = ref.Close()
				return nil, ErrNotFound
			}

			nibbles = nibbles[len(n.path):]
			addr = n.child()

			if err := ref.Close(); err != nil {
				return nil, err
			}

		default:
			_ = ref.Close()
			return nil, fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
		}
	}
}

// Remove deletes key, returning the removed value and the (possibly
// relocated) root address. Returns ErrNotFound if the key is absent.
func (m *Merkle) Remove(key []byte, root linstore.DiskAddress) ([]byte, linstore.DiskAddress, error) {
	newRoot, removed, err := m.removeAt(root, keyNibbles(key), true)
	if err != nil {
		return nil, root, err
	}

	return removed, newRoot, nil
}

func (m *Merkle) removeAt(addr linstore.DiskAddress, nibbles []byte, isRoot bool) (linstore.DiskAddress, []byte, error) {
	ref, err := m.space.GetItem(addr)
	if err != nil {
		return linstore.NullAddress, nil, err
	}

	n := ref.Value()

	switch n.kind {
	case kindBranch:
		return m.removeAtBranch(ref, addr, nibbles, isRoot)

	case kindLeaf:
		if len(nibbles) != len(n.path) || prefixLen(n.path, nibbles) != len(n.path) {
			_ = ref.Close()
			return linstore.NullAddress, nil, ErrNotFound
		}

		removed := append([]byte(nil), n.value...)

		if err := ref.Close(); err != nil {
			return linstore.NullAddress, nil, err
		}

		if err := m.space.FreeItem(addr); err != nil {
			return linstore.NullAddress, nil, err
		}

		return linstore.NullAddress, removed, nil

	case kindExtension:
		return m.removeAtExtension(ref, addr, nibbles)

	default:
		_ = ref.Close()
		return linstore.NullAddress, nil, fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
	}
}

func (m *Merkle) removeAtBranch(ref *objcache.ObjRef[*Node], addr linstore.DiskAddress, nibbles []byte, isRoot bool) (linstore.DiskAddress, []byte, error) {
	n := ref.Value()

	if len(nibbles) == 0 {
		if !n.hasValue {
			_ = ref.Close()
			return linstore.NullAddress, nil, ErrNotFound
		}

		removed := append([]byte(nil), n.value...)

		newAddr, err := m.updateNode(ref, func(n *Node) { n.clearValue() })
		if err != nil {
			return linstore.NullAddress, nil, err
		}

		newAddr, err = m.collapseBranch(newAddr, isRoot)
		if err != nil {
			return linstore.NullAddress, nil, err
		}

		return newAddr, removed, nil
	}

	idx := int(nibbles[0])
	child := n.children[idx]

	if child.IsNull() {
		_ = ref.Close()
		return linstore.NullAddress, nil, ErrNotFound
	}

	newChild, removed, err := m.removeAt(child, nibbles[1:], false)
	if err != nil {
		_ = ref.Close()
		return linstore.NullAddress, nil, err
	}

	var newAddr linstore.DiskAddress

	if newChild == child {
		n.invalidate()
		newAddr = addr

		if err := ref.Close(); err != nil {
			return linstore.NullAddress, nil, err
		}
	} else {
		newAddr, err = m.updateNode(ref, func(n *Node) { n.setChild(idx, newChild) })
		if err != nil {
			return linstore.NullAddress, nil, err
		}
	}

	newAddr, err = m.collapseBranch(newAddr, isRoot)
	if err != nil {
		return linstore.NullAddress, nil, err
	}

	return newAddr, removed, nil
}

func (m *Merkle) removeAtExtension(ref *objcache.ObjRef[*Node], addr linstore.DiskAddress, nibbles []byte) (linstore.DiskAddress, []byte, error) {
	n := ref.Value()

	if len(nibbles) < len(n.path) || prefixLen(n.path, nibbles) != len(n.path) {
		_ = ref.Close()
		return linstore.NullAddress, nil, ErrNotFound
	}

	child := n.child()

	newChild, removed, err := m.removeAt(child, nibbles[len(n.path):], false)
	if err != nil {
		_ = ref.Close()
		return linstore.NullAddress, nil, err
	}

	if newChild == child {
		n.invalidate()
		return addr, removed, ref.Close()
	}

	if newChild.IsNull() {
		if err := ref.Close(); err != nil {
			return linstore.NullAddress, nil, err
		}

		if err := m.space.FreeItem(addr); err != nil {
			return linstore.NullAddress, nil, err
		}

		return linstore.NullAddress, removed, nil
	}

	oldPath := append([]byte(nil), n.path...)

	if err := ref.Close(); err != nil {
		return linstore.NullAddress, nil, err
	}

	newAddr, err := m.mergeExtension(addr, oldPath, newChild)
	if err != nil {
		return linstore.NullAddress, nil, err
	}

	return newAddr, removed, nil
}

// mergeExtension rebuilds the extension at extAddr so it points at
// newChild, folding the child's own path in when the child is itself a
// short node — an extension must never point at another short node, or
// hashing would disagree with a freshly built trie over the same pairs.
func (m *Merkle) mergeExtension(extAddr linstore.DiskAddress, path []byte, newChild linstore.DiskAddress) (linstore.DiskAddress, error) {
	childRef, err := m.space.GetItem(newChild)
	if err != nil {
		return linstore.NullAddress, err
	}

	child := childRef.Value()

	switch child.kind {
	case kindLeaf:
		merged := newLeafNode(append(append([]byte(nil), path...), child.path...), child.value)

		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		mergedAddr, err := m.putNode(merged, 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(newChild); err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(extAddr); err != nil {
			return linstore.NullAddress, err
		}

		return mergedAddr, nil

	case kindExtension:
		merged := newExtensionNode(append(append([]byte(nil), path...), child.path...), child.child())

		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		mergedAddr, err := m.putNode(merged, 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(newChild); err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(extAddr); err != nil {
			return linstore.NullAddress, err
		}

		return mergedAddr, nil

	default: // branch
		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		extRef, err := m.space.GetItem(extAddr)
		if err != nil {
			return linstore.NullAddress, err
		}

		return m.updateNode(extRef, func(n *Node) { n.setChild(0, newChild) })
	}
}

// collapseBranch restores the canonical trie shape after a removal under
// a branch: a non-root branch with no value and a single child folds into
// its child, and one with a value and no children becomes a leaf. The
// root is exempt — it stays a branch for the life of the trie.
func (m *Merkle) collapseBranch(addr linstore.DiskAddress, isRoot bool) (linstore.DiskAddress, error) {
	if isRoot {
		return addr, nil
	}

	ref, err := m.space.GetItem(addr)
	if err != nil {
		return linstore.NullAddress, err
	}

	n := ref.Value()

	count := 0
	onlyIdx := -1

	for i := 0; i < branchWidth; i++ {
		if !n.children[i].IsNull() {
			count++
			onlyIdx = i
		}
	}

	switch {
	case n.hasValue && count == 0:
		value := append([]byte(nil), n.value...)

		if err := ref.Close(); err != nil {
			return linstore.NullAddress, err
		}

		leafAddr, err := m.putNode(newLeafNode(nil, value), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(addr); err != nil {
			return linstore.NullAddress, err
		}

		return leafAddr, nil

	case !n.hasValue && count == 0:
		if err := ref.Close(); err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(addr); err != nil {
			return linstore.NullAddress, err
		}

		return linstore.NullAddress, nil

	case !n.hasValue && count == 1:
		childAddr := n.children[onlyIdx]

		if err := ref.Close(); err != nil {
			return linstore.NullAddress, err
		}

		return m.foldSingleChild(addr, byte(onlyIdx), childAddr)

	default:
		return addr, ref.Close()
	}
}

// foldSingleChild replaces a one-child, valueless branch with a short
// node reaching the child through the vacated nibble.
func (m *Merkle) foldSingleChild(branchAddr linstore.DiskAddress, idx byte, childAddr linstore.DiskAddress) (linstore.DiskAddress, error) {
	childRef, err := m.space.GetItem(childAddr)
	if err != nil {
		return linstore.NullAddress, err
	}

	child := childRef.Value()

	switch child.kind {
	case kindLeaf:
		merged := newLeafNode(append([]byte{idx}, child.path...), child.value)

		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		mergedAddr, err := m.putNode(merged, 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(childAddr); err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(branchAddr); err != nil {
			return linstore.NullAddress, err
		}

		return mergedAddr, nil

	case kindExtension:
		merged := newExtensionNode(append([]byte{idx}, child.path...), child.child())

		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		mergedAddr, err := m.putNode(merged, 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(childAddr); err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(branchAddr); err != nil {
			return linstore.NullAddress, err
		}

		return mergedAddr, nil

	default: // branch child stays put behind a one-nibble extension
		if err := childRef.Close(); err != nil {
			return linstore.NullAddress, err
		}

		extAddr, err := m.putNode(newExtensionNode([]byte{idx}, childAddr), 0)
		if err != nil {
			return linstore.NullAddress, err
		}

		if err := m.space.FreeItem(branchAddr); err != nil {
			return linstore.NullAddress, err
		}

		return extAddr, nil
	}
}

// RootHash computes the trie's Keccak-256 root hash bottom-up. Nodes
// cache their encoding, so unchanged subtrees are not re-encoded.
func (m *Merkle) RootHash(root linstore.DiskAddress) (TrieHash, error) {
	enc, err := m.encodeNodeAt(root)
	if err != nil {
		return TrieHash{}, err
	}

	return Keccak256(enc), nil
}

// encodeNodeAt returns the wire encoding of the node at addr, computing
// child references recursively. The result is memoized on the decoded
// node directly (not through ObjRef.Write): the cache fields are not part
// of the dehydrated image, so filling them must not dirty the node.
func (m *Merkle) encodeNodeAt(addr linstore.DiskAddress) ([]byte, error) {
	ref, err := m.space.GetItem(addr)
	if err != nil {
		return nil, err
	}

	n := ref.Value()

	if n.encValid {
		enc := n.enc
		return enc, ref.Close()
	}

	var enc []byte

	switch n.kind {
	case kindLeaf:
		enc = encLeaf(n.path, n.value)

	case kindExtension:
		childEnc, err := m.encodeNodeAt(n.child())
		if err != nil {
			_ = ref.Close()
			return nil, err
		}

		enc = encExtension(n.path, NodeRef(childEnc))

	case kindBranch:
		var refs [branchWidth][]byte

		for i := 0; i < branchWidth; i++ {
			if n.children[i].IsNull() {
				continue
			}

			childEnc, err := m.encodeNodeAt(n.children[i])
			if err != nil {
				_ = ref.Close()
				return nil, err
			}

			refs[i] = NodeRef(childEnc)
		}

		var value []byte
		if n.hasValue {
			value = n.value
		}

		enc = encBranch(refs, value)

	default:
		_ = ref.Close()
		return nil, fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
	}

	n.enc = enc
	n.encValid = true

	return enc, ref.Close()
}

// Prove returns the wire encodings of the nodes on the path from root to
// key, in root-first order. Returns ErrNotFound if key is absent.
func (m *Merkle) Prove(key []byte, root linstore.DiskAddress) ([][]byte, error) {
	nibbles := keyNibbles(key)
	addr := root

	var proof [][]byte

	for {
		enc, err := m.encodeNodeAt(addr)
		if err != nil {
			return nil, err
		}

		proof = append(proof, enc)

		ref, err := m.space.GetItem(addr)
		if err != nil {
			return nil, err
		}

		n := ref.Value()

		switch n.kind {
		case kindBranch:
			if len(nibbles) == 0 {
				hasValue := n.hasValue

				if err := ref.Close(); err != nil {
					return nil, err
				}

				if !hasValue {
					return nil, ErrNotFound
				}

				return proof, nil
			}

			child := n.children[nibbles[0]]

			if err := ref.Close(); err != nil {
				return nil, err
			}

			if child.IsNull() {
				return nil, ErrNotFound
			}

			nibbles = nibbles[1:]
			addr = child

		case kindLeaf:
			match := len(nibbles) == len(n.path) && prefixLen(n.path, nibbles) == len(n.path)

			if err := ref.Close(); err != nil {
				return nil, err
			}

			if !match {
				return nil, ErrNotFound
			}

			return proof, nil

		case kindExtension:
			match := len(nibbles) >= len(n.path) && prefixLen(n.path, nibbles) == len(n.path)
			child := n.child()
			pathLen := len(n.path)

			if err := ref.Close(); err != nil {
				return nil, err
			}

			if !match {
				return nil, ErrNotFound
			}

			nibbles = nibbles[pathLen:]
			addr = child

		default:
			_ = ref.Close()
			return nil, fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
		}
	}
}

// Walk visits every key/value pair reachable from root in ascending key
// order, calling fn for each. fn's slices are only valid for the call.
func (m *Merkle) Walk(root linstore.DiskAddress, fn func(key, value []byte) error) error {
	return m.walk(root, nil, fn)
}

func (m *Merkle) walk(addr linstore.DiskAddress, prefix []byte, fn func(key, value []byte) error) error {
	ref, err := m.space.GetItem(addr)
	if err != nil {
		return err
	}

	n := ref.Value()

	switch n.kind {
	case kindBranch:
		if n.hasValue {
			if err := fn(nibblesToKey(prefix), n.value); err != nil {
				_ = ref.Close()
				return err
			}
		}

		for i := 0; i < branchWidth; i++ {
			child := n.children[i]
			if child.IsNull() {
				continue
			}

			if err := m.walk(child, append(prefix, byte(i)), fn); err != nil {
				_ = ref.Close()
				return err
			}
		}

		return ref.Close()

	case kindLeaf:
		full := append(append([]byte(nil), prefix...), n.path...)

		if err := fn(nibblesToKey(full), n.value); err != nil {
			_ = ref.Close()
			return err
		}

		return ref.Close()

	case kindExtension:
		child := n.child()
		full := append(append([]byte(nil), prefix...), n.path...)

		if err := ref.Close(); err != nil {
			return err
		}

		return m.walk(child, full, fn)

	default:
		_ = ref.Close()
		return fmt.Errorf("%w: kind %d at %d", ErrInvalidNode, n.kind, addr)
	}
}

// nibblesToKey packs an even-length nibble path back into key bytes.
func nibblesToKey(nibbles []byte) []byte {
	key := make([]byte, len(nibbles)/2)

	for i := 0; i+1 < len(nibbles); i += 2 {
		key[i/2] = nibbles[i]<<4 | nibbles[i+1]
	}

	return key
}

// Dump writes every key/value pair under root to w, one per line, in the
// same `"key" => "value"` shape (Go-quoted) the example program prints.
func (m *Merkle) Dump(root linstore.DiskAddress, w io.Writer) error {
	return m.Walk(root, func(key, value []byte) error {
		_, err := fmt.Fprintf(w, "%q => %q\n", key, value)
		return err
	})
}
