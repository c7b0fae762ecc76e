package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/objcache"
)

// ErrInvalidNode is returned when a node record fails structural
// validation during hydration. Fatal to the current operation; the
// caller discards the Obj.
var ErrInvalidNode = errors.New("merkle: invalid node")

type nodeKind byte

const (
	kindBranch nodeKind = iota
	kindExtension
	kindLeaf
)

const branchWidth = 16

// Node is one trie node stored as a Storable in a compact.Space. Exactly
// one of the three variants is active, selected by kind:
//
//   - branch: 16 child addresses indexed by nibble, plus an optional value
//   - extension: compressed nibble path plus a single child address
//   - leaf: nibble path (terminator implied) plus a value
//
// Child and value references are DiskAddresses into the owning space, not
// in-memory pointers; the trie resolves them through GetItem.
//
// The hash/encoding cache fields are in-memory only: they are not part of
// the dehydrated image and start cold on every hydration. Any mutation
// must go through a method that calls invalidate.
type Node struct {
	kind     nodeKind
	children [branchWidth]linstore.DiskAddress
	path     []byte // hex nibbles, no terminator
	value    []byte
	hasValue bool

	enc      []byte // cached hash encoding, nil when stale
	encValid bool
}

func newBranchNode() *Node {
	return &Node{kind: kindBranch}
}

func newExtensionNode(path []byte, child linstore.DiskAddress) *Node {
	return &Node{kind: kindExtension, path: append([]byte(nil), path...), children: [branchWidth]linstore.DiskAddress{0: child}}
}

func newLeafNode(path, value []byte) *Node {
	return &Node{
		kind:     kindLeaf,
		path:     append([]byte(nil), path...),
		value:    append([]byte(nil), value...),
		hasValue: true,
	}
}

// child returns the single child of an extension node.
func (n *Node) child() linstore.DiskAddress { return n.children[0] }

// invalidate drops the cached hash encoding. Every mutation path calls
// this, satisfying the contract that a node's cached hash is invalidated
// on any write.
func (n *Node) invalidate() {
	n.enc = nil
	n.encValid = false
}

func (n *Node) setValue(value []byte) {
	n.value = append([]byte(nil), value...)
	n.hasValue = true
	n.invalidate()
}

func (n *Node) clearValue() {
	n.value = nil
	n.hasValue = false
	n.invalidate()
}

func (n *Node) setChild(i int, addr linstore.DiskAddress) {
	n.children[i] = addr
	n.invalidate()
}

// Value returns the node's value and whether one is present.
func (n *Node) Value() ([]byte, bool) { return n.value, n.hasValue }

// Storable layout, all little-endian:
//
//	branch:    kind(1) | children(16*8) | hasValue(1) | valueLen(4) | value
//	extension: kind(1) | pathLen(2) | path | child(8)
//	leaf:      kind(1) | pathLen(2) | path | valueLen(4) | value
//
// The layout is self-describing so a HydrateFunc can decode it from
// (address, store) alone, without being told the record length.

// DehydratedLen implements objcache.Storable.
func (n *Node) DehydratedLen() uint64 {
	switch n.kind {
	case kindBranch:
		return 1 + branchWidth*8 + 1 + 4 + uint64(len(n.value))
	case kindExtension:
		return 1 + 2 + uint64(len(n.path)) + 8
	case kindLeaf:
		return 1 + 2 + uint64(len(n.path)) + 4 + uint64(len(n.value))
	default:
		return 0
	}
}

// Dehydrate implements objcache.Storable.
func (n *Node) Dehydrate(to []byte) error {
	to[0] = byte(n.kind)

	switch n.kind {
	case kindBranch:
		off := 1
		for i := 0; i < branchWidth; i++ {
			binary.LittleEndian.PutUint64(to[off:], uint64(n.children[i]))
			off += 8
		}

		if n.hasValue {
			to[off] = 1
		}
		off++

		binary.LittleEndian.PutUint32(to[off:], uint32(len(n.value)))
		copy(to[off+4:], n.value)

	case kindExtension:
		binary.LittleEndian.PutUint16(to[1:], uint16(len(n.path)))
		copy(to[3:], n.path)
		binary.LittleEndian.PutUint64(to[3+len(n.path):], uint64(n.children[0]))

	case kindLeaf:
		binary.LittleEndian.PutUint16(to[1:], uint16(len(n.path)))
		copy(to[3:], n.path)
		binary.LittleEndian.PutUint32(to[3+len(n.path):], uint32(len(n.value)))
		copy(to[3+len(n.path)+4:], n.value)

	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidNode, n.kind)
	}

	return nil
}

// IsMemMapped implements objcache.Storable. Nodes always serialize
// through the write-back path.
func (n *Node) IsMemMapped() bool { return false }

// HydrateNode decodes a Node at addr. It is the HydrateFunc a node space
// is constructed with.
func HydrateNode(addr linstore.DiskAddress, store linstore.LinearStore) (*Node, error) {
	kindView, err := store.GetView(addr, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: reading kind at %d: %v", ErrInvalidNode, addr, err)
	}

	kind := nodeKind(kindView.Bytes()[0])
	kindView.Release()

	switch kind {
	case kindBranch:
		return hydrateBranch(addr, store)
	case kindExtension:
		return hydrateExtension(addr, store)
	case kindLeaf:
		return hydrateLeaf(addr, store)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d at %d", ErrInvalidNode, kind, addr)
	}
}

func hydrateBranch(addr linstore.DiskAddress, store linstore.LinearStore) (*Node, error) {
	fixed := uint64(1 + branchWidth*8 + 1 + 4)

	view, err := store.GetView(addr, fixed)
	if err != nil {
		return nil, fmt.Errorf("%w: branch at %d: %v", ErrInvalidNode, addr, err)
	}

	buf := make([]byte, fixed)
	copy(buf, view.Bytes())
	view.Release()

	n := newBranchNode()

	off := 1
	for i := 0; i < branchWidth; i++ {
		n.children[i] = linstore.DiskAddress(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}

	n.hasValue = buf[off] != 0
	off++

	valueLen := binary.LittleEndian.Uint32(buf[off:])

	if valueLen > 0 {
		valView, err := store.GetView(addr+linstore.DiskAddress(fixed), uint64(valueLen))
		if err != nil {
			return nil, fmt.Errorf("%w: branch value at %d: %v", ErrInvalidNode, addr, err)
		}

		n.value = make([]byte, valueLen)
		copy(n.value, valView.Bytes())
		valView.Release()
	}

	return n, nil
}

func hydrateExtension(addr linstore.DiskAddress, store linstore.LinearStore) (*Node, error) {
	lenView, err := store.GetView(addr+1, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: extension at %d: %v", ErrInvalidNode, addr, err)
	}

	pathLen := binary.LittleEndian.Uint16(lenView.Bytes())
	lenView.Release()

	rest, err := store.GetView(addr+3, uint64(pathLen)+8)
	if err != nil {
		return nil, fmt.Errorf("%w: extension at %d: %v", ErrInvalidNode, addr, err)
	}
	defer rest.Release()

	path := make([]byte, pathLen)
	copy(path, rest.Bytes()[:pathLen])

	child := linstore.DiskAddress(binary.LittleEndian.Uint64(rest.Bytes()[pathLen:]))

	if err := validNibbles(path); err != nil {
		return nil, err
	}

	return newExtensionNode(path, child), nil
}

func hydrateLeaf(addr linstore.DiskAddress, store linstore.LinearStore) (*Node, error) {
	lenView, err := store.GetView(addr+1, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf at %d: %v", ErrInvalidNode, addr, err)
	}

	pathLen := binary.LittleEndian.Uint16(lenView.Bytes())
	lenView.Release()

	head, err := store.GetView(addr+3, uint64(pathLen)+4)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf at %d: %v", ErrInvalidNode, addr, err)
	}

	path := make([]byte, pathLen)
	copy(path, head.Bytes()[:pathLen])
	valueLen := binary.LittleEndian.Uint32(head.Bytes()[pathLen:])
	head.Release()

	if err := validNibbles(path); err != nil {
		return nil, err
	}

	value := make([]byte, valueLen)

	if valueLen > 0 {
		valView, err := store.GetView(addr+3+linstore.DiskAddress(pathLen)+4, uint64(valueLen))
		if err != nil {
			return nil, fmt.Errorf("%w: leaf value at %d: %v", ErrInvalidNode, addr, err)
		}

		copy(value, valView.Bytes())
		valView.Release()
	}

	return newLeafNode(path, value), nil
}

func validNibbles(path []byte) error {
	for _, nib := range path {
		if nib > 0x0f {
			return fmt.Errorf("%w: nibble 0x%x out of range", ErrInvalidNode, nib)
		}
	}

	return nil
}

var _ objcache.Storable = (*Node)(nil)
