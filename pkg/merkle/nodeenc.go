package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Wire encoding of trie nodes for hashing and proofs. Nodes encode as a
// flat list of byte strings: a count byte followed by each item as a
// uvarint length prefix plus the item bytes.
//
//   - branch:    17 items — 16 child references plus the optional value
//     (an absent child or value is a zero-length item)
//   - extension: 2 items — hex-prefix path without terminator, child ref
//   - leaf:      2 items — hex-prefix path with terminator, value
//
// A child reference is the child's own encoding when that encoding is
// shorter than 32 bytes (the node is "inlined" into its parent), and the
// Keccak-256 of the encoding otherwise. Verifiers distinguish the two by
// length, and branch vs. short nodes by item count — the same shape the
// hex-prefix terminator rule gives Ethereum's MPT, minus RLP.

// HashLen is the byte length of a node hash.
const HashLen = 32

// ErrBadEncoding is returned when proof or node bytes fail to decode as
// a node encoding.
var ErrBadEncoding = errors.New("merkle: bad node encoding")

// TrieHash is the Keccak-256 hash of a node encoding; the root node's
// TrieHash identifies a revision.
type TrieHash [HashLen]byte

// Hex returns the hash as a lowercase hex string.
func (h TrieHash) Hex() string { return fmt.Sprintf("%x", h[:]) }

// Keccak256 returns the Keccak-256 digest of data.
func Keccak256(data []byte) TrieHash {
	d := sha3.NewLegacyKeccak256()
	d.Write(data)

	var h TrieHash
	d.Sum(h[:0])

	return h
}

// EncodeList serializes items as a count byte plus uvarint-length-prefixed
// byte strings.
func EncodeList(items [][]byte) []byte {
	size := 1
	for _, item := range items {
		size += binary.MaxVarintLen32 + len(item)
	}

	buf := make([]byte, 1, size)
	buf[0] = byte(len(items))

	var tmp [binary.MaxVarintLen32]byte
	for _, item := range items {
		n := binary.PutUvarint(tmp[:], uint64(len(item)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, item...)
	}

	return buf
}

// DecodeList parses an EncodeList encoding back into its items.
func DecodeList(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrBadEncoding)
	}

	count := int(data[0])
	rest := data[1:]
	items := make([][]byte, 0, count)

	for i := 0; i < count; i++ {
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: item %d length", ErrBadEncoding, i)
		}

		rest = rest[n:]
		if uint64(len(rest)) < length {
			return nil, fmt.Errorf("%w: item %d truncated", ErrBadEncoding, i)
		}

		items = append(items, rest[:length])
		rest = rest[length:]
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, len(rest))
	}

	return items, nil
}

// NodeRef returns a reference to an encoded node: the encoding itself
// when shorter than HashLen (inlined), the Keccak-256 hash otherwise.
func NodeRef(enc []byte) []byte {
	if len(enc) < HashLen {
		return enc
	}

	h := Keccak256(enc)

	return h[:]
}

// encBranch builds the wire encoding of a branch node given its 16 child
// references and value.
func encBranch(children [branchWidth][]byte, value []byte) []byte {
	items := make([][]byte, branchWidth+1)
	for i := 0; i < branchWidth; i++ {
		items[i] = children[i]
	}

	items[branchWidth] = value

	return EncodeList(items)
}

// encExtension builds the wire encoding of an extension node. path is in
// hex-nibble form without terminator.
func encExtension(path []byte, childRef []byte) []byte {
	return EncodeList([][]byte{HexToCompact(path), childRef})
}

// encLeaf builds the wire encoding of a leaf node. path is in hex-nibble
// form without terminator; the terminator is appended before compacting.
func encLeaf(path []byte, value []byte) []byte {
	withTerm := make([]byte, len(path)+1)
	copy(withTerm, path)
	withTerm[len(path)] = TerminatorNibble

	return EncodeList([][]byte{HexToCompact(withTerm), value})
}
