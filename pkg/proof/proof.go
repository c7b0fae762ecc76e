// Package proof verifies trie inclusion and range proofs statelessly: no
// live storage is needed, only the root hash and the proof bytes, which
// is what lets a light client check a server's answers without holding
// the trie.
package proof

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/revtrie/revtrie/pkg/merkle"
)

var (
	// ErrProofInvalid is returned when a proof is structurally invalid or
	// does not connect to the claimed root hash.
	ErrProofInvalid = errors.New("proof: invalid proof")

	// ErrProofEmpty is returned when a proof contains no nodes.
	ErrProofEmpty = errors.New("proof: empty proof")

	// ErrEmptyKeyValues is returned by VerifyRange when no key/value
	// pairs were supplied.
	ErrEmptyKeyValues = errors.New("proof: no keys or values in range")

	// ErrRangeInvalid is returned when the supplied keys are unsorted,
	// fall outside [firstKey, lastKey], or disagree with the values.
	ErrRangeInvalid = errors.New("proof: invalid range")

	// ErrRangeMismatch is returned when the proven pairs do not
	// reconstruct the claimed root hash.
	ErrRangeMismatch = errors.New("proof: range does not match root hash")
)

// Verify checks an inclusion or absence proof for key against rootHash.
// proof is the root-first list of node encodings produced by
// [merkle.Merkle.Prove]. It returns the proven value, or (nil, nil) when
// the proof validly demonstrates the key's absence.
func Verify(rootHash merkle.TrieHash, key []byte, proof [][]byte) ([]byte, error) {
	if len(proof) == 0 {
		return nil, ErrProofEmpty
	}

	hexKey := merkle.KeybytesToHex(key)

	// wantHash is the expected hash of the current proof node; wantInline
	// is the expected exact encoding when the parent embedded the child
	// rather than hashing it. Exactly one is active at a time.
	wantHash := rootHash[:]

	var wantInline []byte

	pos := 0

	for i, encoded := range proof {
		if wantInline != nil {
			if !bytes.Equal(encoded, wantInline) {
				return nil, fmt.Errorf("%w: node %d does not match inline reference", ErrProofInvalid, i)
			}

			wantInline = nil
		} else {
			nodeHash := merkle.Keccak256(encoded)
			if !bytes.Equal(nodeHash[:], wantHash) {
				return nil, fmt.Errorf("%w: node %d hash mismatch", ErrProofInvalid, i)
			}
		}

		items, err := merkle.DecodeList(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrProofInvalid, i, err)
		}

		last := i == len(proof)-1

		switch len(items) {
		case 2:
			value, ref, done, err := stepShortNode(items, hexKey, &pos, last)
			if done || err != nil {
				return value, err
			}

			wantHash, wantInline = splitRef(ref)

		case 17:
			value, ref, done, err := stepBranchNode(items, hexKey, &pos, last)
			if done || err != nil {
				return value, err
			}

			wantHash, wantInline = splitRef(ref)

		default:
			return nil, fmt.Errorf("%w: node %d has %d items", ErrProofInvalid, i, len(items))
		}
	}

	return nil, fmt.Errorf("%w: proof ended before the key resolved", ErrProofInvalid)
}

// stepShortNode advances the walk through a leaf or extension encoding.
// done=true means the walk terminated (value or proven absence).
func stepShortNode(items [][]byte, hexKey []byte, pos *int, last bool) (value, childRef []byte, done bool, err error) {
	hexNibbles := merkle.CompactToHex(items[0])

	matchLen := 0
	for matchLen < len(hexNibbles) && *pos+matchLen < len(hexKey) {
		if hexNibbles[matchLen] != hexKey[*pos+matchLen] {
			break
		}

		matchLen++
	}

	if matchLen < len(hexNibbles) {
		// The key diverges inside this node's path: a valid absence
		// proof if nothing follows, invalid otherwise.
		if last {
			return nil, nil, true, nil
		}

		return nil, nil, true, fmt.Errorf("%w: divergence before final node", ErrProofInvalid)
	}

	*pos += len(hexNibbles)

	if merkle.HasTerm(hexNibbles) {
		if last {
			return items[1], nil, true, nil
		}

		return nil, nil, true, fmt.Errorf("%w: leaf before final node", ErrProofInvalid)
	}

	if last {
		return nil, nil, true, fmt.Errorf("%w: proof ends at an extension", ErrProofInvalid)
	}

	return nil, items[1], false, nil
}

// stepBranchNode advances the walk through a branch encoding.
func stepBranchNode(items [][]byte, hexKey []byte, pos *int, last bool) (value, childRef []byte, done bool, err error) {
	if *pos >= len(hexKey) {
		return nil, nil, true, fmt.Errorf("%w: key exhausted at a branch", ErrProofInvalid)
	}

	nibble := hexKey[*pos]
	*pos++

	if nibble == merkle.TerminatorNibble {
		val := items[16]
		if len(val) == 0 {
			return nil, nil, true, nil // no value at this branch: absence
		}

		return val, nil, true, nil
	}

	ref := items[nibble]
	if len(ref) == 0 {
		if last {
			return nil, nil, true, nil // empty child slot: absence
		}

		return nil, nil, true, fmt.Errorf("%w: empty child before final node", ErrProofInvalid)
	}

	if last {
		return nil, nil, true, fmt.Errorf("%w: proof ends with an unfollowed child", ErrProofInvalid)
	}

	return nil, ref, false, nil
}

// splitRef classifies a child reference: 32 bytes is a hash, anything
// shorter is the child's inlined encoding.
func splitRef(ref []byte) (wantHash, wantInline []byte) {
	if len(ref) == merkle.HashLen {
		return ref, nil
	}

	return nil, ref
}

// nodeSet indexes proof nodes by their hash so a walk can resolve
// references out of a concatenated (multi-path) proof.
type nodeSet map[merkle.TrieHash][]byte

func newNodeSet(proof [][]byte) nodeSet {
	set := make(nodeSet, len(proof))
	for _, encoded := range proof {
		set[merkle.Keccak256(encoded)] = encoded
	}

	return set
}

// walk resolves key through the node set starting at rootHash, returning
// the value or nil for a proven absence.
func (s nodeSet) walk(rootHash merkle.TrieHash, key []byte) ([]byte, error) {
	hexKey := merkle.KeybytesToHex(key)

	encoded, ok := s[rootHash]
	if !ok {
		return nil, fmt.Errorf("%w: root node missing from proof", ErrProofInvalid)
	}

	pos := 0

	for {
		items, err := merkle.DecodeList(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProofInvalid, err)
		}

		var ref []byte

		switch len(items) {
		case 2:
			hexNibbles := merkle.CompactToHex(items[0])

			matchLen := 0
			for matchLen < len(hexNibbles) && pos+matchLen < len(hexKey) {
				if hexNibbles[matchLen] != hexKey[pos+matchLen] {
					break
				}

				matchLen++
			}

			if matchLen < len(hexNibbles) {
				return nil, nil
			}

			pos += len(hexNibbles)

			if merkle.HasTerm(hexNibbles) {
				return items[1], nil
			}

			ref = items[1]

		case 17:
			if pos >= len(hexKey) {
				return nil, fmt.Errorf("%w: key exhausted at a branch", ErrProofInvalid)
			}

			nibble := hexKey[pos]
			pos++

			if nibble == merkle.TerminatorNibble {
				if len(items[16]) == 0 {
					return nil, nil
				}

				return items[16], nil
			}

			ref = items[nibble]
			if len(ref) == 0 {
				return nil, nil
			}

		default:
			return nil, fmt.Errorf("%w: node has %d items", ErrProofInvalid, len(items))
		}

		if len(ref) == merkle.HashLen {
			var h merkle.TrieHash
			copy(h[:], ref)

			encoded, ok = s[h]
			if !ok {
				return nil, fmt.Errorf("%w: referenced node missing from proof", ErrProofInvalid)
			}
		} else {
			// Inlined child: the reference is the encoding.
			encoded = ref
		}
	}
}

// VerifyRange checks a range proof: that keys/vals are exactly the pairs
// the trie identified by rootHash holds over [firstKey, lastKey]. proof
// is the concatenation of the inclusion proofs for the range's first and
// last keys (the shape the database's Prove + concatenation produces).
//
// The range must be complete: the supplied pairs, rebuilt into a fresh
// trie, must reproduce rootHash exactly. Verifying a strict sub-range of
// a larger trie is not supported and fails with ErrRangeMismatch.
func VerifyRange(rootHash merkle.TrieHash, firstKey, lastKey []byte, keys, vals [][]byte, proof [][]byte) error {
	if len(keys) == 0 || len(vals) == 0 {
		return ErrEmptyKeyValues
	}

	if len(keys) != len(vals) {
		return fmt.Errorf("%w: %d keys but %d values", ErrRangeInvalid, len(keys), len(vals))
	}

	if bytes.Compare(firstKey, lastKey) > 0 {
		return fmt.Errorf("%w: first key sorts after last key", ErrRangeInvalid)
	}

	for i, key := range keys {
		if i > 0 && bytes.Compare(keys[i-1], key) >= 0 {
			return fmt.Errorf("%w: keys not in strictly ascending order", ErrRangeInvalid)
		}

		if bytes.Compare(key, firstKey) < 0 || bytes.Compare(key, lastKey) > 0 {
			return fmt.Errorf("%w: key %q outside [%q, %q]", ErrRangeInvalid, key, firstKey, lastKey)
		}
	}

	if len(proof) == 0 {
		return ErrProofEmpty
	}

	set := newNodeSet(proof)

	// Anchor both boundaries to the root before trusting the pair list.
	for _, boundary := range [][]byte{firstKey, lastKey} {
		if _, err := set.walk(rootHash, boundary); err != nil {
			return err
		}
	}

	// Boundary values, when the boundary key is part of the range, must
	// match what the proof resolves.
	if bytes.Equal(keys[0], firstKey) {
		val, err := set.walk(rootHash, firstKey)
		if err != nil {
			return err
		}

		if !bytes.Equal(val, vals[0]) {
			return fmt.Errorf("%w: first value disagrees with proof", ErrRangeInvalid)
		}
	}

	if bytes.Equal(keys[len(keys)-1], lastKey) {
		val, err := set.walk(rootHash, lastKey)
		if err != nil {
			return err
		}

		if !bytes.Equal(val, vals[len(vals)-1]) {
			return fmt.Errorf("%w: last value disagrees with proof", ErrRangeInvalid)
		}
	}

	// Rebuild a trie from the pairs and compare roots.
	rebuilt, root, err := merkle.NewInMemory(0x10000, 0x100000, 256)
	if err != nil {
		return err
	}

	for i := range keys {
		root, err = rebuilt.Insert(keys[i], vals[i], root)
		if err != nil {
			return err
		}
	}

	rebuiltHash, err := rebuilt.RootHash(root)
	if err != nil {
		return err
	}

	if rebuiltHash != rootHash {
		return ErrRangeMismatch
	}

	return nil
}
