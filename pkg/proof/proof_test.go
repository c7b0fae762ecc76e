package proof_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/merkle"
	"github.com/revtrie/revtrie/pkg/proof"
)

func buildTrie(t *testing.T, pairs [][2]string) (*merkle.Merkle, linstore.DiskAddress, merkle.TrieHash) {
	t.Helper()

	m, root, err := merkle.NewInMemory(0x10000, 0x10000, 64)
	require.NoError(t, err)

	for _, kv := range pairs {
		root, err = m.Insert([]byte(kv[0]), []byte(kv[1]), root)
		require.NoError(t, err)
	}

	hash, err := m.RootHash(root)
	require.NoError(t, err)

	return m, root, hash
}

func TestVerifyInclusion(t *testing.T) {
	pairs := [][2]string{{"doe", "reindeer"}, {"dof", "verb"}, {"dog", "puppy"}}
	m, root, hash := buildTrie(t, pairs)

	for _, kv := range pairs {
		p, err := m.Prove([]byte(kv[0]), root)
		require.NoError(t, err)

		val, err := proof.Verify(hash, []byte(kv[0]), p)
		require.NoError(t, err)
		require.Equal(t, []byte(kv[1]), val)
	}
}

func TestVerifyManyKeys(t *testing.T) {
	var pairs [][2]string
	for i := 0; i < 100; i++ {
		pairs = append(pairs, [2]string{fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i)})
	}

	m, root, hash := buildTrie(t, pairs)

	for _, kv := range pairs {
		p, err := m.Prove([]byte(kv[0]), root)
		require.NoError(t, err)

		val, err := proof.Verify(hash, []byte(kv[0]), p)
		require.NoError(t, err)
		require.Equal(t, []byte(kv[1]), val)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	pairs := [][2]string{{"doe", "reindeer"}, {"dof", "verb"}, {"dog", "puppy"}}
	m, root, hash := buildTrie(t, pairs)

	p, err := m.Prove([]byte("dog"), root)
	require.NoError(t, err)

	// Wrong root hash.
	var wrongHash merkle.TrieHash
	wrongHash[0] = 0xff

	_, err = proof.Verify(wrongHash, []byte("dog"), p)
	require.ErrorIs(t, err, proof.ErrProofInvalid)

	// Bit-flipped node.
	tampered := make([][]byte, len(p))
	for i := range p {
		tampered[i] = append([]byte(nil), p[i]...)
	}
	tampered[len(tampered)-1][len(tampered[len(tampered)-1])-1] ^= 0x01

	_, err = proof.Verify(hash, []byte("dog"), tampered)
	require.ErrorIs(t, err, proof.ErrProofInvalid)

	// Empty proof.
	_, err = proof.Verify(hash, []byte("dog"), nil)
	require.ErrorIs(t, err, proof.ErrProofEmpty)
}

func TestVerifyRange(t *testing.T) {
	pairs := [][2]string{{"doe", "reindeer"}, {"dof", "verb"}}
	m, root, hash := buildTrie(t, pairs)

	first, err := m.Prove([]byte("doe"), root)
	require.NoError(t, err)

	last, err := m.Prove([]byte("dof"), root)
	require.NoError(t, err)

	concat := append(append([][]byte(nil), first...), last...)

	keys := [][]byte{[]byte("doe"), []byte("dof")}
	vals := [][]byte{[]byte("reindeer"), []byte("verb")}

	require.NoError(t, proof.VerifyRange(hash, keys[0], keys[1], keys, vals, concat))
}

func TestVerifyRangeRejectsBadInput(t *testing.T) {
	pairs := [][2]string{{"doe", "reindeer"}, {"dof", "verb"}}
	m, root, hash := buildTrie(t, pairs)

	first, err := m.Prove([]byte("doe"), root)
	require.NoError(t, err)

	last, err := m.Prove([]byte("dof"), root)
	require.NoError(t, err)

	concat := append(append([][]byte(nil), first...), last...)

	keys := [][]byte{[]byte("doe"), []byte("dof")}
	vals := [][]byte{[]byte("reindeer"), []byte("verb")}

	// No pairs.
	err = proof.VerifyRange(hash, keys[0], keys[1], nil, nil, concat)
	require.ErrorIs(t, err, proof.ErrEmptyKeyValues)

	// Unsorted keys.
	err = proof.VerifyRange(hash, keys[0], keys[1], [][]byte{keys[1], keys[0]}, vals, concat)
	require.ErrorIs(t, err, proof.ErrRangeInvalid)

	// Wrong value.
	err = proof.VerifyRange(hash, keys[0], keys[1], keys, [][]byte{[]byte("reindeer"), []byte("noun")}, concat)
	require.ErrorIs(t, err, proof.ErrRangeInvalid)

	// Missing pair: the rebuilt trie cannot reproduce the root.
	err = proof.VerifyRange(hash, keys[0], keys[0], keys[:1], vals[:1], concat)
	require.ErrorIs(t, err, proof.ErrRangeMismatch)
}
