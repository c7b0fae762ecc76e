package merkle_test

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/merkle"
)

func newTrie(t *testing.T) (*merkle.Merkle, linstore.DiskAddress) {
	t.Helper()

	m, root, err := merkle.NewInMemory(0x10000, 0x10000, 64)
	require.NoError(t, err)

	return m, root
}

func mustInsert(t *testing.T, m *merkle.Merkle, root linstore.DiskAddress, key, value string) linstore.DiskAddress {
	t.Helper()

	newRoot, err := m.Insert([]byte(key), []byte(value), root)
	require.NoError(t, err)

	return newRoot
}

func TestInsertGet(t *testing.T) {
	m, root := newTrie(t)

	pairs := map[string]string{
		"dof": "verb",
		"doe": "reindeer",
		"dog": "puppy",
	}

	for k, v := range pairs {
		root = mustInsert(t, m, root, k, v)
	}

	for k, v := range pairs {
		got, err := m.Get([]byte(k), root)
		require.NoError(t, err)
		require.Equal(t, []byte(v), got)
	}

	_, err := m.Get([]byte("dx"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)

	_, err = m.Get([]byte("do"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)

	_, err = m.Get([]byte("dogg"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)
}

func TestInsertOverwrite(t *testing.T) {
	m, root := newTrie(t)

	root = mustInsert(t, m, root, "key", "short")
	root = mustInsert(t, m, root, "key", "a considerably longer value that forces slot relocation")

	got, err := m.Get([]byte("key"), root)
	require.NoError(t, err)
	require.Equal(t, []byte("a considerably longer value that forces slot relocation"), got)
}

func TestRootHashChangesPerInsert(t *testing.T) {
	m, root := newTrie(t)

	seen := map[merkle.TrieHash]bool{}

	h, err := m.RootHash(root)
	require.NoError(t, err)
	seen[h] = true

	for i, kv := range [][2]string{{"dof", "verb"}, {"doe", "reindeer"}, {"dog", "puppy"}} {
		root = mustInsert(t, m, root, kv[0], kv[1])

		h, err := m.RootHash(root)
		require.NoError(t, err)
		require.False(t, seen[h], "hash after insert %d repeats an earlier root", i)
		seen[h] = true
	}
}

func TestRootHashOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"dof", "verb"}, {"doe", "reindeer"}, {"dog", "puppy"},
		{"horse", "stallion"}, {"do", "x"}, {"doge", "coin"},
	}

	m1, root1 := newTrie(t)
	for _, kv := range pairs {
		root1 = mustInsert(t, m1, root1, kv[0], kv[1])
	}

	m2, root2 := newTrie(t)
	for i := len(pairs) - 1; i >= 0; i-- {
		root2 = mustInsert(t, m2, root2, pairs[i][0], pairs[i][1])
	}

	h1, err := m1.RootHash(root1)
	require.NoError(t, err)

	h2, err := m2.RootHash(root2)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestRemove(t *testing.T) {
	m, root := newTrie(t)

	root = mustInsert(t, m, root, "dof", "verb")
	root = mustInsert(t, m, root, "doe", "reindeer")

	hashBefore, err := m.RootHash(root)
	require.NoError(t, err)

	root = mustInsert(t, m, root, "dog", "puppy")

	removed, root, err := m.Remove([]byte("dog"), root)
	require.NoError(t, err)
	require.Equal(t, []byte("puppy"), removed)

	_, err = m.Get([]byte("dog"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)

	// Removing the last insert restores the exact prior root hash; a trie
	// that merely cleared the value without collapsing the split nodes
	// would hash differently from the trie that never saw the key.
	hashAfter, err := m.RootHash(root)
	require.NoError(t, err)
	require.Equal(t, hashBefore, hashAfter)

	_, _, err = m.Remove([]byte("dog"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)
}

func TestRemoveAll(t *testing.T) {
	m, root := newTrie(t)

	emptyHash, err := m.RootHash(root)
	require.NoError(t, err)

	keys := []string{"a", "ab", "abc", "abd", "b", "ba", "xyz"}
	for _, k := range keys {
		root = mustInsert(t, m, root, k, "v:"+k)
	}

	for _, k := range keys {
		var removed []byte

		removed, root, err = m.Remove([]byte(k), root)
		require.NoError(t, err)
		require.Equal(t, []byte("v:"+k), removed)
	}

	finalHash, err := m.RootHash(root)
	require.NoError(t, err)
	require.Equal(t, emptyHash, finalHash)
}

func TestWalkOrdered(t *testing.T) {
	m, root := newTrie(t)

	keys := []string{"doe", "dof", "dog", "horse", "do", "doge"}
	for _, k := range keys {
		root = mustInsert(t, m, root, k, "v:"+k)
	}

	var got []string

	err := m.Walk(root, func(key, value []byte) error {
		require.Equal(t, append([]byte("v:"), key...), value)
		got = append(got, string(key))

		return nil
	})
	require.NoError(t, err)

	want := append([]string(nil), keys...)
	sort.Strings(want)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestProveRoundTrip(t *testing.T) {
	m, root := newTrie(t)

	for i := 0; i < 50; i++ {
		root = mustInsert(t, m, root, fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i))
	}

	proof, err := m.Prove([]byte("key-017"), root)
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	// The first proof node is the root: its hash is the root hash.
	rootHash, err := m.RootHash(root)
	require.NoError(t, err)
	require.Equal(t, rootHash, merkle.Keccak256(proof[0]))

	_, err = m.Prove([]byte("missing"), root)
	require.ErrorIs(t, err, merkle.ErrNotFound)
}

func TestDump(t *testing.T) {
	m, root := newTrie(t)

	root = mustInsert(t, m, root, "dog", "puppy")

	var buf bytes.Buffer
	require.NoError(t, m.Dump(root, &buf))
	require.Equal(t, "\"dog\" => \"puppy\"\n", buf.String())
}

func TestEncodingRoundTrip(t *testing.T) {
	cases := [][][]byte{
		{},
		{[]byte("one")},
		{[]byte("a"), nil, []byte("c")},
		{bytes.Repeat([]byte{0xaa}, 300)},
	}

	for _, items := range cases {
		decoded, err := merkle.DecodeList(merkle.EncodeList(items))
		require.NoError(t, err)
		require.Len(t, decoded, len(items))

		for i := range items {
			require.Equal(t, len(items[i]), len(decoded[i]))
			require.Equal(t, append([]byte{}, items[i]...), append([]byte{}, decoded[i]...))
		}
	}

	_, err := merkle.DecodeList(nil)
	require.ErrorIs(t, err, merkle.ErrBadEncoding)

	_, err = merkle.DecodeList([]byte{2, 5, 'a'})
	require.ErrorIs(t, err, merkle.ErrBadEncoding)
}

func TestHexPrefixRoundTrip(t *testing.T) {
	for _, key := range [][]byte{{}, {0x1}, {0x12, 0x34}, {0xff, 0x00, 0xab}} {
		hex := merkle.KeybytesToHex(key)
		require.True(t, merkle.HasTerm(hex))

		compact := merkle.HexToCompact(hex)
		back := merkle.CompactToHex(compact)
		require.Equal(t, hex, back)

		// Extension-style (no terminator) paths round-trip too.
		noTerm := hex[:len(hex)-1]
		require.Equal(t, noTerm, merkle.CompactToHex(merkle.HexToCompact(noTerm)))
	}
}
