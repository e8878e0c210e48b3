// Copyright 2026 The Ceramic Anchor Service Authors
//
// Merkle factory tests

package merkle

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// stringLeaf is a minimal test leaf: a name plus its hash.
type stringLeaf struct {
	name string
	hash [32]byte
}

func stringFactory(depthLimit int) *Factory[[32]byte, stringLeaf] {
	return &Factory[[32]byte, stringLeaf]{
		DepthLimit: depthLimit,
		LeafValue: func(leaf stringLeaf) [32]byte {
			return leaf.hash
		},
		Compare: func(a, b stringLeaf) int {
			switch {
			case a.name < b.name:
				return -1
			case a.name > b.name:
				return 1
			default:
				return 0
			}
		},
		Merge: func(left [32]byte, right *[32]byte, meta any) ([32]byte, error) {
			if right == nil {
				return left, nil
			}
			h := sha256.New()
			h.Write(left[:])
			h.Write(right[:])
			var out [32]byte
			copy(out[:], h.Sum(nil))
			return out, nil
		},
	}
}

func leafOf(name string) stringLeaf {
	return stringLeaf{name: name, hash: sha256.Sum256([]byte(name))}
}

func wrapLeaves(names ...string) []stringLeaf {
	leaves := make([]stringLeaf, len(names))
	for i, n := range names {
		leaves[i] = leafOf(n)
	}
	return leaves
}

func buildWithHashLeaves(f *Factory[[32]byte, stringLeaf], leaves []stringLeaf) (*Tree[[32]byte, stringLeaf], error) {
	return f.Build(leaves)
}

func TestFactory_EmptyLeaves(t *testing.T) {
	f := stringFactory(4)
	_, err := f.Build(nil)
	require.ErrorIs(t, err, ErrEmptyLeaves)
}

func TestFactory_SingleLeaf(t *testing.T) {
	f := stringFactory(4)
	tree, err := buildWithHashLeaves(f, wrapLeaves("a"))
	require.NoError(t, err)
	require.True(t, tree.Root.IsLeaf())

	path, err := PathLine[[32]byte, stringLeaf](tree.Root)
	require.NoError(t, err)
	require.Equal(t, "0", path)
}

func TestFactory_DeterministicRoot(t *testing.T) {
	f := stringFactory(4)
	leaves := wrapLeaves("charlie", "alpha", "bravo")

	tree1, err := buildWithHashLeaves(f, leaves)
	require.NoError(t, err)
	tree2, err := buildWithHashLeaves(f, leaves)
	require.NoError(t, err)

	require.Equal(t, tree1.Root.Value, tree2.Root.Value)
}

func TestFactory_ThreeLeavesPaths(t *testing.T) {
	// Mirrors the seed scenario in spec §8: three streams, depthLimit=2,
	// paths "0", "1/0", "1/1" (split-at-middle leaves the leftmost
	// subtree with a single leaf at depth 1).
	f := stringFactory(2)
	leaves := wrapLeaves("alpha", "bravo", "charlie")

	tree, err := buildWithHashLeaves(f, leaves)
	require.NoError(t, err)
	require.Len(t, tree.Order, 3)

	paths := make(map[string]bool)
	for _, leaf := range tree.Order {
		p, err := PathLine[[32]byte, stringLeaf](leaf)
		require.NoError(t, err)
		paths[p] = true
	}
	require.True(t, paths["0"])
	require.True(t, paths["1/0"])
	require.True(t, paths["1/1"])
}

func TestFactory_DepthExceeded(t *testing.T) {
	f := stringFactory(1)
	names := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("leaf-%d", i))
	}
	_, err := buildWithHashLeaves(f, wrapLeaves(names...))
	require.Error(t, err)
	var depthErr *DepthExceededError
	require.ErrorAs(t, err, &depthErr)
	require.Equal(t, 1, depthErr.DepthLimit)
}

func TestValidatePathLine(t *testing.T) {
	valid := []string{"0", "0/1", "0/1/1"}
	for _, s := range valid {
		require.NoErrorf(t, ValidatePathLine(s), "expected %q to be valid", s)
	}

	invalid := []string{"", "0/", "0/2", "/0/2"}
	for _, s := range invalid {
		require.Errorf(t, ValidatePathLine(s), "expected %q to be invalid", s)
	}
}
