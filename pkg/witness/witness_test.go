// Copyright 2026 The Ceramic Anchor Service Authors

package witness

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(dagCBORCodec, mh)
}

func TestWriteAndReadCAR_RoundTrips(t *testing.T) {
	root := testCID(t, "root-block")
	leaf := testCID(t, "leaf-block")

	blocks := []Block{
		{CID: root, Data: []byte("root-block")},
		{CID: leaf, Data: []byte("leaf-block")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCAR(&buf, root, blocks))

	roots, gotBlocks, err := ReadCAR(&buf)
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{root}, roots)
	require.Len(t, gotBlocks, 2)
	require.Equal(t, root, gotBlocks[0].CID)
	require.Equal(t, []byte("root-block"), gotBlocks[0].Data)
	require.Equal(t, leaf, gotBlocks[1].CID)
}

func TestEncodeBlock_Deterministic(t *testing.T) {
	w := &Witness{
		StreamID: "stream-a",
		RootCID:  testCID(t, "root"),
		PathLine: "0/1",
		Siblings: []cid.Cid{testCID(t, "sib")},
	}

	c1, data1, err := EncodeBlock(w)
	require.NoError(t, err)
	c2, data2, err := EncodeBlock(w)
	require.NoError(t, err)

	require.Equal(t, c1, c2)
	require.Equal(t, data1, data2)
}
