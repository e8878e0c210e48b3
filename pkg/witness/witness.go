// Copyright 2026 The Ceramic Anchor Service Authors
//
// Per-stream witness assembly (spec §4.6): for each anchored leaf, compute
// its pathLine and the minimal sibling set along the path to the root, then
// encode the batch's IPLD blocks into a CAR per stream whose root is that
// stream's anchor-commit CID.

package witness

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/ceramicnetwork/cas/pkg/blockstore"
	"github.com/ceramicnetwork/cas/pkg/merkle"
)

// dagCBORCodec is the multicodec code for DAG-CBOR.
const dagCBORCodec = 0x71

// dagCBORCid computes the CIDv1 (sha2-256, dag-cbor) for a DAG-CBOR
// encoded block's bytes.
func dagCBORCid(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("witness: hash block: %w", err)
	}
	return cid.NewCidV1(dagCBORCodec, mh), nil
}

// Witness is the object assembled for one anchored stream: the shared
// batch root, this leaf's path to it, and the sibling CIDs needed to
// recompute the root from the leaf alone.
type Witness struct {
	StreamID  string
	RootCID   cid.Cid
	PathLine  string
	Siblings  []cid.Cid
	CommitCID cid.Cid
}

// witnessBlock is the DAG-CBOR encoding of a Witness for storage as an
// IPLD block alongside the tree's internal nodes.
type witnessBlock struct {
	Root     cid.Cid   `cbor:"root"`
	Path     string    `cbor:"path"`
	Siblings []cid.Cid `cbor:"siblings"`
}

// BuildWitness computes leaf's pathLine and sibling CIDs within tree and
// returns the assembled Witness (spec §4.6 first paragraph).
func BuildWitness[L any](streamID string, leaf *merkle.Node[cid.Cid, L], tree *merkle.Tree[cid.Cid, L], commitCID cid.Cid) (*Witness, error) {
	path, err := merkle.PathLine[cid.Cid, L](leaf)
	if err != nil {
		return nil, fmt.Errorf("witness: compute pathLine for stream %s: %w", streamID, err)
	}

	return &Witness{
		StreamID:  streamID,
		RootCID:   tree.Root.Value,
		PathLine:  path,
		Siblings:  merkle.Siblings[cid.Cid, L](leaf),
		CommitCID: commitCID,
	}, nil
}

// EncodeBlock DAG-CBOR encodes w for storage as an IPLD block, returning
// its bytes and CID (sha2-256, dag-cbor codec 0x71).
func EncodeBlock(w *Witness) (cid.Cid, []byte, error) {
	return EncodeDAGCBORBlock(witnessBlock{Root: w.RootCID, Path: w.PathLine, Siblings: w.Siblings})
}

// EncodeDAGCBORBlock DAG-CBOR encodes an arbitrary value as an IPLD block
// and returns its bytes alongside its CID. Exported so the Merkle tree
// builder (pkg/anchorsvc) can address its own leaf and internal-node blocks
// the same way a witness block is addressed.
func EncodeDAGCBORBlock(v any) (cid.Cid, []byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("witness: encode block: %w", err)
	}
	c, err := dagCBORCid(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// WriteStreamCAR assembles and persists the CAR for one stream: its
// witness block, the sibling blocks along the path, and the anchor-commit
// block, with the commit CID as the CAR's root (spec §4.6 last sentence).
// Writes happen post-commit and are safe to retry (content-addressed,
// idempotent) per spec §4.7 step 5 / §7 StoreUnavailable.
func WriteStreamCAR(ctx context.Context, store blockstore.Store, w *Witness, commitBlock []byte, siblingBlocks map[cid.Cid][]byte) error {
	witnessCID, witnessData, err := EncodeBlock(w)
	if err != nil {
		return err
	}

	blocks := []Block{
		{CID: w.CommitCID, Data: commitBlock},
		{CID: witnessCID, Data: witnessData},
	}
	for _, sib := range w.Siblings {
		data, ok := siblingBlocks[sib]
		if !ok {
			return fmt.Errorf("witness: missing sibling block %s for stream %s", sib, w.StreamID)
		}
		blocks = append(blocks, Block{CID: sib, Data: data})
	}

	var buf bytes.Buffer
	if err := WriteCAR(&buf, w.CommitCID, blocks); err != nil {
		return fmt.Errorf("witness: build car for stream %s: %w", w.StreamID, err)
	}

	if err := store.PutBlock(ctx, w.CommitCID, buf.Bytes()); err != nil {
		return fmt.Errorf("witness: persist car for stream %s: %w", w.StreamID, err)
	}
	return nil
}
