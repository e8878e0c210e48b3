// Copyright 2026 The Ceramic Anchor Service Authors
//
// Blockstore is the IPLD put/get capability used by the metadata service
// to dereference stream genesis commits and by the witness package to
// assemble per-stream CAR archives (spec §4.4, §4.6).

package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrBlockNotFound is returned when a block isn't present in the store.
var ErrBlockNotFound = errors.New("blockstore: block not found")

// Store is the minimal content-addressed block store the anchor pipeline
// depends on.
type Store interface {
	// GetBlock returns the raw bytes for c, or ErrBlockNotFound.
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)
	// PutBlock stores raw bytes under c, idempotently.
	PutBlock(ctx context.Context, c cid.Cid, data []byte) error
	// Has reports whether c is present without fetching its bytes.
	Has(ctx context.Context, c cid.Cid) (bool, error)
}
