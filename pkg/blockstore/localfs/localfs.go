// Copyright 2026 The Ceramic Anchor Service Authors
//
// localfs is a filesystem-backed blockstore: one file per block, named by
// the block's CID string, under a configured root directory. Wired from
// Config.BlockstoreDir; there is no object-storage SDK left in the
// dependency set after trimming (see DESIGN.md), so this backs the
// blockstore.Store interface for both development and production use.

package localfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/cas/pkg/blockstore"
)

// Store is a directory of content-addressed block files.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blockstore dir: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(c cid.Cid) string {
	name := c.String()
	// Two-level sharding by prefix keeps any one directory from holding an
	// unbounded number of entries under heavy anchoring volume.
	return filepath.Join(s.root, name[:2], name)
}

// GetBlock implements blockstore.Store.
func (s *Store) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(s.path(c))
	if errors.Is(err, os.ErrNotExist) {
		return nil, blockstore.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read block %s: %w", c, err)
	}
	return data, nil
}

// PutBlock implements blockstore.Store.
func (s *Store) PutBlock(ctx context.Context, c cid.Cid, data []byte) error {
	p := s.path(c)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create block shard dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write block %s: %w", c, err)
	}
	return nil
}

// Has implements blockstore.Store.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(s.path(c))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat block %s: %w", c, err)
	}
	return true, nil
}

var _ blockstore.Store = (*Store)(nil)
