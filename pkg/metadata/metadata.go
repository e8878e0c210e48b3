// Copyright 2026 The Ceramic Anchor Service Authors
//
// Metadata service: resolves and caches a stream's genesis fields
// (spec §4.4). Grounded on the teacher's cache-then-dereference style in
// pkg/accumulate/accumulate_client.go (lookup local state before falling
// back to a remote read) and its bounded-retry idiom.

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/cas/pkg/blockstore"
	"github.com/ceramicnetwork/cas/pkg/database"
)

// ErrMetadataUnavailable is raised when the genesis commit cannot be
// dereferenced after bounded retries.
var ErrMetadataUnavailable = errors.New("metadata: genesis commit unavailable")

// GenesisFields are the fields of a stream's genesis commit relevant to
// anchoring and candidate ordering (spec §4.4).
type GenesisFields struct {
	// Controllers is a non-empty, order-significant sequence of controller
	// identifiers (signature-verification peers).
	Controllers []string `json:"controllers"`
	// Model is an optional stream identifier for the stream's model.
	Model  string `json:"model,omitempty"`
	Schema string `json:"schema,omitempty"`
	Family string `json:"family,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

func (g *GenesisFields) validate() error {
	if len(g.Controllers) == 0 {
		return errors.New("metadata: genesis commit has no controllers")
	}
	return nil
}

// GenesisDereferencer reads and parses a stream's genesis commit directly
// from the IPLD store, used only on a cache miss.
type GenesisDereferencer interface {
	DereferenceGenesis(ctx context.Context, streamID string) (*GenesisFields, error)
}

// Service implements resolve(streamId) → GenesisFields per spec §4.4.
type Service struct {
	repo        *database.MetadataRepository
	dereferencer GenesisDereferencer
	maxRetries  int
	logger      *log.Logger
}

// NewService constructs a metadata service backed by repo for caching and
// dereferencer for genesis-commit resolution on a cache miss.
func NewService(repo *database.MetadataRepository, dereferencer GenesisDereferencer, maxRetries int) *Service {
	return &Service{
		repo:         repo,
		dereferencer: dereferencer,
		maxRetries:   maxRetries,
		logger:       log.New(log.Writer(), "[Metadata] ", log.LstdFlags),
	}
}

// Resolve implements the lookup-then-dereference algorithm: a table hit
// returns the cached fields and does not touch usedAt (usedAt is advanced
// by MetadataRepository.TouchUsedAt when pkg/anchorsvc persists a batch
// that references the stream); a miss dereferences the genesis commit with
// bounded retries, then inserts into the cache.
func (s *Service) Resolve(ctx context.Context, streamID string) (*GenesisFields, error) {
	cached, err := s.repo.Get(ctx, streamID)
	if err == nil {
		var fields GenesisFields
		if err := json.Unmarshal(cached.Blob, &fields); err != nil {
			return nil, fmt.Errorf("metadata: decode cached genesis fields for %s: %w", streamID, err)
		}
		return &fields, nil
	}
	if !errors.Is(err, database.ErrMetadataNotFound) {
		return nil, fmt.Errorf("metadata: lookup %s: %w", streamID, err)
	}

	fields, err := s.dereferenceWithRetry(ctx, streamID)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode genesis fields for %s: %w", streamID, err)
	}
	if _, err := s.repo.Upsert(ctx, streamID, blob); err != nil {
		return nil, fmt.Errorf("metadata: cache genesis fields for %s: %w", streamID, err)
	}

	return fields, nil
}

func (s *Service) dereferenceWithRetry(ctx context.Context, streamID string) (*GenesisFields, error) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		fields, err := s.dereferencer.DereferenceGenesis(ctx, streamID)
		if err == nil {
			if verr := fields.validate(); verr != nil {
				return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, verr)
			}
			return fields, nil
		}
		lastErr = err
		s.logger.Printf("dereference %s failed (attempt %d/%d): %v", streamID, attempt+1, s.maxRetries+1, err)
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrMetadataUnavailable, streamID, lastErr)
}

// EvictStale removes cache entries unused since horizon (spec §4.4 retention).
func (s *Service) EvictStale(ctx context.Context, horizon time.Duration) (int64, error) {
	return s.repo.EvictStale(ctx, horizon)
}

// BlockstoreDereferencer implements GenesisDereferencer by reading the
// stream's genesis commit block from a blockstore.Store and decoding its
// DAG-CBOR payload.
type BlockstoreDereferencer struct {
	store blockstore.Store
}

// NewBlockstoreDereferencer constructs a dereferencer over store.
func NewBlockstoreDereferencer(store blockstore.Store) *BlockstoreDereferencer {
	return &BlockstoreDereferencer{store: store}
}

// genesisBlock is the DAG-CBOR shape of a stream's genesis commit, limited
// to the fields the anchor pipeline cares about.
type genesisBlock struct {
	Header struct {
		Controllers []string `cbor:"controllers"`
		Model       []byte   `cbor:"model"`
	} `cbor:"header"`
	Schema string   `cbor:"schema"`
	Family string   `cbor:"family"`
	Tags   []string `cbor:"tags"`
}

// DereferenceGenesis implements GenesisDereferencer.
func (d *BlockstoreDereferencer) DereferenceGenesis(ctx context.Context, streamID string) (*GenesisFields, error) {
	streamCID, err := cid.Decode(streamID)
	if err != nil {
		return nil, fmt.Errorf("metadata: stream id %q is not a valid CID: %w", streamID, err)
	}

	data, err := d.store.GetBlock(ctx, streamCID)
	if err != nil {
		return nil, fmt.Errorf("metadata: fetch genesis block for %s: %w", streamID, err)
	}

	var block genesisBlock
	if err := cbor.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("metadata: decode genesis block for %s: %w", streamID, err)
	}

	fields := &GenesisFields{
		Controllers: block.Header.Controllers,
		Schema:      block.Schema,
		Family:      block.Family,
		Tags:        block.Tags,
	}
	if len(block.Header.Model) > 0 {
		if modelCID, err := cid.Cast(block.Header.Model); err == nil {
			fields.Model = modelCID.String()
		}
	}

	return fields, nil
}
