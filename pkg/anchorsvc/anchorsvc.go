// Copyright 2026 The Ceramic Anchor Service Authors
//
// Package anchorsvc implements the top-level anchor() batch procedure
// (spec §4.7): select a ready batch under the advisory mutex, dedupe and
// resolve it into candidates, build a depth-bounded Merkle tree over the
// anchorable ones, submit the root to the configured blockchain, persist
// the outcome in a second transaction, then write per-stream CAR witnesses.

package anchorsvc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/cas/pkg/blockchain"
	"github.com/ceramicnetwork/cas/pkg/blockstore"
	"github.com/ceramicnetwork/cas/pkg/candidate"
	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/merkle"
	"github.com/ceramicnetwork/cas/pkg/witness"
)

// BatchObserver is notified of batch lifecycle events. The pipeline itself
// has no need of these callbacks; they exist so pkg/metrics can surface
// batch activity without anchorsvc importing it.
type BatchObserver interface {
	OnBatchEmpty()
	OnBatchSelected(size int)
	OnBatchAnchored(rootCID string, anchored int)
	OnBatchAborted(reason string)
}

// NoopBatchObserver implements BatchObserver with no-ops, the default when
// no observer is wired.
type NoopBatchObserver struct{}

func (NoopBatchObserver) OnBatchEmpty()                       {}
func (NoopBatchObserver) OnBatchSelected(int)                 {}
func (NoopBatchObserver) OnBatchAnchored(string, int)         {}
func (NoopBatchObserver) OnBatchAborted(string)               {}

// Config collects the tunables RunOnce needs beyond its collaborators.
type Config struct {
	SchedulerID      string
	BatchMinSize     int
	BatchMaxSize     int
	BatchLinger      time.Duration
	MerkleDepthLimit int

	MutexMaxAttempts int
	MutexDelay       time.Duration

	SubmitRetries int
	SubmitBackoff time.Duration

	// AnchorAlreadyAnchoredCandidates controls the policy for a candidate a
	// RemoteAnchorChecker reports as already anchored (spec §9 Open
	// Question, decided in DESIGN.md): when true its request is completed,
	// with an anchor row referencing the pre-existing proof when one is
	// known; when false it is failed instead.
	AnchorAlreadyAnchoredCandidates bool
}

// Service runs the anchor() batch procedure.
type Service struct {
	cfg Config

	db        *database.Client
	requests  *database.RequestRepository
	anchors   *database.AnchorRepository
	metadata  *database.MetadataRepository
	builder   *candidate.Builder
	submitter blockchain.Submitter
	store     blockstore.Store
	observer  BatchObserver

	logger *log.Logger
}

// NewService constructs a Service. observer may be nil, defaulting to
// NoopBatchObserver.
func NewService(
	cfg Config,
	db *database.Client,
	requests *database.RequestRepository,
	anchors *database.AnchorRepository,
	metadataRepo *database.MetadataRepository,
	builder *candidate.Builder,
	submitter blockchain.Submitter,
	store blockstore.Store,
	observer BatchObserver,
) *Service {
	if observer == nil {
		observer = NoopBatchObserver{}
	}
	return &Service{
		cfg:       cfg,
		db:        db,
		requests:  requests,
		anchors:   anchors,
		metadata:  metadataRepo,
		builder:   builder,
		submitter: submitter,
		store:     store,
		observer:  observer,
		logger:    log.New(log.Writer(), "[AnchorService] ", log.LstdFlags),
	}
}

// batchMeta is the tree-wide metadata attached to the Merkle root merge.
type batchMeta struct {
	BatchSize   int    `cbor:"batchSize"`
	SchedulerID string `cbor:"schedulerId"`
}

// leafCommit is the DAG-CBOR block addressed by a candidate's own commit
// CID: the minimal facts needed to recover which stream and commit a leaf
// represents without re-reading the request table.
type leafCommit struct {
	StreamID    string   `cbor:"streamId"`
	CID         string   `cbor:"cid"`
	Controllers []string `cbor:"controllers,omitempty"`
	Model       string   `cbor:"model,omitempty"`
	Schema      string   `cbor:"schema,omitempty"`
	Family      string   `cbor:"family,omitempty"`
}

// internalNode is the DAG-CBOR block addressed by every non-leaf Merkle
// node: its two children's CIDs, plus batch metadata at the root.
type internalNode struct {
	Left        cid.Cid  `cbor:"left"`
	Right       *cid.Cid `cbor:"right,omitempty"`
	BatchSize   int      `cbor:"batchSize,omitempty"`
	SchedulerID string   `cbor:"schedulerId,omitempty"`
}

// blockBuilder accumulates every IPLD block produced while building a tree,
// so the blocks can later be written into per-stream CARs. It implements
// both merkle.LeafValueFunc and merkle.MergeFunc as methods, closing over
// the accumulated block set instead of threading it through the factory.
type blockBuilder struct {
	blocks     map[cid.Cid][]byte
	commitCIDs map[*candidate.Candidate]cid.Cid
	err        error
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{
		blocks:     make(map[cid.Cid][]byte),
		commitCIDs: make(map[*candidate.Candidate]cid.Cid),
	}
}

func (bb *blockBuilder) leafValue(c *candidate.Candidate) cid.Cid {
	block := leafCommit{StreamID: c.StreamID, CID: c.CID}
	if c.Fields != nil {
		block.Controllers = c.Fields.Controllers
		block.Model = c.Fields.Model
		block.Schema = c.Fields.Schema
		block.Family = c.Fields.Family
	}

	blockCID, data, err := witness.EncodeDAGCBORBlock(block)
	if err != nil {
		if bb.err == nil {
			bb.err = fmt.Errorf("encode leaf commit for stream %s: %w", c.StreamID, err)
		}
		return cid.Undef
	}
	bb.blocks[blockCID] = data
	bb.commitCIDs[c] = blockCID
	return blockCID
}

func (bb *blockBuilder) merge(left cid.Cid, right *cid.Cid, meta any) (cid.Cid, error) {
	node := internalNode{Left: left, Right: right}
	if m, ok := meta.(*batchMeta); ok && m != nil {
		node.BatchSize = m.BatchSize
		node.SchedulerID = m.SchedulerID
	}

	blockCID, data, err := witness.EncodeDAGCBORBlock(node)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode internal merkle node: %w", err)
	}
	bb.blocks[blockCID] = data
	return blockCID, nil
}

// RunOnce executes a single anchor() cycle. It returns nil both when there
// was no ripe batch to select and after a successful anchor; it returns an
// error on abort (blockchain failure, depth exceeded) or a partial CAR-write
// failure (the batch itself is still committed in that case).
func (s *Service) RunOnce(ctx context.Context) error {
	var (
		tree        *merkle.Tree[cid.Cid, *candidate.Candidate]
		rootCID     cid.Cid
		anchorable  []*candidate.Candidate
		anchoredAlr []*candidate.Candidate
		result      *candidate.Result
		bb          *blockBuilder
	)

	err := s.db.WithSessionMutex(ctx, s.cfg.MutexMaxAttempts, s.cfg.MutexDelay, func(begin func(context.Context) (*database.Tx, error)) error {
		// Step 1 (spec §4.7.1): select the ready batch inside its own
		// serializable transaction, advancing it to READY.
		selectionTx, err := begin(ctx)
		if err != nil {
			return err
		}
		batch, err := s.requests.SelectReadyBatch(ctx, selectionTx, s.cfg.BatchMaxSize, s.cfg.BatchMinSize, s.cfg.BatchLinger, s.cfg.SchedulerID)
		if err != nil {
			selectionTx.Rollback()
			return fmt.Errorf("select ready batch: %w", err)
		}
		if err := selectionTx.Commit(); err != nil {
			return fmt.Errorf("commit batch selection: %w", err)
		}
		if len(batch) == 0 {
			s.observer.OnBatchEmpty()
			return nil
		}
		s.observer.OnBatchSelected(len(batch))

		// Step 2 (spec §4.7.2): outside any transaction but still under the
		// mutex, dedupe the batch and resolve genesis metadata per stream.
		result, err = s.builder.Build(ctx, batch)
		if err != nil {
			return s.abortBatch(ctx, begin, batch, fmt.Errorf("build candidates: %w", err))
		}

		for _, c := range result.Candidates {
			if c.ShouldAnchor() {
				anchorable = append(anchorable, c)
			} else {
				anchoredAlr = append(anchoredAlr, c)
			}
		}

		if len(anchorable) > 0 {
			bb = newBlockBuilder()
			factory := &merkle.Factory[cid.Cid, *candidate.Candidate]{
				LeafValue: bb.leafValue,
				Merge:     bb.merge,
				Compare: func(a, b *candidate.Candidate) int {
					return strings.Compare(a.StreamID, b.StreamID)
				},
				Metadata: func(leaves []*candidate.Candidate) any {
					return &batchMeta{BatchSize: len(leaves), SchedulerID: s.cfg.SchedulerID}
				},
				DepthLimit: s.cfg.MerkleDepthLimit,
			}

			tree, err = factory.Build(anchorable)
			if err != nil {
				return s.abortBatch(ctx, begin, batch, fmt.Errorf("build merkle tree: %w", err))
			}
			if bb.err != nil {
				return s.abortBatch(ctx, begin, batch, bb.err)
			}
			rootCID = tree.Root.Value

			// Step 3 (spec §4.7.3): submit the root to the blockchain.
			// Transient errors are retried internally; a fatal error aborts
			// the whole batch back to PENDING.
			receipt, err := blockchain.SubmitWithRetry(ctx, s.submitter, rootCID.String(), s.cfg.SubmitRetries, s.cfg.SubmitBackoff)
			if err != nil {
				return s.abortBatch(ctx, begin, batch, fmt.Errorf("submit anchor root: %w", err))
			}
			s.logger.Printf("submitted root %s in tx %s (chain %d, block %d)", rootCID, receipt.TxHash, receipt.ChainID, receipt.BlockNumber)
		}

		// Step 4 (spec §4.7.4): persist the outcome in a second serializable
		// transaction — anchors for every anchorable candidate, completion
		// or failure for already-anchored ones, and the bookkeeping
		// transitions (replaced, failed) for the rest of the batch.
		persistTx, err := begin(ctx)
		if err != nil {
			return err
		}

		if err := s.persistAnchored(ctx, persistTx, tree, bb, anchorable, rootCID); err != nil {
			persistTx.Rollback()
			return fmt.Errorf("persist anchors: %w", err)
		}
		if err := s.persistAlreadyAnchored(ctx, persistTx, anchoredAlr); err != nil {
			persistTx.Rollback()
			return fmt.Errorf("persist already-anchored candidates: %w", err)
		}
		for _, rep := range result.Replaced {
			if err := s.requests.MarkReplaced(ctx, persistTx, rep.Request.ID, rep.SupersededBy.String()); err != nil {
				persistTx.Rollback()
				return fmt.Errorf("mark replaced request %s: %w", rep.Request.ID, err)
			}
		}
		for _, f := range result.Failed {
			if err := s.requests.MarkFailed(ctx, persistTx, f.Request.ID, f.Reason); err != nil {
				persistTx.Rollback()
				return fmt.Errorf("mark failed request %s: %w", f.Request.ID, err)
			}
		}

		if err := persistTx.Commit(); err != nil {
			return fmt.Errorf("commit anchor persistence: %w", err)
		}

		if len(anchorable) > 0 {
			s.observer.OnBatchAnchored(rootCID.String(), len(anchorable))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(anchorable) == 0 {
		return nil
	}

	// Step 5 (spec §4.7.5): write each anchored stream's CAR witness,
	// post-commit. Writes are content-addressed and safe to repeat, but a
	// failure here is only logged and aggregated into the returned error:
	// committed work is not rolled back and the write is not retried.
	return s.writeWitnessCARs(ctx, tree, bb, anchorable)
}

// abortBatch reverts every request in batch to PENDING in its own
// transaction and notifies the observer, then returns the original cause
// wrapped for the caller.
func (s *Service) abortBatch(ctx context.Context, begin func(context.Context) (*database.Tx, error), batch []*database.Request, cause error) error {
	tx, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("begin abort transaction after %v: %w", cause, err)
	}
	for _, r := range batch {
		if err := s.requests.RevertToPending(ctx, tx, r.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("revert request %s to pending after %v: %w", r.ID, cause, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit abort after %v: %w", cause, err)
	}
	s.observer.OnBatchAborted(cause.Error())
	return cause
}

func (s *Service) persistAnchored(ctx context.Context, tx *database.Tx, tree *merkle.Tree[cid.Cid, *candidate.Candidate], bb *blockBuilder, anchorable []*candidate.Candidate, rootCID cid.Cid) error {
	if len(anchorable) == 0 {
		return nil
	}

	for _, node := range tree.Order {
		cand := *node.Leaf
		path, err := merkle.PathLine[cid.Cid, *candidate.Candidate](node)
		if err != nil {
			return fmt.Errorf("compute pathLine for stream %s: %w", cand.StreamID, err)
		}
		commitCID, ok := bb.commitCIDs[cand]
		if !ok {
			return fmt.Errorf("missing commit cid for stream %s", cand.StreamID)
		}
		// anchor.cid names the per-stream anchor-commit CID (the witness
		// CAR's root, stored in the blockstore under the same key), not the
		// original request CID — spec §6's persisted schema and §4.6's CAR
		// root are the same value.
		if _, err := s.anchors.CreateAnchor(ctx, tx, cand.Request.ID, path, commitCID.String(), rootCID.String()); err != nil {
			return fmt.Errorf("create anchor for stream %s: %w", cand.StreamID, err)
		}
		if err := s.requests.MarkCompleted(ctx, tx, cand.Request.ID, fmt.Sprintf("anchored at %s", path)); err != nil {
			return fmt.Errorf("mark completed for stream %s: %w", cand.StreamID, err)
		}
		if err := s.metadata.TouchUsedAt(ctx, tx, cand.StreamID); err != nil {
			return fmt.Errorf("touch metadata for stream %s: %w", cand.StreamID, err)
		}
	}
	return nil
}

// alreadyAnchoredPath is stored in anchor.path for a request satisfied by a
// prior batch's anchor rather than this batch's tree. It deliberately does
// not satisfy the PathLine grammar (spec §3/§4.6) — there is no path to
// walk, since the row references an anchor this batch never built.
const alreadyAnchoredPath = "already-anchored"

func (s *Service) persistAlreadyAnchored(ctx context.Context, tx *database.Tx, candidates []*candidate.Candidate) error {
	for _, cand := range candidates {
		if s.cfg.AnchorAlreadyAnchoredCandidates {
			message := "already anchored"
			if cand.ExistingProofCID != "" {
				if _, err := s.anchors.CreateAnchor(ctx, tx, cand.Request.ID, alreadyAnchoredPath, cand.CID, cand.ExistingProofCID); err != nil {
					return fmt.Errorf("create anchor referencing existing proof for stream %s: %w", cand.StreamID, err)
				}
			} else {
				message = "completed without anchor: remote proof unavailable"
			}
			if err := s.requests.MarkCompleted(ctx, tx, cand.Request.ID, message); err != nil {
				return fmt.Errorf("mark already-anchored request completed for stream %s: %w", cand.StreamID, err)
			}
		} else {
			if err := s.requests.MarkFailed(ctx, tx, cand.Request.ID, "stream already anchored"); err != nil {
				return fmt.Errorf("mark already-anchored request failed for stream %s: %w", cand.StreamID, err)
			}
		}
		if err := s.metadata.TouchUsedAt(ctx, tx, cand.StreamID); err != nil {
			return fmt.Errorf("touch metadata for stream %s: %w", cand.StreamID, err)
		}
	}
	return nil
}

func (s *Service) writeWitnessCARs(ctx context.Context, tree *merkle.Tree[cid.Cid, *candidate.Candidate], bb *blockBuilder, anchorable []*candidate.Candidate) error {
	var writeErrs []error

	for _, node := range tree.Order {
		cand := *node.Leaf
		commitCID, ok := bb.commitCIDs[cand]
		if !ok {
			writeErrs = append(writeErrs, fmt.Errorf("missing commit cid for stream %s", cand.StreamID))
			continue
		}

		w, err := witness.BuildWitness[*candidate.Candidate](cand.StreamID, node, tree, commitCID)
		if err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("build witness for stream %s: %w", cand.StreamID, err))
			continue
		}

		commitBlock, ok := bb.blocks[commitCID]
		if !ok {
			writeErrs = append(writeErrs, fmt.Errorf("missing commit block for stream %s", cand.StreamID))
			continue
		}

		siblingBlocks := make(map[cid.Cid][]byte, len(w.Siblings))
		for _, sib := range w.Siblings {
			data, ok := bb.blocks[sib]
			if !ok {
				writeErrs = append(writeErrs, fmt.Errorf("missing sibling block %s for stream %s", sib, cand.StreamID))
				continue
			}
			siblingBlocks[sib] = data
		}

		if err := witness.WriteStreamCAR(ctx, s.store, w, commitBlock, siblingBlocks); err != nil {
			s.logger.Printf("write car for stream %s failed: %v", cand.StreamID, err)
			writeErrs = append(writeErrs, fmt.Errorf("write car for stream %s: %w", cand.StreamID, err))
		}
	}

	if len(writeErrs) > 0 {
		return fmt.Errorf("%d of %d witness cars failed to write: %w", len(writeErrs), len(anchorable), errors.Join(writeErrs...))
	}
	return nil
}
