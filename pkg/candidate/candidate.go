// Copyright 2026 The Ceramic Anchor Service Authors
//
// Candidate construction and deduplication (spec §4.3). Groups a selected
// batch by streamId, designates a tip request per stream, resolves genesis
// metadata, and models already-anchored streams as a tagged variant rather
// than a later in-place mutation (spec §9 Design Notes).

package candidate

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/metadata"
)

// Candidate is the in-memory, per-batch aggregate for one stream (spec §3).
type Candidate struct {
	StreamID string
	CID      string
	Fields   *metadata.GenesisFields
	Request  *database.Request

	// AlreadyAnchored marks a candidate whose stream a remote source
	// reports as already anchored at this CID or a descendant of it. Such
	// candidates are excluded from tree construction; pkg/anchorsvc records
	// their request as COMPLETED referencing the pre-existing anchor, or as
	// FAILED when its AnchorAlreadyAnchoredCandidates policy is off.
	AlreadyAnchored bool
	// ExistingProofCID is set only when AlreadyAnchored is true and a
	// prior proof CID is known.
	ExistingProofCID string
}

// ShouldAnchor reports whether c belongs in Merkle tree construction.
func (c *Candidate) ShouldAnchor() bool {
	return !c.AlreadyAnchored
}

// Replaced pairs a non-tip request with the request that superseded it, so
// the caller can transition it to REPLACED.
type Replaced struct {
	Request     *database.Request
	SupersededBy uuid.UUID
}

// Failed pairs a tip request whose group was dropped with the reason.
type Failed struct {
	Request *database.Request
	Reason  string
}

// RemoteAnchorChecker reports whether a stream has already been anchored
// externally, and if so at what proof CID (spec §4.3 step 4, an optional
// remote-state check — the teacher pack has no such collaborator, so this
// defaults to a no-op implementation that always answers false).
type RemoteAnchorChecker interface {
	AlreadyAnchored(ctx context.Context, streamID, cid string) (anchored bool, proofCID string, err error)
}

// NoopRemoteAnchorChecker never reports a stream as already anchored.
type NoopRemoteAnchorChecker struct{}

// AlreadyAnchored implements RemoteAnchorChecker.
func (NoopRemoteAnchorChecker) AlreadyAnchored(ctx context.Context, streamID, cid string) (bool, string, error) {
	return false, "", nil
}

// Resolver resolves genesis metadata during candidate construction. Narrows
// *metadata.Service to what this package needs, for testability.
type Resolver interface {
	Resolve(ctx context.Context, streamID string) (*metadata.GenesisFields, error)
}

// Builder constructs and deduplicates candidates from a selected batch.
type Builder struct {
	resolver Resolver
	remote   RemoteAnchorChecker
	logger   *log.Logger
}

// NewBuilder constructs a Builder. remote may be NoopRemoteAnchorChecker{}
// when no external anchor-state source is configured.
func NewBuilder(resolver Resolver, remote RemoteAnchorChecker) *Builder {
	if remote == nil {
		remote = NoopRemoteAnchorChecker{}
	}
	return &Builder{
		resolver: resolver,
		remote:   remote,
		logger:   log.New(log.Writer(), "[Candidate] ", log.LstdFlags),
	}
}

// Result is the outcome of Build: the surviving, deduplicated candidates
// plus the bookkeeping needed to transition every input request.
type Result struct {
	Candidates []*Candidate
	Replaced   []Replaced
	Failed     []Failed
}

// Build groups requests by streamId, designates each group's tip per
// (createdAt ASC, id ASC), resolves metadata, and runs the optional
// remote-anchor check (spec §4.3).
func (b *Builder) Build(ctx context.Context, requests []*database.Request) (*Result, error) {
	groups := groupByStream(requests)

	result := &Result{}
	for streamID, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].ID.String() < group[j].ID.String()
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		tip := group[len(group)-1]
		for _, earlier := range group[:len(group)-1] {
			result.Replaced = append(result.Replaced, Replaced{Request: earlier, SupersededBy: tip.ID})
		}

		fields, err := b.resolver.Resolve(ctx, streamID)
		if err != nil {
			b.logger.Printf("dropping stream %s: metadata resolution failed: %v", streamID, err)
			result.Failed = append(result.Failed, Failed{Request: tip, Reason: fmt.Sprintf("metadata resolution failed: %v", err)})
			continue
		}

		cand := &Candidate{
			StreamID: streamID,
			CID:      tip.CID,
			Fields:   fields,
			Request:  tip,
		}

		anchored, proofCID, err := b.remote.AlreadyAnchored(ctx, streamID, tip.CID)
		if err != nil {
			b.logger.Printf("remote anchor check failed for stream %s, proceeding as not-yet-anchored: %v", streamID, err)
		} else if anchored {
			cand.AlreadyAnchored = true
			cand.ExistingProofCID = proofCID
		}

		result.Candidates = append(result.Candidates, cand)
	}

	// Deterministic iteration order for callers that log or test against it.
	sort.Slice(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].StreamID < result.Candidates[j].StreamID
	})

	return result, nil
}

func groupByStream(requests []*database.Request) map[string][]*database.Request {
	groups := make(map[string][]*database.Request)
	for _, r := range requests {
		groups[r.StreamID] = append(groups[r.StreamID], r)
	}
	return groups
}
