// Copyright 2026 The Ceramic Anchor Service Authors
//
// Anchor Repository - CRUD operations for published anchor records

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AnchorRepository handles anchor record operations.
type AnchorRepository struct {
	client *Client
}

// NewAnchorRepository creates a new anchor repository.
func NewAnchorRepository(client *Client) *AnchorRepository {
	return &AnchorRepository{client: client}
}

// CreateAnchor inserts the anchor row for a request. Per spec, an Anchor row
// exists iff its Request row is COMPLETED, so this must be called in the same
// transaction as RequestRepository.MarkCompleted.
func (r *AnchorRepository) CreateAnchor(ctx context.Context, tx *Tx, requestID uuid.UUID, path, cid, proofCID string) (*Anchor, error) {
	anchor := &Anchor{
		ID:        uuid.New(),
		RequestID: requestID,
		Path:      path,
		CID:       cid,
		ProofCID:  proofCID,
	}

	query := `
		INSERT INTO anchor (id, request_id, path, cid, proof_cid, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at`

	err := tx.tx.QueryRowContext(ctx, query, anchor.ID, anchor.RequestID, anchor.Path, anchor.CID, anchor.ProofCID).
		Scan(&anchor.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create anchor: %w", err)
	}

	return anchor, nil
}

// GetAnchor retrieves an anchor by its id.
func (r *AnchorRepository) GetAnchor(ctx context.Context, id uuid.UUID) (*Anchor, error) {
	query := `SELECT id, request_id, path, cid, proof_cid, created_at FROM anchor WHERE id = $1`

	anchor := &Anchor{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&anchor.ID, &anchor.RequestID, &anchor.Path, &anchor.CID, &anchor.ProofCID, &anchor.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor: %w", err)
	}
	return anchor, nil
}

// GetAnchorByRequestID retrieves the anchor for a given request, if one
// exists (the request must have reached COMPLETED).
func (r *AnchorRepository) GetAnchorByRequestID(ctx context.Context, requestID uuid.UUID) (*Anchor, error) {
	query := `SELECT id, request_id, path, cid, proof_cid, created_at FROM anchor WHERE request_id = $1`

	anchor := &Anchor{}
	err := r.client.QueryRowContext(ctx, query, requestID).Scan(
		&anchor.ID, &anchor.RequestID, &anchor.Path, &anchor.CID, &anchor.ProofCID, &anchor.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor by request id: %w", err)
	}
	return anchor, nil
}

// GetAnchorsByProofCID returns every anchor sharing a proof CID, i.e. every
// leaf of the same published Merkle tree witness.
func (r *AnchorRepository) GetAnchorsByProofCID(ctx context.Context, proofCID string) ([]*Anchor, error) {
	query := `
		SELECT id, request_id, path, cid, proof_cid, created_at
		FROM anchor
		WHERE proof_cid = $1
		ORDER BY path ASC`

	rows, err := r.client.QueryContext(ctx, query, proofCID)
	if err != nil {
		return nil, fmt.Errorf("query anchors by proof cid: %w", err)
	}
	defer rows.Close()

	var anchors []*Anchor
	for rows.Next() {
		anchor := &Anchor{}
		if err := rows.Scan(&anchor.ID, &anchor.RequestID, &anchor.Path, &anchor.CID, &anchor.ProofCID, &anchor.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		anchors = append(anchors, anchor)
	}
	return anchors, rows.Err()
}

// CountAnchors returns the total number of published anchors.
func (r *AnchorRepository) CountAnchors(ctx context.Context) (int64, error) {
	var count int64
	err := r.client.QueryRowContext(ctx, `SELECT count(*) FROM anchor`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count anchors: %w", err)
	}
	return count, nil
}
