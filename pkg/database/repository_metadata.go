// Copyright 2026 The Ceramic Anchor Service Authors
//
// Metadata Repository - cache of resolved stream genesis fields

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MetadataRepository handles the per-stream metadata cache.
type MetadataRepository struct {
	client *Client
}

// NewMetadataRepository creates a new metadata repository.
func NewMetadataRepository(client *Client) *MetadataRepository {
	return &MetadataRepository{client: client}
}

// Get returns the cached metadata blob for a stream, if present.
func (r *MetadataRepository) Get(ctx context.Context, streamID string) (*Metadata, error) {
	query := `SELECT stream_id, metadata, created_at, updated_at, used_at FROM metadata WHERE stream_id = $1`

	meta := &Metadata{}
	err := r.client.QueryRowContext(ctx, query, streamID).Scan(
		&meta.StreamID, &meta.Blob, &meta.CreatedAt, &meta.UpdatedAt, &meta.UsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return meta, nil
}

// Upsert stores the resolved genesis fields for a stream, refreshing usedAt.
// blob is expected to already be a marshaled json.RawMessage produced by
// pkg/metadata; this layer treats it as opaque.
func (r *MetadataRepository) Upsert(ctx context.Context, streamID string, blob json.RawMessage) (*Metadata, error) {
	query := `
		INSERT INTO metadata (stream_id, metadata, created_at, updated_at, used_at)
		VALUES ($1, $2, now(), now(), now())
		ON CONFLICT (stream_id) DO UPDATE
		SET metadata = EXCLUDED.metadata, updated_at = now(), used_at = now()
		RETURNING stream_id, metadata, created_at, updated_at, used_at`

	meta := &Metadata{}
	err := r.client.QueryRowContext(ctx, query, streamID, blob).Scan(
		&meta.StreamID, &meta.Blob, &meta.CreatedAt, &meta.UpdatedAt, &meta.UsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert metadata: %w", err)
	}
	return meta, nil
}

// TouchUsedAt bumps usedAt so the retention sweep treats the stream as
// recently referenced; called every time a request against the stream is
// accepted into a batch (spec: metadata usedAt advances alongside anchored
// requests).
func (r *MetadataRepository) TouchUsedAt(ctx context.Context, tx *Tx, streamID string) error {
	_, err := tx.tx.ExecContext(ctx, `UPDATE metadata SET used_at = now() WHERE stream_id = $1`, streamID)
	if err != nil {
		return fmt.Errorf("touch metadata used_at: %w", err)
	}
	return nil
}

// EvictStale deletes metadata rows whose usedAt is older than horizon,
// implementing the eviction sweep described in spec §4.4.
func (r *MetadataRepository) EvictStale(ctx context.Context, horizon time.Duration) (int64, error) {
	res, err := r.client.ExecContext(ctx, `DELETE FROM metadata WHERE used_at < $1`, time.Now().Add(-horizon))
	if err != nil {
		return 0, fmt.Errorf("evict stale metadata: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of cached metadata rows.
func (r *MetadataRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.client.QueryRowContext(ctx, `SELECT count(*) FROM metadata`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count metadata: %w", err)
	}
	return count, nil
}
