// Copyright 2026 The Ceramic Anchor Service Authors
//
// Request Repository - intake, state transitions, batch selection, expiry
// for anchor requests (spec §4.1, §4.2).

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RequestRepository provides CRUD and lifecycle operations over the
// request table.
type RequestRepository struct {
	client *Client
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(client *Client) *RequestRepository {
	return &RequestRepository{client: client}
}

// CreateRequest is idempotent on (streamId, cid): if a PENDING, READY,
// PROCESSING or COMPLETED request already exists for the pair, it is
// returned unchanged; otherwise a new
// PENDING request is inserted. Grammar validation of streamId/cid is the
// caller's responsibility (pkg/server); this layer only enforces the
// uniqueness invariant.
func (r *RequestRepository) CreateRequest(ctx context.Context, streamID, cid string, timestamp time.Time, origin string) (*Request, error) {
	existing, err := r.findActive(ctx, streamID, cid)
	if err != nil && !errors.Is(err, ErrRequestNotFound) {
		return nil, fmt.Errorf("check existing request: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	req := &Request{
		ID:        uuid.New(),
		StreamID:  streamID,
		CID:       cid,
		Status:    RequestPending,
		Pinned:    false,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Timestamp: timestamp,
		Origin:    nullString(origin),
	}

	query := `
		INSERT INTO request (id, stream_id, cid, status, pinned, created_at, updated_at, timestamp, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stream_id, cid) WHERE status IN ('PENDING','READY','PROCESSING','COMPLETED') DO NOTHING
		RETURNING id`

	var insertedID uuid.UUID
	err = r.client.QueryRowContext(ctx, query,
		req.ID, req.StreamID, req.CID, req.Status, req.Pinned, req.CreatedAt, req.UpdatedAt, req.Timestamp, req.Origin,
	).Scan(&insertedID)

	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent insert for the same pair; read it back.
		existing, findErr := r.findActive(ctx, streamID, cid)
		if findErr != nil {
			return nil, fmt.Errorf("re-read request after conflict: %w", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	return req, nil
}

// findActive returns the PENDING, READY, PROCESSING or COMPLETED request for
// (streamId, cid), if any.
func (r *RequestRepository) findActive(ctx context.Context, streamID, cid string) (*Request, error) {
	query := `
		SELECT id, stream_id, cid, status, message, pinned, created_at, updated_at, timestamp, origin, scheduler_id
		FROM request
		WHERE stream_id = $1 AND cid = $2 AND status IN ('PENDING','READY','PROCESSING','COMPLETED')`

	req := &Request{}
	err := r.client.QueryRowContext(ctx, query, streamID, cid).Scan(
		&req.ID, &req.StreamID, &req.CID, &req.Status, &req.Message, &req.Pinned,
		&req.CreatedAt, &req.UpdatedAt, &req.Timestamp, &req.Origin, &req.SchedulerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return req, nil
}

// GetRequest fetches a request by id. F.4 remediation: return an explicit
// sentinel error instead of nil, nil on a miss.
func (r *RequestRepository) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	query := `
		SELECT id, stream_id, cid, status, message, pinned, created_at, updated_at, timestamp, origin, scheduler_id
		FROM request WHERE id = $1`

	req := &Request{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.StreamID, &req.CID, &req.Status, &req.Message, &req.Pinned,
		&req.CreatedAt, &req.UpdatedAt, &req.Timestamp, &req.Origin, &req.SchedulerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// GetStatusByStreamAndCID implements getStatus(streamId, cid) → RequestStatusView
// by returning the most recent request for the pair, terminal or not.
func (r *RequestRepository) GetStatusByStreamAndCID(ctx context.Context, streamID, cid string) (*Request, error) {
	query := `
		SELECT id, stream_id, cid, status, message, pinned, created_at, updated_at, timestamp, origin, scheduler_id
		FROM request
		WHERE stream_id = $1 AND cid = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	req := &Request{}
	err := r.client.QueryRowContext(ctx, query, streamID, cid).Scan(
		&req.ID, &req.StreamID, &req.CID, &req.Status, &req.Message, &req.Pinned,
		&req.CreatedAt, &req.UpdatedAt, &req.Timestamp, &req.Origin, &req.SchedulerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return req, nil
}

// SelectReadyBatch implements selectReadyBatch(maxSize, minSize, lingerSeconds)
// (spec §4.2). It must be called from inside a transaction opened under the
// advisory lock (the tx passed by WithTransactionMutex, or one opened through
// WithSessionMutex's begin function); tx is required rather than optional so
// callers cannot accidentally run it outside the advisory lock.
func (r *RequestRepository) SelectReadyBatch(ctx context.Context, tx *Tx, maxSize, minSize int, linger time.Duration, schedulerID string) ([]*Request, error) {
	var pendingCount int
	var oldestPending sql.NullTime

	countQuery := `
		SELECT count(*), min(created_at) FILTER (WHERE status = 'PENDING')
		FROM request WHERE status IN ('PENDING','READY')`
	if err := tx.tx.QueryRowContext(ctx, countQuery).Scan(&pendingCount, &oldestPending); err != nil {
		return nil, fmt.Errorf("count pending requests: %w", err)
	}

	if pendingCount == 0 {
		return nil, nil
	}

	ripe := pendingCount >= minSize
	if !ripe && oldestPending.Valid {
		ripe = time.Since(oldestPending.Time) >= linger
	}
	if !ripe {
		return nil, nil
	}

	selectQuery := `
		SELECT id FROM request
		WHERE status IN ('PENDING','READY')
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE`
	rows, err := tx.tx.QueryContext(ctx, selectQuery, maxSize)
	if err != nil {
		return nil, fmt.Errorf("select candidate ids: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateQuery := `
		UPDATE request
		SET status = 'READY', scheduler_id = $1, updated_at = now()
		WHERE id = ANY($2) AND status IN ('PENDING','READY')
		RETURNING id, stream_id, cid, status, message, pinned, created_at, updated_at, timestamp, origin, scheduler_id`
	rows, err = tx.tx.QueryContext(ctx, updateQuery, schedulerID, pq.Array(uuidsToText(ids)))
	if err != nil {
		return nil, fmt.Errorf("mark requests ready: %w", err)
	}
	defer rows.Close()

	var result []*Request
	for rows.Next() {
		req := &Request{}
		if err := rows.Scan(
			&req.ID, &req.StreamID, &req.CID, &req.Status, &req.Message, &req.Pinned,
			&req.CreatedAt, &req.UpdatedAt, &req.Timestamp, &req.Origin, &req.SchedulerID,
		); err != nil {
			return nil, fmt.Errorf("scan ready request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ready requests: %w", err)
	}

	// Tie-break order per spec §4.2: (createdAt ASC, id ASC).
	sortRequestsByCreatedThenID(result)

	return result, nil
}

// MarkProcessing transitions a READY request to PROCESSING; schedulerId
// must already be set by SelectReadyBatch.
func (r *RequestRepository) MarkProcessing(ctx context.Context, tx *Tx, id uuid.UUID) error {
	return r.updateStatus(ctx, tx, id, RequestProcessing, "")
}

// MarkCompleted transitions a request to the terminal COMPLETED state.
func (r *RequestRepository) MarkCompleted(ctx context.Context, tx *Tx, id uuid.UUID, message string) error {
	return r.updateStatus(ctx, tx, id, RequestCompleted, message)
}

// MarkFailed transitions a request to the terminal FAILED state.
func (r *RequestRepository) MarkFailed(ctx context.Context, tx *Tx, id uuid.UUID, reason string) error {
	return r.updateStatus(ctx, tx, id, RequestFailed, reason)
}

// MarkReplaced transitions an earlier same-stream request to the terminal
// REPLACED state (spec §4.3: non-tip requests in a deduplicated group).
func (r *RequestRepository) MarkReplaced(ctx context.Context, tx *Tx, id uuid.UUID, supersededBy string) error {
	return r.updateStatus(ctx, tx, id, RequestReplaced, fmt.Sprintf("replaced by %s", supersededBy))
}

// RevertToPending rolls a request back to PENDING, used when a batch aborts
// after selection (spec §4.7 step 3, permanent blockchain failure).
func (r *RequestRepository) RevertToPending(ctx context.Context, tx *Tx, id uuid.UUID) error {
	query := `UPDATE request SET status = 'PENDING', scheduler_id = NULL, updated_at = now() WHERE id = $1`
	_, err := tx.tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revert request to pending: %w", err)
	}
	return nil
}

func (r *RequestRepository) updateStatus(ctx context.Context, tx *Tx, id uuid.UUID, status RequestStatus, message string) error {
	query := `UPDATE request SET status = $1, message = $2, updated_at = now() WHERE id = $3`
	_, err := tx.tx.ExecContext(ctx, query, status, nullString(message), id)
	if err != nil {
		return fmt.Errorf("update request status to %s: %w", status, err)
	}
	return nil
}

// GetStatusByCID implements getStatus(cid) → RequestStatusView: a CID is a
// content hash, so the most recently created request bearing it identifies
// the request regardless of which stream it targets (spec §6 GET /requests/{cid}).
func (r *RequestRepository) GetStatusByCID(ctx context.Context, cid string) (*Request, error) {
	query := `
		SELECT id, stream_id, cid, status, message, pinned, created_at, updated_at, timestamp, origin, scheduler_id
		FROM request
		WHERE cid = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	req := &Request{}
	err := r.client.QueryRowContext(ctx, query, cid).Scan(
		&req.ID, &req.StreamID, &req.CID, &req.Status, &req.Message, &req.Pinned,
		&req.CreatedAt, &req.UpdatedAt, &req.Timestamp, &req.Origin, &req.SchedulerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status by cid: %w", err)
	}
	return req, nil
}

// ExpireStale marks every PENDING request created before horizon as
// FAILED("expired") so it stops being selected; it does not check whether
// the stream's metadata still resolves. Runs outside the anchor batch
// mutex; each row update is independently idempotent.
func (r *RequestRepository) ExpireStale(ctx context.Context, horizon time.Duration) (int64, error) {
	query := `
		UPDATE request
		SET status = 'FAILED', message = 'expired', updated_at = now()
		WHERE status = 'PENDING' AND created_at < $1`
	res, err := r.client.ExecContext(ctx, query, time.Now().Add(-horizon))
	if err != nil {
		return 0, fmt.Errorf("expire stale requests: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of requests currently in status.
func (r *RequestRepository) CountByStatus(ctx context.Context, status RequestStatus) (int, error) {
	var count int
	err := r.client.QueryRowContext(ctx, `SELECT count(*) FROM request WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests by status: %w", err)
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func sortRequestsByCreatedThenID(reqs []*Request) {
	for i := 1; i < len(reqs); i++ {
		j := i
		for j > 0 && requestLess(reqs[j], reqs[j-1]) {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
			j--
		}
	}
}

func requestLess(a, b *Request) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func uuidsToText(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
