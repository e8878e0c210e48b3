// Copyright 2026 The Ceramic Anchor Service Authors
//
// Database types for the anchor batch pipeline. These map directly to the
// PostgreSQL schema defined in migrations/001_initial_schema.sql.

package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an anchor Request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestReady      RequestStatus = "READY"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestReplaced   RequestStatus = "REPLACED"
)

// IsTerminal reports whether status can no longer transition.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestReplaced:
		return true
	default:
		return false
	}
}

// Request is a single anchor intake record.
// Maps to: request table.
type Request struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	StreamID    string         `db:"stream_id" json:"streamId"`
	CID         string         `db:"cid" json:"cid"`
	Status      RequestStatus  `db:"status" json:"status"`
	Message     sql.NullString `db:"message" json:"message,omitempty"`
	Pinned      bool           `db:"pinned" json:"pinned"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
	Timestamp   time.Time      `db:"timestamp" json:"timestamp"`
	Origin      sql.NullString `db:"origin" json:"origin,omitempty"`
	SchedulerID sql.NullString `db:"scheduler_id" json:"schedulerId,omitempty"`
}

// Anchor binds a completed Request to its leaf position in a published
// Merkle tree. Maps to: anchor table.
type Anchor struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RequestID uuid.UUID `db:"request_id" json:"requestId"`
	Path      string    `db:"path" json:"path"`
	CID       string    `db:"cid" json:"cid"`
	ProofCID  string    `db:"proof_cid" json:"proofCid"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Metadata caches a stream's resolved genesis fields. Maps to: metadata table.
// The Blob column holds an opaque JSON document; pkg/metadata owns its shape.
type Metadata struct {
	StreamID  string          `db:"stream_id" json:"streamId"`
	Blob      json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
	UsedAt    time.Time       `db:"used_at" json:"usedAt"`
}

// NewUUID generates a new random UUID.
func NewUUID() uuid.UUID {
	return uuid.New()
}

// ParseUUID parses a string into a UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
