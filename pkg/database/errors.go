// Copyright 2026 The Ceramic Anchor Service Authors
//
// Package database provides sentinel errors for repository operations.
// F.4 remediation: explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations.
var (
	// ErrNotFound is returned when a requested entity is not found in the database.
	ErrNotFound = errors.New("entity not found")

	// ErrRequestNotFound is returned when a request is not found.
	ErrRequestNotFound = errors.New("request not found")

	// ErrAnchorNotFound is returned when an anchor record is not found.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrMetadataNotFound is returned when a stream's metadata row is not found.
	ErrMetadataNotFound = errors.New("metadata not found")

	// ErrRequestConflict is returned when createRequest races a concurrent
	// insert for the same (stream_id, cid) pair; the caller should re-read.
	ErrRequestConflict = errors.New("request already exists for stream and cid")

	// ErrMutexUnavailable is returned when the advisory lock could not be
	// acquired within the configured number of attempts.
	ErrMutexUnavailable = errors.New("advisory lock unavailable")

	// ErrSerializationConflict wraps a SQLSTATE 40001 serialization failure
	// surfaced after local retries are exhausted.
	ErrSerializationConflict = errors.New("serialization conflict")
)
