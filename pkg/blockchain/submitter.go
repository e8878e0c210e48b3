// Copyright 2026 The Ceramic Anchor Service Authors
//
// Blockchain submission client (spec §4.7, §6, §7): a single sendTransaction
// capability publishing a batch's Merkle root. The anchor builder treats
// failures as either transient (retried with backoff) or fatal (the batch
// is aborted and its requests revert to PENDING).

package blockchain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient marks a submission failure the caller should retry.
var ErrTransient = errors.New("blockchain: transient submission failure")

// ErrFatal marks a submission failure that should abort the batch.
var ErrFatal = errors.New("blockchain: fatal submission failure")

// Receipt is the result of a successful root submission.
type Receipt struct {
	TxHash         string
	ChainID        int64
	BlockNumber    uint64
	BlockTimestamp time.Time
}

// Submitter publishes a Merkle root to a blockchain (spec §6: sendTransaction(rootCid)).
type Submitter interface {
	SendTransaction(ctx context.Context, rootCID string) (*Receipt, error)
}

// SubmitWithRetry calls submitter.SendTransaction, retrying errors wrapping
// ErrTransient up to maxRetries times with linear backoff (spec §4.7 step 3).
// An error wrapping ErrFatal (or any error the submitter doesn't classify)
// stops retrying immediately.
func SubmitWithRetry(ctx context.Context, submitter Submitter, rootCID string, maxRetries int, backoff time.Duration) (*Receipt, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		receipt, err := submitter.SendTransaction(ctx, rootCID)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, fmt.Errorf("%w: %v", ErrFatal, err)
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
	return nil, fmt.Errorf("%w: exhausted %d retries: %v", ErrFatal, maxRetries, lastErr)
}
