// Package ingest delivers enriched records to the storage backend in batches,
// retrying transient failures and reporting every record that could not be stored.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

var (
	// ErrRejected marks records the backend refused for good (mapping or validation errors)
	ErrRejected = errors.New("record rejected by backend")

	// ErrRetriesExhausted marks records that kept failing transiently past MaxRetries
	ErrRetriesExhausted = errors.New("record retries exhausted")

	// ErrBackendUnavailable marks records abandoned after whole-batch retries ran out
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrDeadlineExceeded marks records still outstanding when the cycle deadline passed
	ErrDeadlineExceeded = errors.New("cycle deadline exceeded")
)

// Backend writes one batch of records. On success it returns exactly one
// ItemResult per record, in the same order. An error means the whole batch failed
// and no per-item verdicts are available.
type Backend interface {
	Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error)
}

// BatchError is a whole-batch failure reported by a Backend
type BatchError struct {
	Status    int // HTTP status, 0 for connection errors
	Retryable bool
	Err       error
}

func (e *BatchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("bulk request failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("bulk request failed: %v", e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// isRetryableBatchError treats unknown errors as transient
func isRetryableBatchError(err error) bool {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr.Retryable
	}
	return true
}
