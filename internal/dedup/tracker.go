// Package dedup suppresses listings that were already processed within the retention window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/sirupsen/logrus"
)

// Tracker decides whether a listing id should be processed. All state lives in
// the store, so several agents sharing a store never double-process an id.
type Tracker struct {
	store     statestore.SeenStore
	retention time.Duration
	lease     time.Duration
}

// NewTracker creates a tracker. retention is how long a processed id is
// suppressed; lease is how long an in-flight claim blocks other cycles.
func NewTracker(store statestore.SeenStore, retention, lease time.Duration) *Tracker {
	return &Tracker{store: store, retention: retention, lease: lease}
}

// ShouldProcess returns true when id has no live record, and records it as seen
// until now+retention in the same atomic step.
func (t *Tracker) ShouldProcess(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := t.store.ClaimSeen(ctx, id, now, now.Add(t.retention), false)
	if err != nil {
		return false, fmt.Errorf("failed to check listing %s: %w", id, err)
	}
	return ok, nil
}

// Claim is ShouldProcess for a cycle that has not finished with the listing yet.
// The record only blocks other cycles for the lease; Confirm or Release settles it.
func (t *Tracker) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := t.store.ClaimSeen(ctx, id, now, now.Add(t.lease), true)
	if err != nil {
		return false, fmt.Errorf("failed to claim listing %s: %w", id, err)
	}
	return ok, nil
}

// Confirm marks id as processed for the full retention window
func (t *Tracker) Confirm(ctx context.Context, id string, now time.Time) error {
	if err := t.store.ConfirmSeen(ctx, id, now, now.Add(t.retention)); err != nil {
		return fmt.Errorf("failed to confirm listing %s: %w", id, err)
	}
	return nil
}

// Release drops the pending claim taken by Claim at claimedAt so the next cycle
// picks the listing up again. A claim that lapsed and was retaken is left alone.
func (t *Tracker) Release(ctx context.Context, id string, claimedAt time.Time) error {
	if err := t.store.ReleaseSeen(ctx, id, claimedAt); err != nil {
		return fmt.Errorf("failed to release listing %s: %w", id, err)
	}
	return nil
}

// Prune removes expired records
func (t *Tracker) Prune(ctx context.Context, now time.Time) (int64, error) {
	deleted, err := t.store.DeleteExpiredSeen(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune seen records: %w", err)
	}
	if deleted > 0 {
		logrus.Debugf("Pruned %d expired seen records", deleted)
	}
	return deleted, nil
}
