// Package statestore persists dedup and price baseline state across cycles.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

// ErrUnavailable is wrapped by every error caused by the backing store being unreachable.
// A cycle that sees it aborts without emitting anything.
var ErrUnavailable = errors.New("state store unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// SeenStore holds dedup records keyed by listing id
type SeenStore interface {
	// ClaimSeen writes a record for id only when none exists or the existing one
	// expired at or before now. It reports whether the write happened. The
	// check and the write are a single atomic operation.
	ClaimSeen(ctx context.Context, id string, now, expiry time.Time, pending bool) (bool, error)

	// ConfirmSeen marks a claimed record as final and moves its expiry
	ConfirmSeen(ctx context.Context, id string, now, expiry time.Time) error

	// ReleaseSeen removes a record that is still pending under the claim taken
	// at claimedAt. A claim another cycle took over after the lease is left alone.
	ReleaseSeen(ctx context.Context, id string, claimedAt time.Time) error

	// GetSeen returns nil when there is no record
	GetSeen(ctx context.Context, id string) (*models.SeenRecord, error)

	DeleteExpiredSeen(ctx context.Context, now time.Time) (int64, error)
}

// BaselineUpdate mutates a baseline in place. It receives a zero baseline with
// Category and LocationBucket set when the key has no row yet.
type BaselineUpdate func(b *models.PriceBaseline)

// BaselineStore holds price baselines keyed by (category, location bucket)
type BaselineStore interface {
	LoadBaselines(ctx context.Context) ([]models.PriceBaseline, error)

	// UpdateBaseline reads the stored row, applies update and writes it back as
	// one serialized step, so agents sharing the store never lose each other's
	// observations. It returns the baseline as written.
	UpdateBaseline(ctx context.Context, category, bucket string, update BaselineUpdate) (models.PriceBaseline, error)
	DeleteBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full state store
type Store interface {
	SeenStore
	BaselineStore
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open creates the store selected by driver ("sqlite", "postgres" or "memory")
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		store, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state store driver %q", driver)
	}
}
