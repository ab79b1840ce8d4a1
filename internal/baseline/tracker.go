// Package baseline maintains rolling median prices per (category, location bucket).
package baseline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Lookup resolves the baseline for a key. ok is false when the key has too
// few observations to be trusted.
type Lookup interface {
	Lookup(category, bucket string) (models.PriceBaseline, bool)
}

type key struct {
	category string
	bucket   string
}

// Tracker owns all baseline state. Observe calls are serialized; scoring reads
// a Snapshot taken before any of the cycle's observations are applied.
type Tracker struct {
	mu         sync.Mutex
	window     int
	minSamples int
	baselines  map[key]*models.PriceBaseline
	store      statestore.BaselineStore
}

var (
	_ Lookup = (*Tracker)(nil)
	_ Lookup = (*Snapshot)(nil)
)

// NewTracker creates a tracker keeping the most recent window prices per key.
// store may be nil for a purely in-memory tracker.
func NewTracker(window, minSamples int, store statestore.BaselineStore) *Tracker {
	if window < 1 {
		window = 1
	}
	return &Tracker{
		window:     window,
		minSamples: minSamples,
		baselines:  make(map[key]*models.PriceBaseline),
		store:      store,
	}
}

// Load replaces in-memory state with what the store holds. Call it before
// Snapshot to pick up observations made by other agents sharing the store.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	loaded, err := t.store.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("failed to load baselines: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.baselines = make(map[key]*models.PriceBaseline, len(loaded))
	for i := range loaded {
		b := loaded[i]
		if len(b.Window) > t.window {
			b.Window = b.Window[len(b.Window)-t.window:]
			b.Median = median(b.Window)
		}
		t.baselines[key{b.Category, b.LocationBucket}] = &b
	}

	logrus.Debugf("Loaded %d price baselines", len(loaded))
	return nil
}

// Observe folds the listing's price into its key's window. With a store the
// read-modify-write happens inside the store, so observations from other agents
// sharing it are kept. Zero prices are ignored; they are placeholders rather
// than market prices.
func (t *Tracker) Observe(ctx context.Context, listing models.Listing, now time.Time) error {
	if !listing.Price.IsPositive() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{listing.Category, listing.Location.Bucket}
	apply := func(b *models.PriceBaseline) {
		b.Window = append(b.Window, listing.Price)
		if len(b.Window) > t.window {
			b.Window = append([]decimal.Decimal(nil), b.Window[len(b.Window)-t.window:]...)
		}
		b.SampleCount++
		b.Median = median(b.Window)
		b.LastUpdated = now
	}

	if t.store == nil {
		b, ok := t.baselines[k]
		if !ok {
			b = &models.PriceBaseline{Category: k.category, LocationBucket: k.bucket}
			t.baselines[k] = b
		}
		apply(b)
		return nil
	}

	updated, err := t.store.UpdateBaseline(ctx, k.category, k.bucket, apply)
	if err != nil {
		return fmt.Errorf("failed to save baseline %s/%s: %w", k.category, k.bucket, err)
	}
	t.baselines[k] = &updated
	return nil
}

// Lookup returns a copy of the current baseline; ok is false below minSamples observations
func (t *Tracker) Lookup(category, bucket string) (models.PriceBaseline, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return lookup(t.baselines, t.minSamples, category, bucket)
}

// Snapshot is a frozen, read-only view of all baselines
type Snapshot struct {
	minSamples int
	baselines  map[key]*models.PriceBaseline
}

// Snapshot copies the current state. Later observations do not affect it.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	frozen := make(map[key]*models.PriceBaseline, len(t.baselines))
	for k, b := range t.baselines {
		c := clone(b)
		frozen[k] = &c
	}
	return &Snapshot{minSamples: t.minSamples, baselines: frozen}
}

func (s *Snapshot) Lookup(category, bucket string) (models.PriceBaseline, bool) {
	return lookup(s.baselines, s.minSamples, category, bucket)
}

// Len returns the number of keys in the snapshot, trusted or not
func (s *Snapshot) Len() int {
	return len(s.baselines)
}

// Evict drops keys not observed within maxAge of now, in memory and in the store
func (t *Tracker) Evict(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge)

	t.mu.Lock()
	evicted := 0
	for k, b := range t.baselines {
		if b.LastUpdated.Before(cutoff) {
			delete(t.baselines, k)
			evicted++
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		if _, err := t.store.DeleteBaselinesBefore(ctx, cutoff); err != nil {
			return evicted, fmt.Errorf("failed to evict stored baselines: %w", err)
		}
	}

	if evicted > 0 {
		logrus.Infof("Evicted %d price baselines not updated since %s", evicted, cutoff.Format(time.RFC3339))
	}
	return evicted, nil
}

func lookup(baselines map[key]*models.PriceBaseline, minSamples int, category, bucket string) (models.PriceBaseline, bool) {
	b, ok := baselines[key{category, bucket}]
	if !ok || b.SampleCount < minSamples || !b.Median.IsPositive() {
		return models.PriceBaseline{}, false
	}
	return clone(b), true
}

func clone(b *models.PriceBaseline) models.PriceBaseline {
	c := *b
	c.Window = append([]decimal.Decimal(nil), b.Window...)
	return c
}

func median(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}

	sorted := append([]decimal.Decimal(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
