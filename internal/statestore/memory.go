package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/shopspring/decimal"
)

type baselineKey struct {
	category string
	bucket   string
}

// MemoryStore keeps state in process memory. Used by offline enrichment and tests.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]models.SeenRecord
	baselines map[baselineKey]models.PriceBaseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]models.SeenRecord),
		baselines: make(map[baselineKey]models.PriceBaseline),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) ClaimSeen(ctx context.Context, id string, now, expiry time.Time, pending bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.seen[id]
	if ok && existing.Expiry.After(now) {
		return false, nil
	}

	record := models.SeenRecord{
		ListingID: id,
		FirstSeen: now,
		LastSeen:  now,
		Expiry:    expiry,
		Pending:   pending,
	}
	if ok {
		record.FirstSeen = existing.FirstSeen
	}
	s.seen[id] = record
	return true, nil
}

func (s *MemoryStore) ConfirmSeen(ctx context.Context, id string, now, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.seen[id]
	if !ok {
		record = models.SeenRecord{ListingID: id, FirstSeen: now}
	}
	record.LastSeen = now
	record.Expiry = expiry
	record.Pending = false
	s.seen[id] = record
	return nil
}

func (s *MemoryStore) ReleaseSeen(ctx context.Context, id string, claimedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.seen[id]; ok && record.Pending && record.LastSeen.Equal(claimedAt) {
		delete(s.seen, id)
	}
	return nil
}

func (s *MemoryStore) GetSeen(ctx context.Context, id string) (*models.SeenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.seen[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemoryStore) DeleteExpiredSeen(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, record := range s.seen {
		if !record.Expiry.After(now) {
			delete(s.seen, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) LoadBaselines(ctx context.Context) ([]models.PriceBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	baselines := make([]models.PriceBaseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		baselines = append(baselines, copyBaseline(b))
	}
	return baselines, nil
}

func (s *MemoryStore) UpdateBaseline(ctx context.Context, category, bucket string, update BaselineUpdate) (models.PriceBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := baselineKey{category, bucket}
	b, ok := s.baselines[k]
	if !ok {
		b = models.PriceBaseline{Category: category, LocationBucket: bucket}
	}
	b = copyBaseline(b)
	update(&b)

	s.baselines[k] = copyBaseline(b)
	return b, nil
}

func (s *MemoryStore) DeleteBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, b := range s.baselines {
		if b.LastUpdated.Before(cutoff) {
			delete(s.baselines, key)
			deleted++
		}
	}
	return deleted, nil
}

func copyBaseline(b models.PriceBaseline) models.PriceBaseline {
	b.Window = append([]decimal.Decimal(nil), b.Window...)
	return b
}
