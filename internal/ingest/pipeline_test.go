package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBackend is a mock implementation of Backend
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	args := m.Called(ctx, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ItemResult), args.Error(1)
}

// scriptedBackend answers each record with the class returned by verdict and
// counts how often every id was submitted
type scriptedBackend struct {
	mu          sync.Mutex
	submissions map[string]int
	calls       int
	inFlight    int
	maxInFlight int
	verdict     func(id string, attempt int) models.DeliveryClass
}

func newScriptedBackend(verdict func(id string, attempt int) models.DeliveryClass) *scriptedBackend {
	return &scriptedBackend{submissions: make(map[string]int), verdict: verdict}
}

func (s *scriptedBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	results := make([]models.ItemResult, len(records))
	for i, r := range records {
		id := r.Listing.ID
		s.submissions[id]++
		results[i] = models.ItemResult{ListingID: id, Class: s.verdict(id, s.submissions[id])}
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return results, nil
}

func records(ids ...string) []models.EnrichedRecord {
	out := make([]models.EnrichedRecord, len(ids))
	for i, id := range ids {
		out[i] = models.EnrichedRecord{Listing: models.Listing{ID: id}}
	}
	return out
}

func testPipeline(backend Backend, opts Options) *Pipeline {
	p := NewPipeline(backend, opts)
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func acceptedIDs(result *Result) []string {
	var ids []string
	for _, r := range result.Accepted {
		ids = append(ids, r.Listing.ID)
	}
	return ids
}

func TestDeliver_PartialRetryableFailure(t *testing.T) {
	backend := newScriptedBackend(func(id string, attempt int) models.DeliveryClass {
		if id == "b" || id == "d" {
			return models.DeliveryRetryable
		}
		return models.DeliveryAccepted
	})
	p := testPipeline(backend, Options{BatchSize: 5, Concurrency: 1, MaxRetries: 3})

	result := p.Deliver(context.Background(), records("a", "b", "c", "d", "e"))

	assert.ElementsMatch(t, []string{"a", "c", "e"}, acceptedIDs(result))
	for _, id := range []string{"a", "c", "e"} {
		assert.Equal(t, 1, backend.submissions[id], "accepted record %s is never resubmitted", id)
	}
	for _, id := range []string{"b", "d"} {
		assert.Equal(t, 4, backend.submissions[id], "record %s is submitted 1 + MaxRetries times", id)
	}

	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		assert.ErrorIs(t, f.Err, ErrRetriesExhausted)
		assert.Equal(t, models.DeliveryRetryable, f.Class)
		assert.Equal(t, 4, f.Attempts)
	}
	assert.False(t, result.BackendUnavailable)
}

func TestDeliver_RetryableThenAccepted(t *testing.T) {
	backend := newScriptedBackend(func(id string, attempt int) models.DeliveryClass {
		if id == "b" && attempt < 3 {
			return models.DeliveryRetryable
		}
		return models.DeliveryAccepted
	})
	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3})

	result := p.Deliver(context.Background(), records("a", "b"))

	assert.ElementsMatch(t, []string{"a", "b"}, acceptedIDs(result))
	assert.Empty(t, result.Failed)
	assert.Equal(t, 3, backend.submissions["b"])
	assert.Equal(t, 3, result.Batches)
}

func TestDeliver_TerminalFailureIsNotRetried(t *testing.T) {
	backend := newScriptedBackend(func(id string, attempt int) models.DeliveryClass {
		if id == "c" {
			return models.DeliveryTerminal
		}
		return models.DeliveryAccepted
	})
	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3})

	result := p.Deliver(context.Background(), records("a", "b", "c"))

	assert.Len(t, result.Accepted, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "c", result.Failed[0].Record.Listing.ID)
	assert.Equal(t, models.DeliveryTerminal, result.Failed[0].Class)
	assert.ErrorIs(t, result.Failed[0].Err, ErrRejected)
	assert.Equal(t, 1, backend.submissions["c"])
}

func TestDeliver_BatchRetriesExhausted(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Bulk", mock.Anything, mock.Anything).
		Return(nil, &BatchError{Retryable: true, Err: errors.New("connection refused")})

	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3, MaxBatchRetries: 2})

	result := p.Deliver(context.Background(), records("a", "b", "c"))

	assert.Empty(t, result.Accepted)
	assert.True(t, result.BackendUnavailable)
	require.Len(t, result.Failed, 3)
	for _, f := range result.Failed {
		assert.ErrorIs(t, f.Err, ErrBackendUnavailable)
	}
	backend.AssertNumberOfCalls(t, "Bulk", 3)
}

func TestDeliver_BatchRecoversAfterTransientError(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Bulk", mock.Anything, mock.Anything).
		Return(nil, &BatchError{Status: 503, Retryable: true, Err: errors.New("unavailable")}).Once()
	backend.On("Bulk", mock.Anything, mock.Anything).
		Return([]models.ItemResult{
			{ListingID: "a", Class: models.DeliveryAccepted, Status: 201},
			{ListingID: "b", Class: models.DeliveryAccepted, Status: 201},
		}, nil).Once()

	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3, MaxBatchRetries: 3})

	result := p.Deliver(context.Background(), records("a", "b"))

	assert.ElementsMatch(t, []string{"a", "b"}, acceptedIDs(result))
	assert.Empty(t, result.Failed)
	backend.AssertExpectations(t)
}

func TestDeliver_NonRetryableBatchError(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Bulk", mock.Anything, mock.Anything).
		Return(nil, &BatchError{Status: 401, Retryable: false, Err: errors.New("unauthorized")}).Once()

	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3, MaxBatchRetries: 3})

	result := p.Deliver(context.Background(), records("a", "b"))

	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		assert.Equal(t, models.DeliveryTerminal, f.Class)
		assert.Equal(t, 401, f.Status)
		assert.ErrorIs(t, f.Err, ErrRejected)
	}
	backend.AssertExpectations(t)
}

func TestDeliver_DeadlineAlreadyPassed(t *testing.T) {
	backend := new(MockBackend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 3})
	result := p.Deliver(ctx, records("a", "b"))

	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		assert.ErrorIs(t, f.Err, ErrDeadlineExceeded)
	}
	backend.AssertNotCalled(t, "Bulk", mock.Anything, mock.Anything)
}

type blockingBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, &BatchError{Retryable: true, Err: ctx.Err()}
}

func TestDeliver_BatchTimeoutIsRetryablePerRecord(t *testing.T) {
	backend := &blockingBackend{}
	p := testPipeline(backend, Options{
		BatchSize:       10,
		Concurrency:     1,
		BatchTimeout:    5 * time.Millisecond,
		MaxRetries:      1,
		MaxBatchRetries: 5,
	})

	result := p.Deliver(context.Background(), records("a"))

	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[0].Err, ErrRetriesExhausted)
	assert.Equal(t, 2, result.Failed[0].Attempts)
	assert.Equal(t, 2, backend.calls, "timeouts are not retried as batch errors")
}

func TestDeliver_BatchesAndConcurrencyCap(t *testing.T) {
	backend := newScriptedBackend(func(id string, attempt int) models.DeliveryClass {
		return models.DeliveryAccepted
	})
	p := testPipeline(backend, Options{BatchSize: 3, Concurrency: 2, MaxRetries: 1})

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("id-%02d", i))
	}
	result := p.Deliver(context.Background(), records(ids...))

	assert.Len(t, result.Accepted, 20)
	assert.Equal(t, 7, backend.calls)
	assert.Equal(t, 7, result.Batches)
	assert.LessOrEqual(t, backend.maxInFlight, 2)
}

func TestDeliver_ShortResultIsRetried(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Bulk", mock.Anything, mock.Anything).
		Return([]models.ItemResult{{ListingID: "a", Class: models.DeliveryAccepted}}, nil)

	p := testPipeline(backend, Options{BatchSize: 10, Concurrency: 1, MaxRetries: 0})
	result := p.Deliver(context.Background(), records("a", "b"))

	require.Len(t, result.Failed, 2)
	assert.ErrorIs(t, result.Failed[0].Err, ErrRetriesExhausted)
}

func TestBackoff(t *testing.T) {
	p := NewPipeline(nil, Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second})

	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))
	assert.Equal(t, 5*time.Second, p.backoff(30))
}
