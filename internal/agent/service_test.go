package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/baseline"
	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/ingest"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/scoring"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSource is a mock implementation of the source interface
type MockSource struct {
	mock.Mock
}

func (m *MockSource) GetName() string {
	return "mock"
}

func (m *MockSource) IsEnabled() bool {
	return true
}

func (m *MockSource) FetchListings(ctx context.Context) ([]models.RawListing, error) {
	args := m.Called(ctx)
	listings, _ := args.Get(0).([]models.RawListing)
	return listings, args.Error(1)
}

// MockStorage is a mock implementation of the storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Store(ctx context.Context, name string, data []byte) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *MockStorage) Retrieve(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorage) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorage) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendReport(ctx context.Context, report *models.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

// recordingBackend answers bulk requests with respond and keeps every record it
// was sent. With hang set it blocks until the request context ends.
type recordingBackend struct {
	mu       sync.Mutex
	calls    int
	received []models.EnrichedRecord
	respond  func(records []models.EnrichedRecord) ([]models.ItemResult, error)
	hang     bool
}

func (b *recordingBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	b.mu.Lock()
	b.calls++
	b.received = append(b.received, records...)
	hang := b.hang
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if b.respond != nil {
		return b.respond(records)
	}
	return acceptAll(records)
}

func (b *recordingBackend) assessment(id string) (models.RiskAssessment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.received {
		if r.Listing.ID == id {
			return r.Assessment, true
		}
	}
	return models.RiskAssessment{}, false
}

func acceptAll(records []models.EnrichedRecord) ([]models.ItemResult, error) {
	results := make([]models.ItemResult, len(records))
	for i, r := range records {
		results[i] = models.ItemResult{ListingID: r.Listing.ID, Class: models.DeliveryAccepted, Status: 201}
	}
	return results, nil
}

// unavailableStore fails every dedup claim as an unreachable store would
type unavailableStore struct {
	*statestore.MemoryStore
}

func (u *unavailableStore) ClaimSeen(ctx context.Context, id string, now, expiry time.Time, pending bool) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", statestore.ErrUnavailable)
}

func testConfig() *config.Config {
	return &config.Config{
		DedupRetention:          24 * time.Hour,
		DedupClaimLease:         30 * time.Minute,
		BaselineWindow:          10,
		BaselineMinSamples:      1,
		BaselineMaxAge:          30 * 24 * time.Hour,
		LocationBucketPrecision: 1,
		BatchSize:               10,
		BatchConcurrency:        1,
		BatchTimeout:            5 * time.Second,
		MaxRetries:              1,
		MaxBatchRetries:         1,
		BackoffBase:             time.Millisecond,
		BackoffMax:              2 * time.Millisecond,
		CycleDeadline:           10 * time.Second,
		ScoringWorkers:          2,
		Rules: &models.RuleSet{
			KeywordRules: []models.KeywordRule{
				{Name: "urgency", Pattern: "urgente", Weight: 20, Scope: models.ScopeBoth},
			},
			KeywordCap:   40,
			PriceAnomaly: models.PriceAnomalyRule{Suspicious: 0.5, Certain: 0.75, MaxContribution: 40},
			Tiers:        models.TierThresholds{Medium: 30, High: 60},
			ExcludeTerms: []string{"casco"},
		},
	}
}

func rawListing(id, title string, price float64) models.RawListing {
	return models.RawListing{
		"id":          id,
		"title":       title,
		"description": "Moto en buen estado, revisiones al dia y ruedas nuevas",
		"price":       price,
		"category_id": "14000",
		"web_slug":    id + "-slug",
		"location":    map[string]interface{}{"city": "Zaragoza"},
	}
}

type fixture struct {
	service  *Service
	source   *MockSource
	store    statestore.Store
	backend  *recordingBackend
	backup   *MockStorage
	notifier *MockNotificationService
}

func newFixture(t *testing.T, store statestore.Store) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, store, testConfig())
}

func newFixtureWithConfig(t *testing.T, store statestore.Store, cfg *config.Config) *fixture {
	t.Helper()
	if store == nil {
		store = statestore.NewMemoryStore()
	}

	f := &fixture{
		source:   &MockSource{},
		store:    store,
		backend:  &recordingBackend{},
		backup:   &MockStorage{},
		notifier: &MockNotificationService{},
	}
	f.notifier.On("SendReport", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("SendAlert", mock.Anything, mock.Anything).Return(nil)
	f.backup.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	service, err := NewService(context.Background(), cfg, Dependencies{
		Sources:  []sources.Source{f.source},
		Store:    f.store,
		Backend:  f.backend,
		Backup:   f.backup,
		Notifier: f.notifier,
	})
	require.NoError(t, err)
	f.service = service
	return f
}

func (f *fixture) feed(listings ...models.RawListing) {
	f.source.ExpectedCalls = nil
	f.source.On("FetchListings", mock.Anything).Return(listings, nil)
}

func outcomeReasons(outcomes []models.RecordOutcome) map[string]string {
	reasons := make(map[string]string)
	for _, o := range outcomes {
		reasons[o.ListingID] = o.Stage
	}
	return reasons
}

func TestRunCycle_CompletedCycle(t *testing.T) {
	f := newFixture(t, nil)

	malformed := rawListing("c", "moto", 0)
	delete(malformed, "price")
	f.feed(
		rawListing("a", "Honda CBR urgente", 300),
		rawListing("b", "Yamaha MT-07", 1000),
		malformed,
		rawListing("d", "Casco integral talla M", 80),
	)

	summary, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.CycleCompleted, summary.Status)
	assert.NotEmpty(t, summary.CycleID)
	assert.Equal(t, 4, summary.Fetched)
	assert.Equal(t, 3, summary.Normalized)
	assert.Equal(t, 1, summary.Excluded)
	assert.Equal(t, 2, summary.Scored)
	assert.Equal(t, 2, summary.Accepted)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, map[string]string{"c": models.StageNormalize, "d": models.StageExclude}, outcomeReasons(summary.Skipped))

	for _, id := range []string{"a", "b"} {
		record, err := f.store.GetSeen(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, record, id)
		assert.False(t, record.Pending, id)
	}

	f.backup.AssertCalled(t, "Store", mock.Anything,
		mock.MatchedBy(func(key string) bool {
			return strings.HasPrefix(key, "enriched/") && strings.HasSuffix(key, summary.CycleID+".ndjson")
		}), mock.Anything)
	f.notifier.AssertNumberOfCalls(t, "SendReport", 1)
	f.notifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)
}

func TestRunCycle_SecondCycleSkipsDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	f.feed(rawListing("a", "Honda CBR", 1000), rawListing("b", "Yamaha MT-07", 1000))

	_, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	summary, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Duplicates)
	assert.Equal(t, 0, summary.Scored)
	assert.Equal(t, 1, f.backend.calls)
	assert.Equal(t, map[string]string{"a": models.StageDedup, "b": models.StageDedup}, outcomeReasons(summary.Skipped))
}

func TestRunCycle_PriceBaselineSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	f.feed(rawListing("base", "Honda CBR", 1000))
	_, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	// both listings are scored against the baseline as of the start of the cycle
	f.feed(rawListing("cheap", "Honda CBR urgente", 250), rawListing("base2", "Honda CBR", 1000))
	summary, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TierCounts[models.TierHigh])

	cheap, ok := f.backend.assessment("cheap")
	require.True(t, ok)
	assert.Equal(t, 60.0, cheap.Score)
	assert.Equal(t, models.TierHigh, cheap.Tier)
	require.NotNil(t, cheap.RelativePriceIndex)
	assert.InDelta(t, 0.25, *cheap.RelativePriceIndex, 1e-9)

	var names []string
	for _, s := range cheap.Signals {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, scoring.PriceAnomalySignal)
}

func TestRunCycle_BackendUnavailableReleasesClaims(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.respond = func(records []models.EnrichedRecord) ([]models.ItemResult, error) {
		return nil, &ingest.BatchError{Status: 503, Retryable: true, Err: errors.New("unavailable")}
	}
	f.feed(rawListing("a", "Honda CBR", 1000), rawListing("b", "Yamaha MT-07", 1000))

	summary, err := f.service.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleAborted)

	assert.Equal(t, models.CycleAborted, summary.Status)
	assert.Contains(t, summary.AbortReason, "storage backend unavailable")
	assert.Len(t, summary.Failed, 2)

	for _, id := range []string{"a", "b"} {
		record, err := f.store.GetSeen(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, record, id)
	}
	f.notifier.AssertNumberOfCalls(t, "SendAlert", 1)

	// the next cycle picks the released listings up again
	f.backend.respond = nil
	summary, err = f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Accepted)
}

func TestRunCycle_DeadlineReleasesClaims(t *testing.T) {
	cfg := testConfig()
	cfg.CycleDeadline = 200 * time.Millisecond
	f := newFixtureWithConfig(t, nil, cfg)
	f.backend.hang = true
	f.feed(rawListing("a", "Honda CBR", 1000), rawListing("b", "Yamaha MT-07", 1000))

	started := time.Now()
	summary, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)

	assert.Equal(t, models.CyclePartial, summary.Status)
	assert.Equal(t, 0, summary.Accepted)
	require.Len(t, summary.Failed, 2)
	for _, failed := range summary.Failed {
		assert.Equal(t, models.StageDelivery, failed.Stage)
		assert.Equal(t, models.DeliveryRetryable, failed.Class)
		assert.Contains(t, failed.Reason, ingest.ErrDeadlineExceeded.Error())
	}

	for _, id := range []string{"a", "b"} {
		record, err := f.store.GetSeen(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, record, id)
	}

	// abandoned listings are not folded into the baselines
	assert.Equal(t, 0, f.service.baselines.Snapshot().Len())

	f.backend.mu.Lock()
	f.backend.hang = false
	f.backend.mu.Unlock()

	summary, err = f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Accepted)
}

func TestRunCycle_BaselinesReloadedEachCycle(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	f := newFixture(t, store)

	f.feed(rawListing("base", "Honda CBR", 1000))
	_, err := f.service.RunCycle(ctx)
	require.NoError(t, err)

	stored, err := store.LoadBaselines(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// another agent sharing the store records prices between cycles
	other := baseline.NewTracker(10, 1, store)
	for i := 0; i < 2; i++ {
		l := models.Listing{
			ID:       fmt.Sprintf("other-%d", i),
			Price:    decimal.NewFromInt(3000),
			Category: stored[0].Category,
			Location: models.Location{Bucket: stored[0].LocationBucket},
		}
		require.NoError(t, other.Observe(ctx, l, time.Now()))
	}

	f.feed(rawListing("cheap", "Honda CBR", 600))
	_, err = f.service.RunCycle(ctx)
	require.NoError(t, err)

	cheap, ok := f.backend.assessment("cheap")
	require.True(t, ok)
	require.NotNil(t, cheap.RelativePriceIndex)
	assert.InDelta(t, 0.2, *cheap.RelativePriceIndex, 1e-9)

	stored, err = store.LoadBaselines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stored[0].SampleCount)
}

func TestRunCycle_TerminalRejectionIsConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.respond = func(records []models.EnrichedRecord) ([]models.ItemResult, error) {
		results, _ := acceptAll(records)
		for i, r := range records {
			if r.Listing.ID == "bad" {
				results[i] = models.ItemResult{ListingID: "bad", Class: models.DeliveryTerminal, Status: 400, Reason: "mapper_parsing_exception"}
			}
		}
		return results, nil
	}
	f.feed(rawListing("good", "Honda CBR", 1000), rawListing("bad", "Yamaha MT-07", 1000))

	summary, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.CyclePartial, summary.Status)
	assert.Equal(t, 1, summary.Accepted)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "bad", summary.Failed[0].ListingID)
	assert.Equal(t, models.DeliveryTerminal, summary.Failed[0].Class)
	assert.Contains(t, summary.Failed[0].Reason, "mapper_parsing_exception")

	record, err := f.store.GetSeen(context.Background(), "bad")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Pending)
}

func TestRunCycle_SourceErrorAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.source.On("FetchListings", mock.Anything).Return(nil, errors.New("status 403"))

	summary, err := f.service.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleAborted)
	assert.Equal(t, models.CycleAborted, summary.Status)
	assert.Contains(t, summary.AbortReason, "source mock")
	assert.Equal(t, 0, f.backend.calls)
	f.notifier.AssertNumberOfCalls(t, "SendAlert", 1)
}

func TestRunCycle_StateStoreUnavailableAborts(t *testing.T) {
	f := newFixture(t, &unavailableStore{statestore.NewMemoryStore()})
	f.feed(rawListing("a", "Honda CBR", 1000))

	summary, err := f.service.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleAborted)
	assert.ErrorIs(t, err, statestore.ErrUnavailable)
	assert.Equal(t, 0, summary.Scored)
	assert.Equal(t, 0, f.backend.calls)
	f.backup.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_SellerCycleListings(t *testing.T) {
	f := newFixture(t, nil)
	f.service.engine = scoring.NewEngine(&models.RuleSet{
		MetadataRules: []models.MetadataRule{
			{Name: "busy_seller", Field: models.FieldSellerCycleListings, Op: models.OpGreaterOrEqual, Value: 2, Weight: 30},
		},
		PriceAnomaly: models.PriceAnomalyRule{Suspicious: 0.5, Certain: 0.75, MaxContribution: 40},
		Tiers:        models.TierThresholds{Medium: 30, High: 60},
	})

	withSeller := func(id, seller string) models.RawListing {
		r := rawListing(id, "Honda CBR", 1000)
		r["user_id"] = seller
		return r
	}
	f.feed(withSeller("a", "s1"), withSeller("b", "s1"), withSeller("c", "s2"))

	_, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	for id, want := range map[string]float64{"a": 30, "b": 30, "c": 0} {
		assessment, ok := f.backend.assessment(id)
		require.True(t, ok, id)
		assert.Equal(t, want, assessment.Score, id)
	}
}

func TestRunCycle_RejectsConcurrentCycle(t *testing.T) {
	f := newFixture(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.source.On("FetchListings", mock.Anything).Run(func(args mock.Arguments) {
		close(entered)
		<-release
	}).Return([]models.RawListing{}, nil).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.service.RunCycle(context.Background())
	}()

	<-entered
	assert.True(t, f.service.IsRunning())
	_, err := f.service.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(release)
	<-done
	assert.False(t, f.service.IsRunning())
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.feed(rawListing("a", "Honda CBR urgente", 1000))

	_, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	var metrics Metrics
	require.NoError(t, json.Unmarshal([]byte(f.service.GetMetrics()), &metrics))
	assert.Equal(t, 1, metrics.CyclesRun)
	assert.Equal(t, 0, metrics.CyclesAborted)
	assert.Equal(t, models.CycleCompleted, metrics.LastStatus)
	assert.Equal(t, 1, metrics.ListingsAccepted)
	assert.Equal(t, 1, metrics.BaselineKeys)
	assert.Equal(t, 1, metrics.TierBreakdown[models.TierLow])
}
