// Package agent runs poll cycles: fetch, normalize, dedup, score, deliver, report.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/baseline"
	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/dedup"
	"github.com/740540/Trabajo-Wallapop/internal/ingest"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/normalize"
	"github.com/740540/Trabajo-Wallapop/internal/notifications"
	"github.com/740540/Trabajo-Wallapop/internal/scoring"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/740540/Trabajo-Wallapop/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCycleAborted is returned by RunCycle when the cycle stopped early
	ErrCycleAborted = errors.New("cycle aborted")

	// ErrCycleRunning is returned when a cycle is started while another one is in progress
	ErrCycleRunning = errors.New("a cycle is already running")
)

// Dependencies are the collaborators a Service runs against
type Dependencies struct {
	Sources  []sources.Source
	Store    statestore.Store
	Backend  ingest.Backend
	Backup   storage.StorageInterface              // optional
	Notifier notifications.NotificationInterface // optional
}

// Service runs poll cycles over the configured sources
type Service struct {
	config     *config.Config
	sources    []sources.Source
	normalizer *normalize.Normalizer
	excluder   *normalize.Excluder
	engine     *scoring.Engine
	baselines  *baseline.Tracker
	dedup      *dedup.Tracker
	pipeline   *ingest.Pipeline
	backup     storage.StorageInterface
	notifier   notifications.NotificationInterface
	metrics    *Metrics
	running    atomic.Bool
	mu         sync.RWMutex
	now        func() time.Time
}

// Metrics holds counters across cycles
type Metrics struct {
	CyclesRun        int                  `json:"cycles_run"`
	CyclesAborted    int                  `json:"cycles_aborted"`
	LastRun          time.Time            `json:"last_run"`
	LastRunDuration  string               `json:"last_run_duration"`
	LastCycleID      string               `json:"last_cycle_id"`
	LastStatus       string               `json:"last_status"`
	ListingsFetched  int                  `json:"listings_fetched"`
	ListingsScored   int                  `json:"listings_scored"`
	ListingsAccepted int                  `json:"listings_accepted"`
	ListingsFailed   int                  `json:"listings_failed"`
	ListingsSkipped  int                  `json:"listings_skipped"`
	TierBreakdown    map[models.Tier]int  `json:"tier_breakdown"`
	BaselineKeys     int                  `json:"baseline_keys"`
	LastSummary      *models.CycleSummary `json:"last_summary,omitempty"`
}

// NewService wires the cycle components and loads persisted price baselines
func NewService(ctx context.Context, cfg *config.Config, deps Dependencies) (*Service, error) {
	tracker := baseline.NewTracker(cfg.BaselineWindow, cfg.BaselineMinSamples, deps.Store)
	if err := tracker.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load price baselines: %w", err)
	}

	return &Service{
		config:     cfg,
		sources:    deps.Sources,
		normalizer: normalize.NewNormalizer(cfg.LocationBucketPrecision),
		excluder:   normalize.NewExcluder(cfg.Rules.ExcludeTerms),
		engine:     scoring.NewEngine(cfg.Rules),
		baselines:  tracker,
		dedup:      dedup.NewTracker(deps.Store, cfg.DedupRetention, cfg.DedupClaimLease),
		pipeline: ingest.NewPipeline(deps.Backend, ingest.Options{
			BatchSize:       cfg.BatchSize,
			Concurrency:     cfg.BatchConcurrency,
			BatchTimeout:    cfg.BatchTimeout,
			MaxRetries:      cfg.MaxRetries,
			MaxBatchRetries: cfg.MaxBatchRetries,
			BackoffBase:     cfg.BackoffBase,
			BackoffMax:      cfg.BackoffMax,
		}),
		backup:   deps.Backup,
		notifier: deps.Notifier,
		metrics:  &Metrics{TierBreakdown: make(map[models.Tier]int)},
		now:      time.Now,
	}, nil
}

// cycle carries the state of one RunCycle call
type cycle struct {
	log     *logrus.Entry
	summary *models.CycleSummary
	claimed []models.Listing
	scored  []models.EnrichedRecord
}

func (c *cycle) skip(id, stage, reason string) {
	c.summary.Skipped = append(c.summary.Skipped, models.RecordOutcome{ListingID: id, Stage: stage, Reason: reason})
}

// RunCycle performs one poll cycle. The returned summary is never nil; the error
// wraps ErrCycleAborted when a source, the state store or the storage backend
// failed in a way that stopped the cycle.
func (s *Service) RunCycle(ctx context.Context) (*models.CycleSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.running.Store(false)

	started := s.now()
	c := &cycle{
		summary: &models.CycleSummary{
			CycleID:    uuid.NewString(),
			StartedAt:  started,
			Status:     models.CycleCompleted,
			TierCounts: make(map[models.Tier]int),
		},
	}
	c.log = logrus.WithFields(logrus.Fields{"cycle_id": c.summary.CycleID})
	c.log.Info("Starting poll cycle")

	cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleDeadline)
	defer cancel()

	// work that must finish even when the deadline has already passed
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), s.config.CycleDeadline+config.CycleSettleTimeout)
	defer cancelSettle()

	err := s.run(cycleCtx, settleCtx, c)
	if err != nil {
		c.summary.Status = models.CycleAborted
		c.summary.AbortReason = err.Error()
		c.log.Errorf("Cycle aborted: %v", err)
	} else if len(c.summary.Failed) > 0 {
		c.summary.Status = models.CyclePartial
	}

	s.housekeeping(settleCtx, c)

	c.summary.FinishedAt = s.now()
	s.updateMetrics(c.summary, c.summary.FinishedAt.Sub(started))
	s.notify(settleCtx, c)

	c.log.WithFields(logrus.Fields{
		"status":   c.summary.Status,
		"fetched":  c.summary.Fetched,
		"scored":   c.summary.Scored,
		"accepted": c.summary.Accepted,
		"failed":   len(c.summary.Failed),
	}).Infof("Cycle finished in %v", c.summary.FinishedAt.Sub(started))

	if err != nil {
		return c.summary, fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}
	return c.summary, nil
}

func (s *Service) run(ctx, settleCtx context.Context, c *cycle) error {
	raw, err := s.fetch(ctx, c)
	if err != nil {
		return err
	}

	listings := s.prepare(raw, c)

	if err := s.claim(ctx, settleCtx, listings, c); err != nil {
		return err
	}
	if len(c.claimed) == 0 {
		c.log.Info("No new listings this cycle")
		return nil
	}

	// other agents sharing the store may have moved the baselines since the last cycle
	if err := s.baselines.Load(ctx); err != nil {
		s.releaseAll(settleCtx, c, c.claimed)
		c.claimed = nil
		return err
	}
	s.score(c)

	return s.deliver(ctx, settleCtx, c)
}

// fetch pulls raw records from every enabled source concurrently. Any source
// error fails the cycle.
func (s *Service) fetch(ctx context.Context, c *cycle) ([]models.RawListing, error) {
	var enabled []sources.Source
	for _, src := range s.sources {
		if src.IsEnabled() {
			enabled = append(enabled, src)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled sources")
	}

	results := make([][]models.RawListing, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range enabled {
		g.Go(func() error {
			c.log.Infof("Fetching listings from %s", src.GetName())
			listings, err := src.FetchListings(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.GetName(), err)
			}
			c.log.Infof("Found %d listings from %s", len(listings), src.GetName())
			results[i] = listings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.RawListing
	for _, r := range results {
		all = append(all, r...)
	}
	c.summary.Fetched = len(all)
	return all, nil
}

// prepare normalizes raw records, drops excluded ones and fills in per-seller
// cycle volume
func (s *Service) prepare(raw []models.RawListing, c *cycle) []models.Listing {
	observedAt := c.summary.StartedAt.UTC()
	listings := make([]models.Listing, 0, len(raw))

	for _, r := range raw {
		listing, err := s.normalizer.Normalize(r, observedAt)
		if err != nil {
			var malformed *normalize.MalformedRecordError
			id := ""
			if errors.As(err, &malformed) {
				id = malformed.ListingID
			}
			c.log.Warnf("Skipping record: %v", err)
			c.skip(id, models.StageNormalize, err.Error())
			continue
		}
		c.summary.Normalized++

		if term, excluded := s.excluder.Match(listing); excluded {
			c.log.Debugf("Excluding listing %s (matched %q)", listing.ID, term)
			c.summary.Excluded++
			c.skip(listing.ID, models.StageExclude, "excluded")
			continue
		}
		listings = append(listings, listing)
	}

	perSeller := make(map[string]int)
	for _, l := range listings {
		if l.SellerID != "" {
			perSeller[l.SellerID]++
		}
	}
	for i := range listings {
		listings[i].SellerCycleListings = perSeller[listings[i].SellerID]
	}

	return listings
}

// claim takes a pending dedup claim on every listing. A store failure releases
// the claims taken so far and aborts before anything is scored.
func (s *Service) claim(ctx, settleCtx context.Context, listings []models.Listing, c *cycle) error {
	now := c.summary.StartedAt
	for _, l := range listings {
		ok, err := s.dedup.Claim(ctx, l.ID, now)
		if err != nil {
			s.releaseAll(settleCtx, c, c.claimed)
			c.claimed = nil
			return err
		}
		if !ok {
			c.summary.Duplicates++
			c.skip(l.ID, models.StageDedup, "duplicate")
			continue
		}
		c.claimed = append(c.claimed, l)
	}
	return nil
}

// score assesses every claimed listing against one baseline snapshot
func (s *Service) score(c *cycle) {
	snapshot := s.baselines.Snapshot()
	c.scored = make([]models.EnrichedRecord, len(c.claimed))

	var g errgroup.Group
	g.SetLimit(s.config.ScoringWorkers)
	for i, l := range c.claimed {
		g.Go(func() error {
			c.scored[i] = models.EnrichedRecord{Listing: l, Assessment: s.engine.Score(l, snapshot)}
			return nil
		})
	}
	_ = g.Wait()

	for _, rec := range c.scored {
		c.summary.TierCounts[rec.Assessment.Tier]++
		c.log.Debugf("Listing %s scored %.1f (%s) from %d signals",
			rec.Listing.ID, rec.Assessment.Score, rec.Assessment.Tier, len(rec.Assessment.Signals))
	}
	c.summary.Scored = len(c.scored)
}

// deliver writes scored records to the backend, then settles dedup claims: a
// record that reached a final outcome is confirmed and folded into its price
// baseline, one abandoned for backend trouble or the deadline is released.
func (s *Service) deliver(ctx, settleCtx context.Context, c *cycle) error {
	result := s.pipeline.Deliver(ctx, c.scored)
	c.summary.Accepted = len(result.Accepted)

	now := s.now()
	var final []models.Listing
	var released []models.Listing
	for _, rec := range result.Accepted {
		final = append(final, rec.Listing)
	}
	for _, f := range result.Failed {
		c.summary.Failed = append(c.summary.Failed, models.RecordOutcome{
			ListingID: f.Record.Listing.ID,
			Stage:     models.StageDelivery,
			Reason:    failureReason(f),
			Class:     f.Class,
		})
		c.log.Warnf("Listing %s not stored after %d attempts: %s", f.Record.Listing.ID, f.Attempts, failureReason(f))

		if errors.Is(f.Err, ingest.ErrBackendUnavailable) || errors.Is(f.Err, ingest.ErrDeadlineExceeded) {
			released = append(released, f.Record.Listing)
		} else {
			final = append(final, f.Record.Listing)
		}
	}

	s.releaseAll(settleCtx, c, released)

	for _, l := range final {
		if err := s.dedup.Confirm(settleCtx, l.ID, now); err != nil {
			return err
		}
		if err := s.baselines.Observe(settleCtx, l, now); err != nil {
			return err
		}
	}

	s.writeBackup(settleCtx, c)

	if result.BackendUnavailable {
		return fmt.Errorf("storage backend unavailable, %d records left for the next cycle", len(released))
	}
	return nil
}

func failureReason(f ingest.Failure) string {
	if f.Reason != "" {
		return fmt.Sprintf("%v: %s", f.Err, f.Reason)
	}
	return f.Err.Error()
}

func (s *Service) releaseAll(ctx context.Context, c *cycle, listings []models.Listing) {
	for _, l := range listings {
		if err := s.dedup.Release(ctx, l.ID, c.summary.StartedAt); err != nil {
			// the claim lapses on its own after the lease
			c.log.Warnf("Failed to release claim on %s: %v", l.ID, err)
		}
	}
}

func (s *Service) writeBackup(ctx context.Context, c *cycle) {
	if s.backup == nil || len(c.scored) == 0 {
		return
	}
	key, err := storage.WriteBackup(ctx, s.backup, c.summary.StartedAt, c.summary.CycleID, c.scored)
	if err != nil {
		c.log.Errorf("Failed to back up enriched records: %v", err)
		return
	}
	c.log.Infof("Backed up %d enriched records to %s", len(c.scored), key)
}

// housekeeping prunes expired dedup records and stale baselines. Failures are
// logged; the next cycle tries again.
func (s *Service) housekeeping(ctx context.Context, c *cycle) {
	if _, err := s.dedup.Prune(ctx, c.summary.StartedAt); err != nil {
		c.log.Warnf("Dedup prune failed: %v", err)
	}
	if s.config.BaselineMaxAge > 0 {
		if _, err := s.baselines.Evict(ctx, c.summary.StartedAt, s.config.BaselineMaxAge); err != nil {
			c.log.Warnf("Baseline eviction failed: %v", err)
		}
	}
}

func (s *Service) notify(ctx context.Context, c *cycle) {
	if s.notifier == nil {
		return
	}

	if c.summary.Status == models.CycleAborted {
		alert := &models.Alert{
			ID:        uuid.NewString(),
			Type:      "critical",
			Title:     "Wallapop risk cycle aborted",
			Message:   c.summary.AbortReason,
			CycleID:   c.summary.CycleID,
			CreatedAt: c.summary.FinishedAt,
		}
		if err := s.notifier.SendAlert(ctx, alert); err != nil {
			c.log.Errorf("Failed to send alert: %v", err)
		}
	}

	if err := s.notifier.SendReport(ctx, s.buildReport(c)); err != nil {
		c.log.Errorf("Failed to send report: %v", err)
	}
}

func (s *Service) buildReport(c *cycle) *models.Report {
	var highRisk []models.HighRiskListing
	for _, rec := range c.scored {
		if rec.Assessment.Tier != models.TierHigh {
			continue
		}
		highRisk = append(highRisk, models.HighRiskListing{
			ID:      rec.Listing.ID,
			Title:   rec.Listing.Title,
			Price:   rec.Listing.Price.String(),
			Score:   rec.Assessment.Score,
			Tier:    rec.Assessment.Tier,
			WebSlug: rec.Listing.WebSlug,
		})
	}
	sort.SliceStable(highRisk, func(i, j int) bool {
		return highRisk[i].Score > highRisk[j].Score
	})

	return &models.Report{
		GeneratedAt: c.summary.FinishedAt,
		Summary:     c.summary,
		HighRisk:    highRisk,
	}
}

func (s *Service) updateMetrics(summary *models.CycleSummary, duration time.Duration) {
	snapshot := s.baselines.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.CyclesRun++
	if summary.Status == models.CycleAborted {
		s.metrics.CyclesAborted++
	}
	s.metrics.LastRun = summary.StartedAt
	s.metrics.LastRunDuration = duration.String()
	s.metrics.LastCycleID = summary.CycleID
	s.metrics.LastStatus = summary.Status
	s.metrics.ListingsFetched += summary.Fetched
	s.metrics.ListingsScored += summary.Scored
	s.metrics.ListingsAccepted += summary.Accepted
	s.metrics.ListingsFailed += len(summary.Failed)
	s.metrics.ListingsSkipped += len(summary.Skipped)
	for tier, n := range summary.TierCounts {
		s.metrics.TierBreakdown[tier] += n
	}
	s.metrics.BaselineKeys = snapshot.Len()
	s.metrics.LastSummary = summary
}

// GetMetrics returns current metrics as JSON
func (s *Service) GetMetrics() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, _ := json.MarshalIndent(s.metrics, "", "  ")
	return string(data)
}

// IsRunning reports whether a cycle is in progress
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
