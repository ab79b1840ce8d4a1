package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options controls batching and retry behaviour
type Options struct {
	BatchSize       int
	Concurrency     int
	BatchTimeout    time.Duration
	MaxRetries      int // per-record resubmissions after the first attempt
	MaxBatchRetries int // whole-batch resubmissions after connection-level failures
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// Failure is a record that was not stored
type Failure struct {
	Record   models.EnrichedRecord
	Class    models.DeliveryClass
	Status   int
	Reason   string
	Attempts int
	Err      error // ErrRejected, ErrRetriesExhausted, ErrBackendUnavailable or ErrDeadlineExceeded
}

// Result is the outcome of one Deliver call. Every input record appears exactly
// once, either in Accepted or in Failed.
type Result struct {
	Accepted           []models.EnrichedRecord
	Failed             []Failure
	BackendUnavailable bool
	Batches            int // bulk requests issued
}

// Pipeline delivers records to a Backend
type Pipeline struct {
	backend Backend
	opts    Options
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPipeline(backend Backend, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Pipeline{backend: backend, opts: opts, sleep: sleepContext}
}

type item struct {
	record   models.EnrichedRecord
	attempts int
}

type verdict struct {
	class  models.DeliveryClass
	status int
	reason string
	err    error // set when the record must not be resubmitted
}

// Deliver writes records in batches until each one is accepted, rejected, out of
// retries, or abandoned at ctx's deadline. Records that only failed transiently
// are resubmitted in later rounds with exponential backoff between rounds.
func (p *Pipeline) Deliver(ctx context.Context, records []models.EnrichedRecord) *Result {
	result := &Result{}

	pending := make([]*item, 0, len(records))
	for _, r := range records {
		pending = append(pending, &item{record: r})
	}

	var unavailable atomic.Bool

	for round := 0; len(pending) > 0; round++ {
		if round > 0 {
			delay := p.backoff(round)
			logrus.Infof("Retrying %d records in %v (round %d)", len(pending), delay, round+1)
			if err := p.sleep(ctx, delay); err != nil {
				p.failAll(result, pending, ErrDeadlineExceeded, "cycle deadline reached before retry")
				return result
			}
		}

		if ctx.Err() != nil {
			p.failAll(result, pending, ErrDeadlineExceeded, "cycle deadline reached")
			return result
		}

		batches := split(pending, p.opts.BatchSize)
		verdicts := make([][]verdict, len(batches))

		var g errgroup.Group
		g.SetLimit(p.opts.Concurrency)
		for i, batch := range batches {
			i, batch := i, batch
			g.Go(func() error {
				if unavailable.Load() {
					verdicts[i] = uniform(len(batch), verdict{
						class:  models.DeliveryRetryable,
						reason: "backend unavailable",
						err:    ErrBackendUnavailable,
					})
					return nil
				}
				verdicts[i] = p.submit(ctx, batch, &unavailable)
				return nil
			})
		}
		_ = g.Wait()
		result.Batches += len(batches)

		var next []*item
		for i, batch := range batches {
			for j, it := range batch {
				v := verdicts[i][j]
				it.attempts++

				switch {
				case v.class == models.DeliveryAccepted:
					result.Accepted = append(result.Accepted, it.record)
				case v.err != nil:
					result.Failed = append(result.Failed, failure(it, v, v.err))
				case v.class == models.DeliveryTerminal:
					result.Failed = append(result.Failed, failure(it, v, ErrRejected))
				case it.attempts > p.opts.MaxRetries:
					result.Failed = append(result.Failed, failure(it, v, ErrRetriesExhausted))
				default:
					next = append(next, it)
				}
			}
		}

		if unavailable.Load() {
			result.BackendUnavailable = true
			p.failAll(result, next, ErrBackendUnavailable, "backend unavailable")
			return result
		}
		pending = next
	}

	return result
}

// submit sends one batch, retrying the whole request while the backend reports
// connection-level trouble. It always returns one verdict per record.
func (p *Pipeline) submit(ctx context.Context, batch []*item, unavailable *atomic.Bool) []verdict {
	records := make([]models.EnrichedRecord, len(batch))
	for i, it := range batch {
		records[i] = it.record
	}

	for attempt := 0; ; attempt++ {
		results, err := p.bulk(ctx, records)
		if err == nil {
			if len(results) != len(records) {
				return uniform(len(batch), verdict{
					class:  models.DeliveryRetryable,
					reason: fmt.Sprintf("backend returned %d results for %d records", len(results), len(records)),
				})
			}
			verdicts := make([]verdict, len(results))
			for i, r := range results {
				verdicts[i] = verdict{class: r.Class, status: r.Status, reason: r.Reason}
			}
			return verdicts
		}

		if ctx.Err() != nil {
			return uniform(len(batch), verdict{class: models.DeliveryRetryable, reason: err.Error(), err: ErrDeadlineExceeded})
		}

		// a batch that times out counts as a transient failure of each of its records
		if errors.Is(err, context.DeadlineExceeded) {
			logrus.Warnf("Bulk request of %d records timed out after %v", len(records), p.opts.BatchTimeout)
			return uniform(len(batch), verdict{class: models.DeliveryRetryable, reason: "batch timed out"})
		}

		status := 0
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			status = batchErr.Status
		}

		if !isRetryableBatchError(err) {
			return uniform(len(batch), verdict{class: models.DeliveryTerminal, status: status, reason: err.Error()})
		}

		if attempt >= p.opts.MaxBatchRetries || unavailable.Load() {
			logrus.Errorf("Bulk request of %d records failed after %d attempts: %v", len(records), attempt+1, err)
			unavailable.Store(true)
			return uniform(len(batch), verdict{class: models.DeliveryRetryable, status: status, reason: err.Error(), err: ErrBackendUnavailable})
		}

		delay := p.backoff(attempt + 1)
		logrus.Warnf("Bulk request failed (attempt %d/%d): %v, retrying in %v", attempt+1, p.opts.MaxBatchRetries+1, err, delay)
		if err := p.sleep(ctx, delay); err != nil {
			return uniform(len(batch), verdict{class: models.DeliveryRetryable, reason: "cycle deadline reached before retry", err: ErrDeadlineExceeded})
		}
	}
}

func (p *Pipeline) bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	if p.opts.BatchTimeout <= 0 {
		return p.backend.Bulk(ctx, records)
	}
	bctx, cancel := context.WithTimeout(ctx, p.opts.BatchTimeout)
	defer cancel()
	return p.backend.Bulk(bctx, records)
}

// backoff returns base * 2^(n-1), capped at BackoffMax
func (p *Pipeline) backoff(n int) time.Duration {
	delay := p.opts.BackoffBase
	for i := 1; i < n && (p.opts.BackoffMax <= 0 || delay < p.opts.BackoffMax); i++ {
		delay *= 2
	}
	if p.opts.BackoffMax > 0 && delay > p.opts.BackoffMax {
		delay = p.opts.BackoffMax
	}
	return delay
}

func (p *Pipeline) failAll(result *Result, items []*item, err error, reason string) {
	for _, it := range items {
		result.Failed = append(result.Failed, Failure{
			Record:   it.record,
			Class:    models.DeliveryRetryable,
			Reason:   reason,
			Attempts: it.attempts,
			Err:      err,
		})
	}
}

func failure(it *item, v verdict, err error) Failure {
	return Failure{
		Record:   it.record,
		Class:    v.class,
		Status:   v.status,
		Reason:   v.reason,
		Attempts: it.attempts,
		Err:      err,
	}
}

func split(items []*item, size int) [][]*item {
	var batches [][]*item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

func uniform(n int, v verdict) []verdict {
	verdicts := make([]verdict, n)
	for i := range verdicts {
		verdicts[i] = v
	}
	return verdicts
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
