package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CycleRunner runs one poll cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*models.CycleSummary, error)
}

// Service handles scheduling of poll cycles
type Service struct {
	schedule string
	runner   CycleRunner
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewService creates a scheduler for a cron expression with a seconds field.
// A tick that fires while the previous cycle is still running is skipped.
func NewService(schedule, timeZone string, runner CycleRunner) (*Service, error) {
	loc := time.UTC
	if timeZone != "" {
		var err error
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", timeZone, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		schedule: schedule,
		runner:   runner,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the scheduled poll cycles
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.runOnce)
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with schedule %q", s.schedule)
	return nil
}

func (s *Service) runOnce() {
	logrus.Info("Starting scheduled poll cycle")
	summary, err := s.runner.RunCycle(s.ctx)
	if err != nil {
		logrus.Errorf("Scheduled poll cycle failed: %v", err)
		return
	}
	if summary.Status != models.CycleCompleted {
		logrus.Warnf("Scheduled poll cycle %s finished with status %s", summary.CycleID, summary.Status)
	}
}

// Stop stops the scheduler and waits for a running cycle up to ctx's deadline
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		logrus.Info("Scheduler stopped")
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return errors.Join(fmt.Errorf("running cycle did not finish in time"), ctx.Err())
	}
}
