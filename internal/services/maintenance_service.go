package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/ratestate"
)

// RetrySweeper re-drives pending evidence bundles.
type RetrySweeper interface {
	RetryDue(ctx context.Context) (int, error)
}

// MaintenanceService runs the periodic jobs that keep the admission and evidence state
// bounded: rate window cleanup and the evidence retry sweep.
type MaintenanceService struct {
	Cron    *cron.Cron
	store   *ratestate.Store
	sweeper RetrySweeper
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMaintenanceService schedules cleanup every cleanupInterval and the retry sweep
// every sweepInterval. Nothing runs until Start.
func NewMaintenanceService(store *ratestate.Store, sweeper RetrySweeper, cleanupInterval, sweepInterval time.Duration) (*MaintenanceService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MaintenanceService{
		Cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		store:   store,
		sweeper: sweeper,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}

	if _, err := s.Cron.AddFunc(fmt.Sprintf("@every %s", cleanupInterval), s.CleanupRateState); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule rate state cleanup: %w", err)
	}
	if sweeper != nil {
		if _, err := s.Cron.AddFunc(fmt.Sprintf("@every %s", sweepInterval), s.SweepEvidence); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule evidence retry sweep: %w", err)
		}
	}
	return s, nil
}

// Start starts the scheduler in the background.
func (s *MaintenanceService) Start() { s.Cron.Start() }

// Stop cancels any running sweep and waits for running jobs to return.
func (s *MaintenanceService) Stop() {
	s.cancel()
	<-s.Cron.Stop().Done()
}

// CleanupRateState drops idle client windows.
func (s *MaintenanceService) CleanupRateState() {
	removed := s.store.Cleanup(s.now())
	tracked := s.store.Len()
	metrics.SetRateStateKeys(tracked)
	if removed > 0 {
		logger.Log().WithField("removed", removed).WithField("tracked", tracked).Debug("rate state cleanup")
	}
}

// SweepEvidence retries pending bundles whose backoff has elapsed.
func (s *MaintenanceService) SweepEvidence() {
	n, err := s.sweeper.RetryDue(s.ctx)
	if err != nil {
		logger.Log().WithError(err).Warn("evidence retry sweep failed")
		return
	}
	if n > 0 {
		logger.Log().WithField("bundles", n).Info("evidence retry sweep")
	}
}
