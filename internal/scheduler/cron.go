package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/anidbarr/internal/controllers"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CleanupSchedule runs the pruning of vanished folders once an hour
const CleanupSchedule = "0 * * * *"

// Scheduler manages scheduled tasks
type Scheduler struct {
	cron           *cron.Cron
	collectionCtrl *controllers.CollectionController
	cleanupCtrl    *controllers.CleanupController
	scanSchedule   string
	logger         *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler
func NewScheduler(
	collectionCtrl *controllers.CollectionController,
	cleanupCtrl *controllers.CleanupController,
	scanSchedule string,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		collectionCtrl: collectionCtrl,
		cleanupCtrl:    cleanupCtrl,
		scanSchedule:   scanSchedule,
		logger:         logger,
	}
}

// Start registers the jobs, starts the scheduler and kicks off an initial check
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler")
	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.cron.AddFunc(s.scanSchedule, func() {
		s.runCheck()
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add collection check job: %w", err)
	}

	_, err = s.cron.AddFunc(CleanupSchedule, func() {
		s.runCleanup()
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cleanup job: %w", err)
	}

	s.cron.Start()
	s.logger.WithField("schedule", s.scanSchedule).Info("Scheduler started")

	go func() {
		s.logger.Info("Running initial collection check")
		s.runCheck()
	}()

	return nil
}

// Stop stops the scheduler and cancels running jobs
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// runCheck executes the collection check job
func (s *Scheduler) runCheck() {
	s.logger.Info("Running scheduled collection check")

	reports, err := s.collectionCtrl.CheckAll(s.ctx)
	if errors.Is(err, controllers.ErrCheckRunning) {
		s.logger.Warn("Previous collection check still running, skipping")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Collection check job failed")
		return
	}
	s.logger.WithField("folders", len(reports)).Info("Collection check job completed successfully")
}

// runCleanup executes the cleanup job
func (s *Scheduler) runCleanup() {
	s.logger.Info("Running scheduled cleanup")

	removed, err := s.cleanupCtrl.PruneMissing(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Cleanup job failed")
		return
	}
	s.logger.WithField("removed", removed).Info("Cleanup job completed successfully")
}
