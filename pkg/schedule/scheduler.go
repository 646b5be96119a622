// Package schedule wires the cron job that periodically triggers a full
// unscoped scraping run.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/scraper"
)

// DefaultSpec runs the daily scrape at 06:00
const DefaultSpec = "0 6 * * *"

// Trigger starts or joins a scraping run
type Trigger interface {
	Trigger(ctx context.Context, categoryID *string) (string, error)
}

// Scheduler wraps robfig/cron around the orchestrator trigger
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  *logrus.Logger
	spec    string
}

// New creates a Scheduler firing on the given cron spec
func New(trigger Trigger, logger *logrus.Logger, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		cron:    cron.New(),
		trigger: trigger,
		logger:  logger,
		spec:    spec,
	}
}

// Start registers the scrape job and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runScrape(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to register cron job: %w", err)
	}

	s.cron.Start()
	s.logger.WithField("spec", s.spec).Info("Scrape scheduler started")
	return nil
}

// Stop shuts the scheduler down; already-started jobs keep running
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("Scrape scheduler stopped")
}

func (s *Scheduler) runScrape(ctx context.Context) {
	jobID, err := s.trigger.Trigger(ctx, nil)
	if err != nil {
		if errors.Is(err, scraper.ErrNothingToDo) || errors.Is(err, scraper.ErrNoAccountsInScope) {
			s.logger.WithError(err).Info("Scheduled scrape found no work")
			return
		}
		s.logger.WithError(err).Error("Scheduled scrape failed to start")
		return
	}
	s.logger.WithField("job_id", jobID).Info("Scheduled scrape started")
}
