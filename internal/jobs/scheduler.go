package jobs

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
)

// Scheduler runs the sweeps on their cron schedules
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	cfg  config.JobsConfig
}

func NewScheduler(jobs *Jobs, cfg config.JobsConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron: c,
		jobs: jobs,
		cfg:  cfg,
	}
}

// Start registers every job and starts the scheduler. A malformed schedule
// is returned as an error before anything runs.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"expire_subscriptions", s.cfg.ExpirySweepSchedule, s.jobs.ExpireSubscriptions},
		{"invalidate_claim_codes", s.cfg.ExpirySweepSchedule, s.jobs.InvalidateClaimCodes},
		{"cancel_stale_orders", s.cfg.StaleOrderSchedule, s.jobs.CancelStaleOrders},
	}

	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.schedule, e.run); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", e.name, e.schedule, err)
		}
		log.Printf("[jobs] Scheduled %s: %s", e.name, e.schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done once running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
