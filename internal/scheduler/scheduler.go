// Package scheduler provides cron-based maintenance scheduling for StepLine.
//
// The dispatcher handles its own per-sweep recovery; the cron jobs here are
// the slow background belt: stale-claim reclaim and delivery-log retention.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepline/StepLine/internal/store"
)

// Default maintenance schedule and retention settings.
const (
	// DefaultReclaimExpr runs the stale-claim reclaim every 10 minutes.
	DefaultReclaimExpr = "*/10 * * * *"
	// DefaultPruneExpr runs log retention pruning daily at 03:00.
	DefaultPruneExpr = "0 3 * * *"
	// DefaultLogRetention is how long delivery log entries are kept.
	DefaultLogRetention = 90 * 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic
	// recovery around jobs.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// RegisterMaintenance wires the periodic maintenance jobs against the store:
// stale-claim reclaim (with the given lease timeout) and delivery-log
// retention pruning.
func (s *Scheduler) RegisterMaintenance(st store.Store, leaseTimeout, logRetention time.Duration) error {
	if err := s.AddJob(DefaultReclaimExpr, func() {
		now := time.Now()
		n, err := st.ReclaimStale(now.Add(-leaseTimeout), now)
		if err != nil {
			slog.Error("Maintenance reclaim failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Maintenance reclaim", "reclaimed", n)
		}
	}); err != nil {
		return err
	}

	return s.AddJob(DefaultPruneExpr, func() {
		n, err := st.PruneDeliveryLogs(time.Now().Add(-logRetention))
		if err != nil {
			slog.Error("Maintenance log prune failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Maintenance log prune", "pruned", n)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
