// Package jobs runs the periodic maintenance of the poll store.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "datepoll/internal/log"
	"datepoll/internal/model"
)

// Purger deletes events whose latest candidate date is before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff model.DateKey) (int64, error)
}

// Retention removes polls whose dates are all more than Days in the past.
type Retention struct {
	Store    Purger
	Days     int
	Location *time.Location
	// OnPurged is told how many events each run removed.
	OnPurged func(n int64)

	now func() time.Time
}

// Cutoff is the first day that is still kept.
func (r *Retention) Cutoff() model.DateKey {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return model.DateKeyOf(now().In(loc).AddDate(0, 0, -r.Days))
}

// Run purges once.
func (r *Retention) Run(ctx context.Context) (int64, error) {
	if r.Days <= 0 {
		return 0, nil
	}
	cutoff := r.Cutoff()
	n, err := r.Store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention purge before %s: %w", cutoff, err)
	}
	appLog.Info("retention purge finished", "cutoff", cutoff.String(), "purged", n)
	if r.OnPurged != nil && n > 0 {
		r.OnPurged(n)
	}
	return n, nil
}

// Scheduler wraps a cron runner bound to a base context.
type Scheduler struct {
	ctx  context.Context
	cron *cron.Cron
}

// NewScheduler returns a stopped scheduler whose jobs run with ctx and in
// loc.
func NewScheduler(ctx context.Context, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		ctx:  ctx,
		cron: cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Add schedules fn on a standard five-field cron spec.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			appLog.Error("job failed", err, "job", name)
			return
		}
		appLog.Debug("job done", "job", name, "took", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	appLog.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// AddRetention schedules r on spec. Nothing is scheduled when retention is
// disabled.
func (s *Scheduler) AddRetention(spec string, r *Retention) error {
	if r.Days <= 0 {
		appLog.Info("retention disabled")
		return nil
	}
	return s.Add("retention", spec, func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	})
}

// Len is the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Start runs the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
