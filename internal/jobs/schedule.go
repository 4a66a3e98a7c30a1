package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
)

// Job is one pass of periodic work, such as archiving or cleaning
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// ScheduleOptions configures a Scheduled job
type ScheduleOptions struct {
	// Lease keeps nodes that share a database from running the job at once
	Lease    Lease
	LeaseTTL time.Duration
	Metrics  metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
	// Schedule replaces the parsed spec when set
	Schedule cron.Schedule
}

// Scheduled runs a Job on a cron schedule. Runs of the same job never
// overlap; a tick that fires during a run is skipped.
type Scheduled struct {
	job      Job
	spec     string
	schedule cron.Schedule
	lease    Lease
	leaseTTL time.Duration
	metrics  metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduled parses spec and wraps job into a supervised worker
func NewScheduled(job Job, spec string, opts ScheduleOptions) (*Scheduled, error) {
	schedule := opts.Schedule
	if schedule == nil {
		var err error
		if schedule, err = config.ScheduleParser.Parse(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, job.Name(), err)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = config.Default().Jobs.LeaseTTL
	}

	return &Scheduled{
		job:      job,
		spec:     spec,
		schedule: schedule,
		lease:    opts.Lease,
		leaseTTL: opts.LeaseTTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(zap.String("job", job.Name())),
		now:      opts.Clock,
	}, nil
}

// Name implements Worker
func (s *Scheduled) Name() string {
	return s.job.Name()
}

// Next returns the first activation after t
func (s *Scheduled) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run implements Worker. A failed pass is returned to the supervisor.
func (s *Scheduled) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.schedule.Next(now)
		s.logger.Debug("Next run scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// RunOnce runs the job now when the lease can be taken
func (s *Scheduled) RunOnce(ctx context.Context) error {
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, s.job.Name(), s.leaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire job lease: %w", err)
		}
		if !ok {
			s.logger.Debug("Job lease held elsewhere, skipping run")
			s.metrics.RecordJobRun(s.job.Name(), metrics.OutcomeRejected, 0)
			return nil
		}
		defer release()
	}

	start := time.Now()
	err := s.job.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.metrics.RecordJobRun(s.job.Name(), metrics.OutcomeFailure, duration)
		s.logger.Error("Job run failed", zap.Duration("duration", duration), zap.Error(err))
		return err
	}
	s.metrics.RecordJobRun(s.job.Name(), metrics.OutcomeSuccess, duration)
	s.logger.Debug("Job run completed", zap.Duration("duration", duration))
	return nil
}
