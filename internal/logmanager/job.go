package logmanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
)

// JobName identifies the timestamper in the job supervisor
const JobName = "timestamper"

// TimestamperJob periodically time-stamps the queued records. After a failed
// run it switches to retry mode and uses the retry delay when that is shorter
// than the interval. The first successful run in retry mode is followed by an
// immediate catch-up run.
type TimestamperJob struct {
	manager *Manager
	cfg     config.TimestamperConfig
	metrics metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	retryMode bool
}

// NewTimestamperJob creates the periodic time-stamping job
func NewTimestamperJob(m *Manager) *TimestamperJob {
	return &TimestamperJob{
		manager: m,
		cfg:     m.cfg,
		metrics: m.metrics,
		logger:  m.logger.Named(JobName),
	}
}

// Name implements jobs.Worker
func (j *TimestamperJob) Name() string {
	return JobName
}

// Run executes batches until ctx is cancelled
func (j *TimestamperJob) Run(ctx context.Context) error {
	timer := time.NewTimer(j.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// failures are logged by RunOnce and retried on the next tick
			if err := j.RunOnce(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			timer.Reset(j.NextDelay())
		}
	}
}

// RunOnce runs one time-stamping cycle and updates the retry mode
func (j *TimestamperJob) RunOnce(ctx context.Context) error {
	start := time.Now()
	_, err := j.manager.TimestampPending(ctx)
	if err != nil {
		j.onFailure(err)
		j.metrics.RecordJobRun(JobName, metrics.OutcomeFailure, time.Since(start))
		return err
	}

	if j.leaveRetryMode() {
		j.logger.Info("Leaving retry mode, running catch-up batch")
		if _, err := j.manager.TimestampPending(ctx); err != nil {
			j.onFailure(err)
			j.metrics.RecordJobRun(JobName, metrics.OutcomeFailure, time.Since(start))
			return err
		}
	}
	j.metrics.RecordJobRun(JobName, metrics.OutcomeSuccess, time.Since(start))
	return nil
}

func (j *TimestamperJob) onFailure(err error) {
	j.mu.Lock()
	entered := !j.retryMode
	j.retryMode = true
	j.mu.Unlock()

	if entered {
		j.logger.Warn("Time-stamping failed, entering retry mode",
			zap.Duration("retry_delay", j.cfg.RetryDelay),
			zap.Error(err))
		return
	}
	j.logger.Error("Time-stamping failed again",
		zap.Int("pending", j.manager.QueueSize()),
		zap.Error(err))
}

func (j *TimestamperJob) leaveRetryMode() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	was := j.retryMode
	j.retryMode = false
	return was
}

// InRetryMode reports whether the last run failed
func (j *TimestamperJob) InRetryMode() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retryMode
}

// NextDelay returns the wait before the next run
func (j *TimestamperJob) NextDelay() time.Duration {
	return NextTimestampDelay(j.cfg, j.InRetryMode())
}

// NextTimestampDelay returns the interval, or the retry delay in retry mode
// when it is positive and shorter, bounded to [MinInterval, MaxInterval]
func NextTimestampDelay(cfg config.TimestamperConfig, retryMode bool) time.Duration {
	d := cfg.Interval
	if retryMode && cfg.RetryDelay > 0 && cfg.RetryDelay < d {
		d = cfg.RetryDelay
	}
	return cfg.Clamp(d)
}
