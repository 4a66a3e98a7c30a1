package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
	"github.com/msglog-engine/go-core/internal/store"
)

// CleanerJobName names the cleaning job
const CleanerJobName = "cleaner"

// CleanerOptions wires the cleaner's collaborators
type CleanerOptions struct {
	Config  config.ArchiveConfig
	Store   store.ArchiveStore
	Metrics metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Cleaner deletes archived records once their retention period has passed.
// Records that are not archived are never deleted.
type Cleaner struct {
	keepFor   time.Duration
	batchSize int
	store     store.ArchiveStore
	metrics   metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	runMu sync.Mutex
}

// CleanResult counts the records removed by one pass
type CleanResult struct {
	Messages   int64
	Timestamps int64
}

// NewCleaner creates a cleaner
func NewCleaner(opts CleanerOptions) (*Cleaner, error) {
	if opts.Store == nil {
		return nil, errors.New("cleaner requires an archive store")
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
	batch := opts.Config.CleanBatchSize
	if batch <= 0 {
		batch = config.Default().Archive.CleanBatchSize
	}

	return &Cleaner{
		keepFor:   opts.Config.KeepRecordsFor,
		batchSize: batch,
		store:     opts.Store,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Clock,
	}, nil
}

// Name implements jobs.Job
func (c *Cleaner) Name() string {
	return CleanerJobName
}

// Run implements jobs.Job
func (c *Cleaner) Run(ctx context.Context) error {
	_, err := c.Clean(ctx)
	return err
}

// Clean removes archived records created at or before now minus the
// retention period, then the timestamp records nothing references any more
func (c *Cleaner) Clean(ctx context.Context) (*CleanResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	cutoff := c.now().Add(-c.keepFor)
	result := &CleanResult{}
	defer func() {
		if result.Messages > 0 || result.Timestamps > 0 {
			c.metrics.RecordCleaned(result.Messages, result.Timestamps)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := c.store.DeleteArchived(ctx, cutoff, c.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to delete archived records: %w", err)
		}
		result.Messages += n
		if n < int64(c.batchSize) {
			break
		}
	}

	n, err := c.store.DeleteOrphanTimestamps(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete timestamp records: %w", err)
	}
	result.Timestamps = n

	c.logger.Info("Cleaning completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("messages", result.Messages),
		zap.Int64("timestamps", result.Timestamps))
	return result, nil
}
