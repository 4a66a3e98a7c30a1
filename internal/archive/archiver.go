package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
	"github.com/msglog-engine/go-core/internal/store"
	"github.com/msglog-engine/go-core/pkg/types"
)

// ArchiverJobName names the archiving job
const ArchiverJobName = "archiver"

// ArchiverOptions wires the archiver's collaborators
type ArchiverOptions struct {
	Config     config.ArchiveConfig
	Store      store.ArchiveStore
	Algorithm  types.DigestAlgorithm
	Encryption EncryptorProvider
	Metrics    metrics.Metrics
	Logger     *zap.Logger
	// Suffix overrides the random archive file name suffix
	Suffix func() string
}

// Archiver moves time-stamped message records into archive files. Each
// group's records are written to its own chain of files.
type Archiver struct {
	cfg        config.ArchiveConfig
	store      store.ArchiveStore
	algo       types.DigestAlgorithm
	encryption EncryptorProvider
	metrics    metrics.Metrics
	logger     *zap.Logger
	suffix     func() string

	runMu sync.Mutex
}

// RunResult summarizes one archiving pass
type RunResult struct {
	Files   []string
	Records int
}

// NewArchiver creates an archiver
func NewArchiver(opts ArchiverOptions) (*Archiver, error) {
	if opts.Store == nil {
		return nil, errors.New("archiver requires an archive store")
	}
	if opts.Config.Path == "" || opts.Config.WorkingPath == "" {
		return nil, errors.New("archiver requires archive and working paths")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = types.SHA512
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Suffix == nil {
		opts.Suffix = RandomSuffix
	}
	if opts.Config.TransactionBatchSize <= 0 {
		opts.Config.TransactionBatchSize = config.Default().Archive.TransactionBatchSize
	}

	return &Archiver{
		cfg:        opts.Config,
		store:      opts.Store,
		algo:       opts.Algorithm,
		encryption: opts.Encryption,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		suffix:     opts.Suffix,
	}, nil
}

// Name implements jobs.Job
func (a *Archiver) Name() string {
	return ArchiverJobName
}

// Run implements jobs.Job
func (a *Archiver) Run(ctx context.Context) error {
	_, err := a.Archive(ctx)
	return err
}

// Archive writes every time-stamped, un-archived record up to the current
// maximum id. Open caches are finalized at the end of the pass, so a pass
// never leaves records half-archived. Cancellation is observed between
// transaction batches only.
func (a *Archiver) Archive(ctx context.Context) (*RunResult, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	started := time.Now()
	result := &RunResult{}

	maxID, err := a.store.MaxArchivableID(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read archivable id range: %w", err)
	}
	if maxID == 0 {
		a.logger.Debug("Nothing to archive")
		return result, nil
	}

	caches := make(map[string]*Cache)
	defer func() {
		for _, c := range caches {
			c.Discard()
		}
	}()

	var afterID int64
	limit := a.cfg.TransactionBatchSize
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := a.store.ArchivableRecords(ctx, afterID, maxID, limit)
		if err != nil {
			return result, fmt.Errorf("failed to read archivable records: %w", err)
		}

		for _, rec := range batch {
			afterID = rec.Message.ID
			group := GroupName(a.cfg.GroupingStrategy(), rec.Message.Client)

			cache, err := a.cacheFor(ctx, caches, group)
			if err != nil {
				return result, err
			}
			if err := cache.Add(rec); err != nil {
				return result, fmt.Errorf("failed to add record %d to archive: %w", rec.Message.ID, err)
			}
			if cache.IsRotating() {
				if err := a.rotate(ctx, cache, result); err != nil {
					return result, err
				}
			}
		}

		if len(batch) < limit {
			break
		}
	}

	groups := make([]string, 0, len(caches))
	for g := range caches {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		if err := a.rotate(ctx, caches[g], result); err != nil {
			return result, err
		}
	}

	if len(result.Files) > 0 {
		a.logger.Info("Archiving completed",
			zap.Int("files", len(result.Files)),
			zap.Int("records", result.Records),
			zap.Duration("duration", time.Since(started)))
	}
	return result, nil
}

func (a *Archiver) cacheFor(ctx context.Context, caches map[string]*Cache, group string) (*Cache, error) {
	if c, ok := caches[group]; ok {
		return c, nil
	}

	seed, err := a.store.LastDigest(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to read last digest of group %q: %w", group, err)
	}

	var enc Encryptor
	if a.encryption != nil {
		enc, err = a.encryption.ForGroup(group)
		if err != nil {
			return nil, err
		}
	}

	c, err := NewCache(CacheOptions{
		Group:       group,
		Algorithm:   a.algo,
		Seed:        seed,
		MaxFileSize: a.cfg.MaxFileSize,
		WorkDir:     a.cfg.WorkingPath,
		Encryptor:   enc,
		Suffix:      a.suffix,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	caches[group] = c
	return c, nil
}

// rotate finalizes the cache's archive, moves it into the archive directory
// and persists the group's chain state together with the archived flags
func (a *Archiver) rotate(ctx context.Context, c *Cache, result *RunResult) error {
	archive, err := c.Rotate()
	if err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if archive == nil {
		return nil
	}

	dest, err := a.publish(archive)
	if err != nil {
		os.Remove(archive.Path)
		return err
	}

	// the chain state is only persisted once the file is in place; a started
	// close is completed even when the pass is being cancelled
	if err := a.store.CompleteArchiveFile(context.WithoutCancel(ctx), archive.Group, archive.DigestEntry(), archive.RecordIDs); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to mark records archived: %w", err)
	}

	result.Files = append(result.Files, dest)
	result.Records += len(archive.RecordIDs)
	a.metrics.RecordArchiveFile(archive.Group, len(archive.RecordIDs), archive.Size)
	a.logger.Info("Archive file created",
		zap.String("file", dest),
		zap.String("group", archive.Group),
		zap.Int("records", len(archive.RecordIDs)),
		zap.String("last_digest", archive.LastDigest))

	a.transfer(ctx, dest)
	return nil
}

func (a *Archiver) publish(archive *Archive) (string, error) {
	if err := os.MkdirAll(a.cfg.Path, 0o750); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	dest := filepath.Join(a.cfg.Path, archive.Name)
	if err := moveFile(archive.Path, dest); err != nil {
		return "", fmt.Errorf("failed to move archive file: %w", err)
	}
	return dest, nil
}

// moveFile renames src to dst, copying when they are on different file systems
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// transfer runs the configured transfer command for a new archive file.
// Failures are logged and never fail the archiving pass.
func (a *Archiver) transfer(ctx context.Context, file string) {
	if a.cfg.TransferCommand == "" {
		return
	}

	timeout := a.cfg.TransferTimeout
	if timeout <= 0 {
		timeout = config.Default().Archive.TransferTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.cfg.TransferCommand)
	cmd.Env = append(os.Environ(), "MSGLOG_ARCHIVE_FILE="+file)
	out, err := cmd.CombinedOutput()
	if err != nil {
		a.logger.Error("Archive transfer command failed",
			zap.String("file", file),
			zap.ByteString("output", out),
			zap.Error(err))
		return
	}
	a.logger.Debug("Archive transfer command completed", zap.String("file", file))
}
