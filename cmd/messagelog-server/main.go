// Package main provides the entry point for the message log service
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/archive"
	"github.com/msglog-engine/go-core/internal/body"
	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/db"
	"github.com/msglog-engine/go-core/internal/jobs"
	"github.com/msglog-engine/go-core/internal/logging"
	"github.com/msglog-engine/go-core/internal/logmanager"
	"github.com/msglog-engine/go-core/internal/metrics"
	"github.com/msglog-engine/go-core/internal/server"
	"github.com/msglog-engine/go-core/internal/store"
	"github.com/msglog-engine/go-core/internal/taskqueue"
	"github.com/msglog-engine/go-core/internal/timestamp"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		logLevel    = flag.String("log-level", "", "Override the configured log level")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("messagelog-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Message log stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Message log stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting message log",
		zap.String("version", Version),
		zap.String("database", cfg.Database.Driver),
		zap.Strings("tsa_urls", cfg.Timestamper.URLs),
	)

	conn, dialect, err := db.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	m := metrics.NewPrometheusMetrics("messagelog")

	encryptor, err := messageEncryptor(cfg.Encryption)
	if err != nil {
		return err
	}
	st := store.NewSQLStore(conn, dialect, store.Options{
		BatchSize: cfg.Database.BatchSize,
		Encryptor: encryptor,
		Logger:    logger.Named("store"),
	})

	tsa, err := newTimestampClient(cfg.Timestamper, logger)
	if err != nil {
		return err
	}

	manager, err := logmanager.New(logmanager.Options{
		Config:      cfg.Timestamper,
		Store:       st,
		Queue:       taskqueue.New(logger.Named("taskqueue")),
		Timestamper: tsa,
		Body:        body.NewManipulator(cfg.Body, logger.Named("body")),
		Metrics:     m,
		Logger:      logger.Named("logmanager"),
	})
	if err != nil {
		return err
	}
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover pending records: %w", err)
	}

	lease, closeLease, err := newLease(ctx, cfg.Jobs, logger)
	if err != nil {
		return err
	}
	defer closeLease()

	supervisor := jobs.NewSupervisor(jobs.SupervisorOptions{Logger: logger.Named("supervisor")})
	if err := supervisor.Add(logmanager.NewTimestamperJob(manager)); err != nil {
		return err
	}
	if err := addArchiveJobs(supervisor, cfg, st, lease, m, logger); err != nil {
		return err
	}

	health := server.NewHealthHandler(conn, logger)
	srv := server.New(server.Options{
		Config:       cfg.Server,
		Health:       health,
		Messages:     manager,
		Timestamping: manager,
		Jobs:         supervisor,
		Metrics:      m,
		Logger:       logger.Named("server"),
	})

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	health.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-supervisor.Done():
		runErr = supervisor.Err()
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := supervisor.Stop(shutdownCtx); err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		runErr = err
	}
	return runErr
}

func newTimestampClient(cfg config.TimestamperConfig, logger *zap.Logger) (*timestamp.Client, error) {
	var roots *x509.CertPool
	if len(cfg.TrustAnchorFiles) > 0 {
		var err error
		if roots, err = timestamp.LoadTrustAnchors(cfg.TrustAnchorFiles); err != nil {
			return nil, err
		}
	}
	return timestamp.NewClient(timestamp.Options{
		URLs:           cfg.URLs,
		Roots:          roots,
		Algorithm:      cfg.Algorithm(),
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		Logger:         logger.Named("timestamp"),
	})
}

func messageEncryptor(cfg config.MessageEncryption) (*store.MessageEncryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	keys := make(map[string][]byte, len(cfg.Keys))
	for id, raw := range cfg.Keys {
		key, err := config.DecodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("message encryption key %q: %w", id, err)
		}
		keys[id] = key
	}
	return store.NewMessageEncryptor(cfg.KeyID, keys)
}

// newLease returns a Redis lease when a Redis address is configured so that
// several nodes can share one database
func newLease(ctx context.Context, cfg config.JobsConfig, logger *zap.Logger) (jobs.Lease, func(), error) {
	if cfg.RedisAddr == "" {
		return jobs.NewLocalLease(), func() {}, nil
	}
	client, err := jobs.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Redis job leases", zap.String("addr", cfg.RedisAddr))
	return jobs.NewRedisLease(client, cfg.KeyPrefix, logger.Named("lease")), func() { client.Close() }, nil
}

func addArchiveJobs(s *jobs.Supervisor, cfg *config.Config, st store.ArchiveStore, lease jobs.Lease, m metrics.Metrics, logger *zap.Logger) error {
	encryption, err := archive.NewEncryptorProvider(cfg.Archive, logger.Named("encryption"))
	if err != nil {
		return err
	}

	archiver, err := archive.NewArchiver(archive.ArchiverOptions{
		Config:     cfg.Archive,
		Store:      st,
		Algorithm:  cfg.Timestamper.Algorithm(),
		Encryption: encryption,
		Metrics:    m,
		Logger:     logger.Named(archive.ArchiverJobName),
	})
	if err != nil {
		return err
	}
	cleaner, err := archive.NewCleaner(archive.CleanerOptions{
		Config:  cfg.Archive,
		Store:   st,
		Metrics: m,
		Logger:  logger.Named(archive.CleanerJobName),
	})
	if err != nil {
		return err
	}

	opts := jobs.ScheduleOptions{
		Lease:    lease,
		LeaseTTL: cfg.Jobs.LeaseTTL,
		Metrics:  m,
		Logger:   logger.Named("scheduler"),
	}
	for _, j := range []struct {
		job  jobs.Job
		spec string
	}{
		{archiver, cfg.Archive.Interval},
		{cleaner, cfg.Archive.CleanInterval},
	} {
		scheduled, err := jobs.NewScheduled(j.job, j.spec, opts)
		if err != nil {
			return err
		}
		if err := s.Add(scheduled); err != nil {
			return err
		}
	}
	return nil
}
