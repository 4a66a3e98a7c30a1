package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver for database/sql
	_ "modernc.org/sqlite" // SQLite driver for database/sql
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
)

// Dialect is the SQL flavour of a record store database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Table names
const (
	TableLogRecord         = "logrecord"
	TableMessageAttachment = "message_attachment"
	TableLastArchiveDigest = "last_archive_digest"
)

// Record discriminators in the logrecord table
const (
	DiscriminatorMessage   = "m"
	DiscriminatorTimestamp = "t"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA wal_autocheckpoint=1000;",
}

// Open connects to the configured database and, when enabled, applies
// pending migrations first
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, Dialect, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect := Dialect(cfg.Driver)

	if cfg.AutoMigrate {
		if err := MigrateUp(dialect, cfg.DSN, logger); err != nil {
			return nil, "", fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	conn, err := openRaw(dialect, cfg.DSN)
	if err != nil {
		return nil, "", err
	}

	if dialect == DialectPostgres {
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	logger.Info("Database connection established", zap.String("dialect", string(dialect)))
	return conn, dialect, nil
}

func openRaw(dialect Dialect, dsn string) (*sql.DB, error) {
	var driverName string
	switch dialect {
	case DialectPostgres:
		driverName = "postgres"
	case DialectSQLite:
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		// single writer; serializes transactions on one connection
		conn.SetMaxOpenConns(1)
		for _, p := range sqlitePragmas {
			if _, err := conn.Exec(p); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("set %s: %w", p, err)
			}
		}
	}
	return conn, nil
}
