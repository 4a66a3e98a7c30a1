// Package storetest opens throwaway record stores for tests
package storetest

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/db"
	"github.com/msglog-engine/go-core/internal/store"
)

// PostgresDSNEnv names the variable enabling PostgreSQL backed tests
const PostgresDSNEnv = "MSGLOG_TEST_POSTGRES_DSN"

// NewSQLite returns a migrated SQLite store in a temporary directory
func NewSQLite(t testing.TB, opts store.Options) (*store.SQLStore, *sql.DB) {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:      string(db.DialectSQLite),
		DSN:         filepath.Join(t.TempDir(), "messagelog.db"),
		AutoMigrate: true,
	}
	return open(t, cfg, opts)
}

// NewPostgres returns a store on the database named by MSGLOG_TEST_POSTGRES_DSN
// and skips the test when it is not set. Existing rows are removed.
func NewPostgres(t testing.TB, opts store.Options) (*store.SQLStore, *sql.DB) {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", PostgresDSNEnv)
	}

	cfg := config.DatabaseConfig{
		Driver:       string(db.DialectPostgres),
		DSN:          dsn,
		MaxOpenConns: 5,
		AutoMigrate:  true,
	}
	s, conn := open(t, cfg, opts)

	_, err := conn.Exec(`TRUNCATE message_attachment, last_archive_digest, logrecord`)
	require.NoError(t, err)
	return s, conn
}

func open(t testing.TB, cfg config.DatabaseConfig, opts store.Options) (*store.SQLStore, *sql.DB) {
	logger := zaptest.NewLogger(t)

	conn, dialect, err := db.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	if opts.Logger == nil {
		opts.Logger = logger
	}
	return store.NewSQLStore(conn, dialect, opts), conn
}
