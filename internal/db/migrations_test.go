package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/config"
)

func TestListMigrations(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		files, err := ListMigrations(dialect)
		require.NoError(t, err)
		assert.Contains(t, files, "000001_create_logrecord.up.sql")
		assert.Contains(t, files, "000002_create_last_archive_digest.down.sql")
	}
}

func TestOpen_SQLiteMigratesSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "messagelog.db")

	conn, dialect, err := Open(config.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         dsn,
		AutoMigrate: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, DialectSQLite, dialect)

	for _, table := range []string{TableLogRecord, TableMessageAttachment, TableLastArchiveDigest} {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestMigrationRunner_UpDown(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "migrate.db")
	conn, err := openRaw(DialectSQLite, dsn)
	require.NoError(t, err)

	runner, err := NewMigrationRunner(conn, DialectSQLite, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer runner.Close()

	require.NoError(t, runner.Up())
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// idempotent
	require.NoError(t, runner.Up())

	require.NoError(t, runner.Down())
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, _, err := Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	require.Error(t, err)
}
