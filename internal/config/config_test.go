package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msglog-engine/go-core/pkg/types"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Database.BatchSize)
	assert.Equal(t, 10000, cfg.Timestamper.RecordsLimit)
	assert.Equal(t, 14400*time.Second, cfg.Timestamper.AcceptableFailurePeriod)
	assert.Equal(t, int64(33554432), cfg.Archive.MaxFileSize)
	assert.Equal(t, types.SHA512, cfg.Timestamper.Algorithm())
	assert.Equal(t, types.GroupingNone, cfg.Archive.GroupingStrategy())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  driver: sqlite
  dsn: /tmp/x.db
timestamper:
  urls: ["http://tsa.example.org"]
  trust_anchor_files: ["/etc/tsa.pem"]
  records_limit: 2
  acceptable_failure_period: 30m
  timestamp_immediately: true
archive:
  grouping: subsystem
  keep_records_for: 0s
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://tsa.example.org"}, cfg.Timestamper.URLs)
	assert.Equal(t, 2, cfg.Timestamper.RecordsLimit)
	assert.Equal(t, 30*time.Minute, cfg.Timestamper.AcceptableFailurePeriod)
	assert.True(t, cfg.Timestamper.TimestampImmediately)
	assert.Equal(t, types.GroupingSubsystem, cfg.Archive.GroupingStrategy())
	assert.Equal(t, time.Duration(0), cfg.Archive.KeepRecordsFor)
	assert.Equal(t, 20*time.Second, cfg.Timestamper.ConnectTimeout)
}

func TestValidate_BodyOverrides(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *BodyConfig)
		wantErr bool
	}{
		{
			name: "disable overrides while enabled",
			mutate: func(b *BodyConfig) {
				b.LoggingEnabled = true
				b.DisabledLocalProducers = []string{"EE/GOV/1234/SUB"}
			},
		},
		{
			name: "enable overrides while enabled",
			mutate: func(b *BodyConfig) {
				b.LoggingEnabled = true
				b.EnabledRemoteProducers = []string{"EE/GOV/1234/SUB"}
			},
			wantErr: true,
		},
		{
			name: "enable overrides while disabled",
			mutate: func(b *BodyConfig) {
				b.LoggingEnabled = false
				b.EnabledLocalProducers = []string{"EE/GOV/1234/SUB"}
			},
		},
		{
			name: "disable overrides while disabled",
			mutate: func(b *BodyConfig) {
				b.LoggingEnabled = false
				b.DisabledRemoteProducers = []string{"EE/GOV/1234/SUB"}
			},
			wantErr: true,
		},
		{
			name: "malformed identifier",
			mutate: func(b *BodyConfig) {
				b.LoggingEnabled = true
				b.DisabledLocalProducers = []string{"EE/GOV"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg.Body)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.CodeInvalidConfiguration, types.ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBodyConfig_OverridesFollowToggle(t *testing.T) {
	b := BodyConfig{
		LoggingEnabled:         true,
		DisabledLocalProducers: []string{"EE/GOV/1234/LOCAL"},
		EnabledLocalProducers:  []string{"EE/GOV/1234/IGNORED"},
	}
	assert.Equal(t, []types.ClientID{{Instance: "EE", MemberClass: "GOV", MemberCode: "1234", SubsystemCode: "LOCAL"}},
		b.LocalProducerOverrides())
	assert.Empty(t, b.RemoteProducerOverrides())

	b.LoggingEnabled = false
	assert.Equal(t, "IGNORED", b.LocalProducerOverrides()[0].SubsystemCode)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"unknown grouping", func(c *Config) { c.Archive.Grouping = "tenant" }},
		{"zero records limit", func(c *Config) { c.Timestamper.RecordsLimit = 0 }},
		{"tsa without anchors", func(c *Config) { c.Timestamper.URLs = []string{"http://tsa"} }},
		{"bad digest", func(c *Config) { c.Timestamper.DigestAlgorithm = "MD5" }},
		{"encryption without key", func(c *Config) {
			c.Encryption.Enabled = true
			c.Encryption.KeyID = "k1"
		}},
		{"archive encryption without keys", func(c *Config) { c.Archive.EncryptionEnabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var coded *types.CodedError
			assert.True(t, errors.As(err, &coded))
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messagelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: file.db\n"), 0o600))

	t.Setenv("MSGLOG_DATABASE_DSN", "env.db")
	t.Setenv("MSGLOG_TIMESTAMP_IMMEDIATELY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database.DSN)
	assert.True(t, cfg.Timestamper.TimestampImmediately)
}

func TestClampedInterval(t *testing.T) {
	cfg := Default()
	cfg.Timestamper.Interval = time.Second
	assert.Equal(t, 60*time.Second, cfg.Timestamper.ClampedInterval())

	cfg.Timestamper.Interval = 48 * time.Hour
	assert.Equal(t, 24*time.Hour, cfg.Timestamper.ClampedInterval())
}

func TestValidate_Schedules(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		wantErr  bool
	}{
		{"six fields", "0 0 */6 * * *", false},
		{"five fields", "30 2 * * *", false},
		{"descriptor", "@every 1h", false},
		{"garbage", "every now and then", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Archive.Interval = tt.interval
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.CodeInvalidConfiguration, types.ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "messagelog.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Len(t, cfg.Timestamper.URLs, 2)
	assert.Equal(t, 4*time.Hour, cfg.Timestamper.AcceptableFailurePeriod)
	assert.Equal(t, types.GroupingMember, cfg.Archive.GroupingStrategy())
	assert.Equal(t, 720*time.Hour, cfg.Archive.KeepRecordsFor)
	assert.Contains(t, cfg.Archive.GroupingKeyFiles, "EE/GOV/1234567-8")
	assert.Len(t, cfg.Body.LocalProducerOverrides(), 1)
}
