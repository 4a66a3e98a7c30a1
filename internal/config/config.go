// Package config loads the immutable message log configuration
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/msglog-engine/go-core/pkg/types"
)

// ScheduleParser parses archive and clean schedules. Both five field and
// six field (leading seconds) expressions and descriptors like "@every 1h"
// are accepted.
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is built once at process start and passed by pointer to every
// component constructor. It must not be mutated after Validate.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Timestamper TimestamperConfig `yaml:"timestamper"`
	Body        BodyConfig        `yaml:"body"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Encryption  MessageEncryption `yaml:"message_encryption"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig configures the record store
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres or sqlite
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	BatchSize    int    `yaml:"batch_size"` // timestamp link update batch size (default: 50)
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

// TimestamperConfig configures the TSA client and the timestamping job
type TimestamperConfig struct {
	URLs                    []string      `yaml:"urls"`
	TrustAnchorFiles        []string      `yaml:"trust_anchor_files"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	DigestAlgorithm         string        `yaml:"digest_algorithm"`
	TimestampImmediately    bool          `yaml:"timestamp_immediately"`
	RecordsLimit            int           `yaml:"records_limit"`
	AcceptableFailurePeriod time.Duration `yaml:"acceptable_failure_period"`
	Interval                time.Duration `yaml:"interval"`
	RetryDelay              time.Duration `yaml:"retry_delay"`
	MinInterval             time.Duration `yaml:"min_interval"`
	MaxInterval             time.Duration `yaml:"max_interval"`
}

// BodyConfig configures message body logging and its per-subsystem overrides
type BodyConfig struct {
	LoggingEnabled          bool     `yaml:"logging_enabled"`
	MaxLoggableBodySize     int64    `yaml:"max_loggable_body_size"`
	TruncatedBodyAllowed    bool     `yaml:"truncated_body_allowed"`
	EnabledLocalProducers   []string `yaml:"enabled_local_producer_subsystems"`
	EnabledRemoteProducers  []string `yaml:"enabled_remote_producer_subsystems"`
	DisabledLocalProducers  []string `yaml:"disabled_local_producer_subsystems"`
	DisabledRemoteProducers []string `yaml:"disabled_remote_producer_subsystems"`
}

// ArchiveConfig configures archiving and cleaning
type ArchiveConfig struct {
	Path                 string              `yaml:"path"`
	WorkingPath          string              `yaml:"working_path"`
	MaxFileSize          int64               `yaml:"max_filesize"`
	Grouping             string              `yaml:"grouping"`
	Interval             string              `yaml:"interval"`       // cron expression
	CleanInterval        string              `yaml:"clean_interval"` // cron expression
	KeepRecordsFor       time.Duration       `yaml:"keep_records_for"`
	TransactionBatchSize int                 `yaml:"transaction_batch_size"`
	CleanBatchSize       int                 `yaml:"clean_batch_size"`
	TransferCommand      string              `yaml:"transfer_command"`
	TransferTimeout      time.Duration       `yaml:"transfer_timeout"`
	EncryptionEnabled    bool                `yaml:"encryption_enabled"`
	EncryptionMode       string              `yaml:"encryption_mode"` // openpgp or gpg
	GPGHomeDir           string              `yaml:"gpg_home_dir"`
	GPGTimeout           time.Duration       `yaml:"gpg_timeout"`
	DefaultKeyFile       string              `yaml:"default_key_file"`
	DefaultKeyIDs        []string            `yaml:"default_key_ids"`
	GroupingKeyFiles     map[string]string   `yaml:"grouping_key_files"`
	GroupingKeyIDs       map[string][]string `yaml:"grouping_key_ids"`
}

// MessageEncryption configures at-rest encryption of stored message bodies
type MessageEncryption struct {
	Enabled bool              `yaml:"enabled"`
	KeyID   string            `yaml:"key_id"`
	Keys    map[string]string `yaml:"keys"` // key id -> base64 AES-256 key
}

// JobsConfig configures the job supervisor
type JobsConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestBytes caps the body of a logged message request
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// LoggingConfig configures zap output
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"` // json or console
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	FileMaxBackups int    `yaml:"file_max_backups"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "messagelog.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			BatchSize:    50,
			AutoMigrate:  true,
		},
		Timestamper: TimestamperConfig{
			ConnectTimeout:          20 * time.Second,
			ReadTimeout:             60 * time.Second,
			DigestAlgorithm:         string(types.SHA512),
			RecordsLimit:            10000,
			AcceptableFailurePeriod: 14400 * time.Second,
			Interval:                60 * time.Second,
			RetryDelay:              60 * time.Second,
			MinInterval:             60 * time.Second,
			MaxInterval:             86400 * time.Second,
		},
		Body: BodyConfig{
			LoggingEnabled:      true,
			MaxLoggableBodySize: 10 * 1024 * 1024,
		},
		Archive: ArchiveConfig{
			Path:                 "/var/lib/messagelog/archive",
			WorkingPath:          "/var/tmp/messagelog",
			MaxFileSize:          33554432,
			Grouping:             string(types.GroupingNone),
			Interval:             "0 0 */6 * * *",
			CleanInterval:        "0 30 */12 * * *",
			KeepRecordsFor:       30 * 24 * time.Hour,
			TransactionBatchSize: 10000,
			CleanBatchSize:       10000,
			TransferTimeout:      5 * time.Minute,
			EncryptionMode:       "openpgp",
			GPGTimeout:           2 * time.Minute,
		},
		Jobs: JobsConfig{
			LeaseTTL:  10 * time.Minute,
			KeyPrefix: "messagelog:",
		},
		Server: ServerConfig{
			Addr:            ":8085",
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBytes: 64 << 20,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			FileMaxSizeMB:  100,
			FileMaxAgeDays: 30,
			FileMaxBackups: 10,
		},
	}
}

// Load reads a YAML file over the defaults, applies MSGLOG_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse builds a validated configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MSGLOG_DATABASE_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := lookup("MSGLOG_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("MSGLOG_TSA_URLS"); ok {
		c.Timestamper.URLs = splitList(v)
	}
	if v, ok := lookup("MSGLOG_TIMESTAMP_IMMEDIATELY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MSGLOG_TIMESTAMP_IMMEDIATELY: %w", err)
		}
		c.Timestamper.TimestampImmediately = b
	}
	if v, ok := lookup("MSGLOG_ARCHIVE_PATH"); ok {
		c.Archive.Path = v
	}
	if v, ok := lookup("MSGLOG_REDIS_ADDR"); ok {
		c.Jobs.RedisAddr = v
	}
	if v, ok := lookup("MSGLOG_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return nil
}

// Validate fails fast on inconsistent settings
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return types.InvalidConfiguration(fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		return types.InvalidConfiguration("database dsn is required")
	}
	if c.Database.BatchSize <= 0 {
		c.Database.BatchSize = 50
	}

	if _, err := types.ParseDigestAlgorithm(c.Timestamper.DigestAlgorithm); err != nil {
		return types.InvalidConfiguration(err.Error())
	}
	if c.Timestamper.RecordsLimit <= 0 {
		return types.InvalidConfiguration("timestamp records limit must be positive")
	}
	if c.Timestamper.AcceptableFailurePeriod < 0 {
		return types.InvalidConfiguration("acceptable timestamp failure period must not be negative")
	}
	if c.Timestamper.MinInterval > c.Timestamper.MaxInterval {
		return types.InvalidConfiguration("timestamper min interval exceeds max interval")
	}
	if len(c.Timestamper.URLs) > 0 && len(c.Timestamper.TrustAnchorFiles) == 0 {
		return types.InvalidConfiguration("tsa trust anchors are required when tsa urls are configured")
	}

	if err := c.Body.validate(); err != nil {
		return err
	}

	if !types.GroupingStrategy(c.Archive.Grouping).Valid() {
		return types.InvalidConfiguration(fmt.Sprintf("unknown archive grouping %q", c.Archive.Grouping))
	}
	if c.Archive.MaxFileSize <= 0 {
		return types.InvalidConfiguration("archive max file size must be positive")
	}
	if _, err := ScheduleParser.Parse(c.Archive.Interval); err != nil {
		return types.InvalidConfiguration(fmt.Sprintf("invalid archive interval %q: %v", c.Archive.Interval, err))
	}
	if _, err := ScheduleParser.Parse(c.Archive.CleanInterval); err != nil {
		return types.InvalidConfiguration(fmt.Sprintf("invalid clean interval %q: %v", c.Archive.CleanInterval, err))
	}
	if c.Archive.KeepRecordsFor < 0 {
		return types.InvalidConfiguration("keep records for must not be negative")
	}
	if c.Archive.EncryptionEnabled {
		switch c.Archive.EncryptionMode {
		case "openpgp":
			if c.Archive.DefaultKeyFile == "" && len(c.Archive.GroupingKeyFiles) == 0 {
				return types.InvalidConfiguration("archive encryption requires a default key file or grouping key files")
			}
		case "gpg":
			if len(c.Archive.DefaultKeyIDs) == 0 && len(c.Archive.GroupingKeyIDs) == 0 {
				return types.InvalidConfiguration("archive encryption requires default key ids or grouping key ids")
			}
		default:
			return types.InvalidConfiguration(fmt.Sprintf("unknown archive encryption mode %q", c.Archive.EncryptionMode))
		}
	}

	if c.Encryption.Enabled {
		raw, ok := c.Encryption.Keys[c.Encryption.KeyID]
		if !ok {
			return types.InvalidConfiguration(fmt.Sprintf("message encryption key %q is not configured", c.Encryption.KeyID))
		}
		if _, err := DecodeKey(raw); err != nil {
			return types.InvalidConfiguration(err.Error())
		}
	}

	return nil
}

// validate rejects override lists that do not apply in the current toggle state
func (b *BodyConfig) validate() error {
	if b.LoggingEnabled && (len(b.EnabledLocalProducers) > 0 || len(b.EnabledRemoteProducers) > 0) {
		return types.InvalidConfiguration("body logging is enabled, enabled-body-logging overrides must be empty")
	}
	if !b.LoggingEnabled && (len(b.DisabledLocalProducers) > 0 || len(b.DisabledRemoteProducers) > 0) {
		return types.InvalidConfiguration("body logging is disabled, disabled-body-logging overrides must be empty")
	}
	for _, list := range [][]string{b.EnabledLocalProducers, b.EnabledRemoteProducers, b.DisabledLocalProducers, b.DisabledRemoteProducers} {
		for _, s := range list {
			if _, err := types.ParseClientID(s); err != nil {
				return types.InvalidConfiguration(err.Error())
			}
		}
	}
	if b.MaxLoggableBodySize <= 0 {
		return types.InvalidConfiguration("max loggable body size must be positive")
	}
	return nil
}

// LocalProducerOverrides returns the override list applying to the
// server-side (local producer) direction in the current toggle state
func (b *BodyConfig) LocalProducerOverrides() []types.ClientID {
	if b.LoggingEnabled {
		return mustParseIDs(b.DisabledLocalProducers)
	}
	return mustParseIDs(b.EnabledLocalProducers)
}

// RemoteProducerOverrides returns the override list applying to the
// client-side (remote producer) direction in the current toggle state
func (b *BodyConfig) RemoteProducerOverrides() []types.ClientID {
	if b.LoggingEnabled {
		return mustParseIDs(b.DisabledRemoteProducers)
	}
	return mustParseIDs(b.EnabledRemoteProducers)
}

// Algorithm returns the parsed timestamper digest algorithm
func (t *TimestamperConfig) Algorithm() types.DigestAlgorithm {
	a, err := types.ParseDigestAlgorithm(t.DigestAlgorithm)
	if err != nil {
		return types.SHA512
	}
	return a
}

// ClampedInterval bounds the timestamping interval to [MinInterval, MaxInterval]
func (t *TimestamperConfig) ClampedInterval() time.Duration {
	return t.Clamp(t.Interval)
}

// Clamp bounds d to [MinInterval, MaxInterval]
func (t *TimestamperConfig) Clamp(d time.Duration) time.Duration {
	if d < t.MinInterval {
		d = t.MinInterval
	}
	if t.MaxInterval > 0 && d > t.MaxInterval {
		d = t.MaxInterval
	}
	return d
}

// GroupingStrategy returns the archive grouping as a typed value
func (a *ArchiveConfig) GroupingStrategy() types.GroupingStrategy {
	return types.GroupingStrategy(a.Grouping)
}

// DecodeKey decodes a base64 AES-256 key
func DecodeKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func mustParseIDs(list []string) []types.ClientID {
	ids := make([]types.ClientID, 0, len(list))
	for _, s := range list {
		id, err := types.ParseClientID(s)
		if err != nil {
			// rejected by Validate
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
