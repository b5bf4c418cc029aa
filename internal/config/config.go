package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/validation"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Auth            AuthConfig            `yaml:"auth"`
	Scope           ScopeConfig           `yaml:"scope"`
	Sync            SyncConfig            `yaml:"sync"`
	Worker          WorkerConfig          `yaml:"worker"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Log             LogConfig             `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings. The server checks the key and
// the client sends it.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// ScopeConfig declares the scope this node synchronizes.
type ScopeConfig struct {
	Name       string          `yaml:"name"`
	Tables     []string        `yaml:"tables"`
	Filters    []schema.Filter `yaml:"filters"`
	Parameters map[string]any  `yaml:"parameters"`
}

// Setup returns the schema setup of the scope.
func (s ScopeConfig) Setup() schema.Setup {
	return schema.Setup{ScopeName: s.Name, Tables: s.Tables, Filters: s.Filters}
}

// SyncConfig contains synchronization settings.
type SyncConfig struct {
	ConflictPolicy string   `yaml:"conflict_policy"`
	BatchMaxRows   int      `yaml:"batch_max_rows"`
	BatchMaxBytes  int      `yaml:"batch_max_bytes"`
	BatchDir       string   `yaml:"batch_dir"`
	SnapshotsDir   string   `yaml:"snapshots_dir"`
	RemoteURL      string   `yaml:"remote_url"`
	MaxRowErrors   int      `yaml:"max_row_errors"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
}

// Policy returns the configured conflict policy.
func (s SyncConfig) Policy() sync.ConflictPolicy {
	return sync.ConflictPolicy(s.ConflictPolicy)
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`

	// SessionTTL expires sync sessions idle for longer, on each cleanup cycle.
	SessionTTL Duration `yaml:"session_ttl"`
}

// SnapshotStorageConfig contains S3-compatible storage settings for snapshot parts.
// An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // stdout or otlp
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("ROWSYNC_CONFIG_PATH", "config/rowsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/rowsync.db",
		},
		Sync: SyncConfig{
			ConflictPolicy: string(sync.ResolutionServerWins),
			BatchMaxRows:   1000,
			BatchMaxBytes:  4 << 20,
			BatchDir:       "data/batches",
			SnapshotsDir:   "data/snapshots",
			RequestTimeout: Duration(60 * time.Second),
			MaxRetries:     5,
		},
		Worker: WorkerConfig{
			SnapshotInterval: Duration(1 * time.Hour),
			CleanupInterval:  Duration(24 * time.Hour),
			SessionTTL:       Duration(1 * time.Hour),
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "rowsync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("ROWSYNC_PORT", &cfg.Server.Port)
	envDuration("ROWSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("ROWSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("ROWSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("ROWSYNC_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("ROWSYNC_API_KEY", &cfg.Auth.APIKey)

	// Scope
	envString("ROWSYNC_SCOPE", &cfg.Scope.Name)
	if v := os.Getenv("ROWSYNC_SCOPE_TABLES"); v != "" {
		cfg.Scope.Tables = splitList(v)
	}

	// Sync
	envString("ROWSYNC_CONFLICT_POLICY", &cfg.Sync.ConflictPolicy)
	envInt("ROWSYNC_BATCH_MAX_ROWS", &cfg.Sync.BatchMaxRows)
	envInt("ROWSYNC_BATCH_MAX_BYTES", &cfg.Sync.BatchMaxBytes)
	envString("ROWSYNC_BATCH_DIR", &cfg.Sync.BatchDir)
	envString("ROWSYNC_SNAPSHOTS_DIR", &cfg.Sync.SnapshotsDir)
	envString("ROWSYNC_REMOTE_URL", &cfg.Sync.RemoteURL)
	envInt("ROWSYNC_MAX_ROW_ERRORS", &cfg.Sync.MaxRowErrors)
	envDuration("ROWSYNC_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout)
	envInt("ROWSYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)

	// Worker
	envDuration("ROWSYNC_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envDuration("ROWSYNC_CLEANUP_INTERVAL", &cfg.Worker.CleanupInterval)
	envDuration("ROWSYNC_SESSION_TTL", &cfg.Worker.SessionTTL)

	// Snapshot storage
	envString("ROWSYNC_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("ROWSYNC_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("ROWSYNC_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("ROWSYNC_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("ROWSYNC_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("ROWSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("ROWSYNC_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// Tracing
	if v := os.Getenv("ROWSYNC_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	envString("ROWSYNC_TRACING_EXPORTER", &cfg.Tracing.Exporter)
	envString("ROWSYNC_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	// Log
	envString("ROWSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("ROWSYNC_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
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

// validate checks configuration values. In dev mode (ROWSYNC_DEV_MODE=true)
// the API key is not required.
func (c *Config) validate() error {
	var v validation.Collector

	v.Add(validation.ValidateEnum("sync.conflict_policy", c.Sync.ConflictPolicy, []string{
		string(sync.ResolutionServerWins), string(sync.ResolutionClientWins),
	}))
	v.Add(validation.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"}))
	v.Add(validation.ValidateEnum("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"}))
	if c.Tracing.Enabled {
		v.Add(validation.ValidateEnum("tracing.exporter", c.Tracing.Exporter, []string{"stdout", "otlp"}))
	}
	if c.Scope.Name != "" {
		v.Add(validation.ValidateIdentifier("scope.name", c.Scope.Name))
	}
	if c.Sync.BatchMaxRows < 0 {
		v.Addf("sync.batch_max_rows", "must not be negative")
	}
	if c.Sync.BatchMaxBytes < 0 {
		v.Addf("sync.batch_max_bytes", "must not be negative")
	}
	if c.Sync.MaxRowErrors < 0 {
		v.Addf("sync.max_row_errors", "must not be negative")
	}
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if os.Getenv("ROWSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("ROWSYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
