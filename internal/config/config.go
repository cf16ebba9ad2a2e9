// Package config loads writingstudy settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Registration RegistrationConfig `yaml:"registration"`
	Blob         BlobConfig         `yaml:"blob"`
	Feedback     FeedbackConfig     `yaml:"feedback"`
	Exports      ExportsConfig      `yaml:"exports"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StorageConfig selects the participant store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RegistrationConfig bounds registration retries and duration.
type RegistrationConfig struct {
	Timeout     string `yaml:"timeout"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
}

// BlobConfig selects the artifact store for exports.
type BlobConfig struct {
	Driver string       `yaml:"driver"` // fs|memory|s3
	FSRoot string       `yaml:"fs_root"`
	S3     BlobS3Config `yaml:"s3"`
}

// BlobS3Config configures the S3 artifact store.
type BlobS3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
}

// FeedbackConfig configures the written-feedback generator.
type FeedbackConfig struct {
	APIKey          string   `yaml:"api_key"`
	Model           string   `yaml:"model"`
	Timeout         string   `yaml:"timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	TaskContextPath string   `yaml:"task_context_path"`
	TaskPagesDir    string   `yaml:"task_pages_dir"`
	RequiredWords   []string `yaml:"required_words"`
}

// ExportsConfig tunes the export worker.
type ExportsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures zap and the optional JSON span log.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	TracePath   string `yaml:"trace_path"`
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	Backend string `yaml:"backend"` // prometheus|expvar|none
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: "15s",
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			SQLitePath:  "writingstudy.db",
			PostgresDSN: "postgres://localhost/writingstudy?sslmode=disable",
		},
		Registration: RegistrationConfig{
			Timeout:     "10s",
			MaxAttempts: 5,
			Backoff:     "25ms",
			MaxBackoff:  "500ms",
		},
		Blob: BlobConfig{
			Driver: "fs",
			FSRoot: "./blobdata",
		},
		Feedback: FeedbackConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     "60s",
			MaxAttempts: 3,
		},
		Exports: ExportsConfig{QueueSize: 16},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Backend: "prometheus"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("WRITINGSTUDY_ADDR", &c.Server.Addr)
	str("WRITINGSTUDY_STORAGE_DRIVER", &c.Storage.Driver)
	str("WRITINGSTUDY_SQLITE_PATH", &c.Storage.SQLitePath)
	str("WRITINGSTUDY_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("WRITINGSTUDY_REGISTRATION_TIMEOUT", &c.Registration.Timeout)
	str("WRITINGSTUDY_REGISTRATION_BACKOFF", &c.Registration.Backoff)
	str("WRITINGSTUDY_BLOB_DRIVER", &c.Blob.Driver)
	str("WRITINGSTUDY_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("WRITINGSTUDY_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("WRITINGSTUDY_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("WRITINGSTUDY_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("WRITINGSTUDY_BLOB_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("WRITINGSTUDY_BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	str("WRITINGSTUDY_BLOB_S3_PREFIX", &c.Blob.S3.Prefix)
	str("GEMINI_API_KEY", &c.Feedback.APIKey)
	str("WRITINGSTUDY_FEEDBACK_MODEL", &c.Feedback.Model)
	str("WRITINGSTUDY_FEEDBACK_TASK_CONTEXT", &c.Feedback.TaskContextPath)
	str("WRITINGSTUDY_FEEDBACK_TASK_PAGES", &c.Feedback.TaskPagesDir)
	str("WRITINGSTUDY_LOG_LEVEL", &c.Logging.Level)
	str("WRITINGSTUDY_TRACE_PATH", &c.Logging.TracePath)
	str("WRITINGSTUDY_METRICS_BACKEND", &c.Metrics.Backend)

	if v := os.Getenv("WRITINGSTUDY_REGISTRATION_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WRITINGSTUDY_REGISTRATION_MAX_ATTEMPTS: %w", err)
		}
		c.Registration.MaxAttempts = n
	}
	if v := os.Getenv("WRITINGSTUDY_BLOB_S3_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WRITINGSTUDY_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	return nil
}

// Validate checks enumerations and duration strings.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Blob.Driver) {
	case "fs", "memory", "s3":
	default:
		return fmt.Errorf("invalid blob.driver %q", c.Blob.Driver)
	}
	switch strings.ToLower(c.Metrics.Backend) {
	case "", "prometheus", "expvar", "none":
	default:
		return fmt.Errorf("invalid metrics.backend %q", c.Metrics.Backend)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket required when blob.driver is s3")
	}
	if c.Registration.MaxAttempts < 1 {
		return fmt.Errorf("registration.max_attempts must be at least 1")
	}
	for name, raw := range map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"registration.timeout":     c.Registration.Timeout,
		"registration.backoff":     c.Registration.Backoff,
		"registration.max_backoff": c.Registration.MaxBackoff,
		"feedback.timeout":         c.Feedback.Timeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	return fallback
}

// RegistrationTimeout returns the bound on a whole registration.
func (c *Config) RegistrationTimeout() time.Duration {
	return duration(c.Registration.Timeout, 10*time.Second)
}

// RegistrationBackoff returns the first retry delay.
func (c *Config) RegistrationBackoff() time.Duration {
	return duration(c.Registration.Backoff, 25*time.Millisecond)
}

// RegistrationMaxBackoff returns the retry delay cap.
func (c *Config) RegistrationMaxBackoff() time.Duration {
	return duration(c.Registration.MaxBackoff, 500*time.Millisecond)
}

// ShutdownTimeout returns how long the server drains on exit.
func (c *Config) ShutdownTimeout() time.Duration {
	return duration(c.Server.ShutdownTimeout, 15*time.Second)
}

// FeedbackTimeout returns the per-request bound on feedback generation.
func (c *Config) FeedbackTimeout() time.Duration {
	return duration(c.Feedback.Timeout, 60*time.Second)
}
