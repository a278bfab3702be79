// Package config handles loading, validating, and applying
// configuration for agentctl.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/agentctl/internal/pool"
	"github.com/terrpan/agentctl/internal/remote"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	SSH       SSHConfig       `yaml:"ssh"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
	Status    StatusConfig    `yaml:"status"`
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

// PoolConfig locates the machine-pool API and its credential.
type PoolConfig struct {
	// URL is the pool API root (e.g. "http://admin.ci.centos.org:8080").
	URL string `yaml:"url"`

	// KeyFile is the path of the single-line credential file read once
	// at startup.  Absence is a fatal startup error.
	KeyFile string `yaml:"key_file"`

	// RetryWaitsSec overrides the allocation retry ladder (seconds).
	// Empty selects the default 60/300/600/1800/3600 ladder.
	RetryWaitsSec []int `yaml:"retry_waits_sec"`
}

// ---------------------------------------------------------------------------
// SSH
// ---------------------------------------------------------------------------

// SSHConfig controls the remote-shell wrapper.
type SSHConfig struct {
	// User is the remote login user.  Default: "root".
	User string `yaml:"user"`

	// ConnectTimeoutSec bounds each connection attempt.  Default: 180.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
}

// ---------------------------------------------------------------------------
// Workflow
// ---------------------------------------------------------------------------

// WorkflowConfig locates the CI scripts cloned onto leased nodes.
type WorkflowConfig struct {
	// RepoBase is the git hosting prefix the CI repo is cloned from.
	// Default: "https://github.com/systemd/".
	RepoBase string `yaml:"repo_base"`

	// CIRepo is the repository holding the bootstrap/testsuite scripts.
	// Default: "systemd-centos-ci".
	CIRepo string `yaml:"ci_repo"`
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// ArtifactsConfig controls local artifact storage and indexing.
type ArtifactsConfig struct {
	// BaseDir is where the per-job artifacts_* directory is created.
	// Default: ".".
	BaseDir string `yaml:"base_dir"`

	// IndexScript is the external HTML index generator, invoked as
	// `script <artifactsDir> index.html` when present on disk.
	// Default: "utils/generate-index.sh".
	IndexScript string `yaml:"index_script"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Status endpoint
// ---------------------------------------------------------------------------

// StatusConfig controls the HTTP status endpoint served while a job
// runs (liveness for the CI supervisor plus Prometheus metrics).
type StatusConfig struct {
	// Port serves /healthz and /metrics when > 0.  Default: 0 (off).
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed
// Config.  A missing file is not an error -- defaults and flags can
// supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Pool.URL == "" {
		c.Pool.URL = "http://admin.ci.centos.org:8080"
	}
	if c.Pool.KeyFile == "" {
		c.Pool.KeyFile = "/home/systemd/duffy.key"
	}
	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
	if c.SSH.ConnectTimeoutSec == 0 {
		c.SSH.ConnectTimeoutSec = 180
	}
	if c.Workflow.RepoBase == "" {
		c.Workflow.RepoBase = "https://github.com/systemd/"
	}
	if c.Workflow.CIRepo == "" {
		c.Workflow.CIRepo = "systemd-centos-ci"
	}
	if c.Artifacts.BaseDir == "" {
		c.Artifacts.BaseDir = "."
	}
	if c.Artifacts.IndexScript == "" {
		c.Artifacts.IndexScript = "utils/generate-index.sh"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.Pool.URL); err != nil {
		return fmt.Errorf("pool.url: invalid URL %q: %w", c.Pool.URL, err)
	}
	for i, w := range c.Pool.RetryWaitsSec {
		if w <= 0 {
			return fmt.Errorf("pool.retry_waits_sec[%d] must be positive", i)
		}
	}
	if c.SSH.ConnectTimeoutSec < 0 {
		return fmt.Errorf("ssh.connect_timeout_sec must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (text, json)", c.Logging.Format)
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port %d out of range", c.Status.Port)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ReadKey loads the pool credential: a single-line secret read once at
// startup.  A missing file is a fatal startup error.
func (c *Config) ReadKey() (string, error) {
	data, err := os.ReadFile(c.Pool.KeyFile)
	if err != nil {
		return "", fmt.Errorf("reading pool key from %s: %w", c.Pool.KeyFile, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("pool key file %s is empty", c.Pool.KeyFile)
	}
	return key, nil
}

// RetryWaits converts the configured ladder to durations.  Nil selects
// the pool package default.
func (c *Config) RetryWaits() []time.Duration {
	if len(c.Pool.RetryWaitsSec) == 0 {
		return nil
	}
	waits := make([]time.Duration, len(c.Pool.RetryWaitsSec))
	for i, w := range c.Pool.RetryWaitsSec {
		waits[i] = time.Duration(w) * time.Second
	}
	return waits
}

// NewPoolClient creates a pool.Client using the configured endpoint and
// the given credential.
func (c *Config) NewPoolClient(key string, logger *slog.Logger) *pool.Client {
	return pool.New(pool.Config{
		BaseURL:    c.Pool.URL,
		Key:        key,
		RetryWaits: c.RetryWaits(),
		Logger:     logger.WithGroup("pool"),
	})
}

// NewExecutor creates a remote.Executor. Artifact fetching stays
// disabled until a per-job directory is bound to it.
func (c *Config) NewExecutor(logger *slog.Logger) *remote.Executor {
	return remote.New(remote.Config{
		User:              c.SSH.User,
		ConnectTimeoutSec: c.SSH.ConnectTimeoutSec,
		Logger:            logger.WithGroup("remote"),
	})
}
