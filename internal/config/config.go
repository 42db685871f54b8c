// Package config provides orchestrator configuration loaded from defaults,
// an optional YAML file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Dialect identifies the database backend.
type Dialect string

const (
	// DialectSQLite is the embedded single-process backend.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres is the shared multi-worker backend.
	DialectPostgres Dialect = "postgres"
)

// Config holds all orchestrator knobs. Zero values are replaced by
// defaults in Default(); Load applies YAML then environment overrides.
type Config struct {
	// DatabaseURL selects the backend: postgres://… or a sqlite file path
	// (optionally prefixed sqlite://).
	DatabaseURL string `yaml:"database_url"`

	// ListenAddr is the bind address for the webhook/callback/metrics listener.
	ListenAddr string `yaml:"listen_addr"`

	Worker    WorkerConfig    `yaml:"worker"`
	Leader    LeaderConfig    `yaml:"leader"`
	Lease     LeaseConfig     `yaml:"lease"`
	Retention RetentionConfig `yaml:"retention"`
	LLM       LLMConfig       `yaml:"llm"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	FileWatch FileWatchConfig `yaml:"file_watch"`
}

// WorkerConfig tunes the durable job queue worker.
type WorkerConfig struct {
	// Concurrency is the maximum number of concurrent jobs per worker.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is the queue poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockDuration is the claim lease TTL.
	LockDuration time.Duration `yaml:"lock_duration"`

	// HeartbeatInterval is the lease-renewal cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxAttempts is the per-job retry budget.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the base retry delay, multiplied by the attempt count.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LeaderConfig tunes DB-lease leader election.
type LeaderConfig struct {
	// LeaseTTL is the leader lease lifetime.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// RenewInterval is the renewal cadence. Must be well under LeaseTTL/2.
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// LeaseConfig tunes agent resource leases.
type LeaseConfig struct {
	// TTL is the resource-lease lifetime.
	TTL time.Duration `yaml:"ttl"`
}

// RetentionConfig controls event and artifact pruning.
type RetentionConfig struct {
	// EventDays is the run_events prune cutoff in days.
	EventDays int `yaml:"event_days"`

	// ArtifactDays is the artifact prune cutoff in days.
	ArtifactDays int `yaml:"artifact_days"`

	// SweepInterval is how often the leader runs the prune pass.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LLMConfig configures the OpenAI-compatible gateway.
type LLMConfig struct {
	// BaseURL is the chat-completions gateway base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the gateway.
	APIKey string `yaml:"api_key"`

	// ExtraHeaders are merged into every request.
	ExtraHeaders map[string]string `yaml:"extra_headers"`

	// ModelCostJSON overrides the built-in per-model cost table.
	// Format: {"model": {"prompt": rate, "completion": rate}} per 1k tokens.
	ModelCostJSON string `yaml:"model_cost_json"`
}

// MetricsConfig configures Prometheus exposure and push.
type MetricsConfig struct {
	// PushgatewayURL enables periodic PUT pushes when non-empty.
	PushgatewayURL string `yaml:"pushgateway_url"`

	// PushInterval is the push cadence.
	PushInterval time.Duration `yaml:"push_interval"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns on stdout span export. Off by default.
	Enabled bool `yaml:"enabled"`
}

// FileWatchConfig configures the leader-only file-watch trigger loop.
type FileWatchConfig struct {
	// Dirs are the directories to watch.
	Dirs []string `yaml:"dirs"`

	// Pattern is a doublestar glob applied to changed paths.
	Pattern string `yaml:"pattern"`
}

// Default returns a configuration with the documented default knobs.
func Default() *Config {
	return &Config{
		DatabaseURL: "langorch.db",
		ListenAddr:  ":8844",
		Worker: WorkerConfig{
			Concurrency:       4,
			PollInterval:      time.Second,
			LockDuration:      60 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			MaxAttempts:       3,
			RetryDelay:        5 * time.Second,
		},
		Leader: LeaderConfig{
			LeaseTTL:      60 * time.Second,
			RenewInterval: 15 * time.Second,
		},
		Lease: LeaseConfig{
			TTL: 60 * time.Second,
		},
		Retention: RetentionConfig{
			EventDays:     30,
			ArtifactDays:  30,
			SweepInterval: time.Hour,
		},
		Metrics: MetricsConfig{
			PushInterval: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides (highest precedence). An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: fmt.Sprintf("cannot read %s", path), Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: fmt.Sprintf("cannot parse %s", path), Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides knobs from environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.DatabaseURL, "LANGORCH_DATABASE_URL")
	setString(&cfg.ListenAddr, "LANGORCH_LISTEN_ADDR")

	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	setSeconds(&cfg.Worker.PollInterval, "WORKER_POLL_INTERVAL")
	setSeconds(&cfg.Worker.LockDuration, "WORKER_LOCK_DURATION_SECONDS")
	setSeconds(&cfg.Worker.HeartbeatInterval, "WORKER_HEARTBEAT_INTERVAL")
	setInt(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	setSeconds(&cfg.Worker.RetryDelay, "WORKER_RETRY_DELAY_SECONDS")

	setSeconds(&cfg.Leader.LeaseTTL, "LEADER_LEASE_TTL")
	setSeconds(&cfg.Leader.RenewInterval, "LEADER_RENEW_INTERVAL")
	setSeconds(&cfg.Lease.TTL, "LEASE_TTL_SECONDS")

	setInt(&cfg.Retention.EventDays, "CHECKPOINT_RETENTION_DAYS")
	setInt(&cfg.Retention.ArtifactDays, "ARTIFACT_RETENTION_DAYS")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.ModelCostJSON, "LLM_MODEL_COST_JSON")

	setString(&cfg.Metrics.PushgatewayURL, "METRICS_PUSHGATEWAY_URL")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return &errors.ConfigError{Key: "database_url", Reason: "must not be empty"}
	}
	if c.Worker.Concurrency < 1 {
		return &errors.ConfigError{Key: "worker.concurrency", Reason: "must be at least 1"}
	}
	if c.Leader.RenewInterval >= c.Leader.LeaseTTL/2 {
		return &errors.ConfigError{
			Key:    "leader.renew_interval",
			Reason: fmt.Sprintf("must be less than half the lease TTL (%v)", c.Leader.LeaseTTL),
		}
	}
	return nil
}

// Dialect derives the database dialect from the URL scheme.
// Everything above this boundary is dialect-agnostic.
func (c *Config) Dialect() Dialect {
	u := strings.ToLower(c.DatabaseURL)
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLitePath returns the file path portion of a sqlite database URL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setSeconds reads a duration expressed in seconds (fractional allowed).
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
