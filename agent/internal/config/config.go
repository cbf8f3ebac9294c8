package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/metricflow/agent/internal/ratelimit"
	"github.com/obsidianstack/metricflow/agent/internal/transform"
	"github.com/obsidianstack/metricflow/agent/internal/validate"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultSubject       = "metricflow.batches"
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultFetchTimeout  = 30 * time.Second
	DefaultSchedulerTick = 60 * time.Second
	DefaultWorkers       = 4
	DefaultResultHistory = 100
	DefaultBufferSize    = 1000
	DefaultJobInterval   = 5 * time.Minute
)

// Source types.
const (
	SourceAPI      = "api"
	SourceDatabase = "database"
	SourceFile     = "file"
	SourceStream   = "stream"
	SourceWebhook  = "webhook"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// NATS is the transport batches are shipped over. Stream sources share
	// the same connection.
	NATS NATSConfig `yaml:"nats"`

	// Collection tunes the executor, scheduler and shipper.
	Collection CollectionConfig `yaml:"collection"`

	// WebhookListen is the address webhook sources accept pushes on.
	// Empty disables the listener.
	WebhookListen string `yaml:"webhook_listen"`

	// Metrics is the MetricDefinition catalogue used during conversion.
	Metrics []types.MetricDefinition `yaml:"metrics"`

	Sources []Source `yaml:"sources"`
	Jobs    []Job    `yaml:"jobs"`
}

// NATSConfig addresses the message broker.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	TokenEnv string `yaml:"token_env"`
}

// Token returns the NATS auth token resolved from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// CollectionConfig holds the recognised collection options.
type CollectionConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`

	// RetryBackoff delays the next attempt after a failure. Zero means the
	// job is due again on the next scheduler tick.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	CompressionEnabled bool   `yaml:"compression_enabled"`
	EncryptionEnabled  bool   `yaml:"encryption_enabled"`
	EncryptionKeyEnv   string `yaml:"encryption_key_env"`

	DeadLetterQueueEnabled bool `yaml:"dead_letter_queue_enabled"`

	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
	Workers       int           `yaml:"workers"`
	ResultHistory int           `yaml:"result_history"`

	// BufferSize bounds batches held in memory while NATS is unreachable.
	BufferSize int `yaml:"buffer_size"`
}

// EncryptionKey returns the raw AES-256 key resolved from the environment.
func (c CollectionConfig) EncryptionKey() []byte {
	if c.EncryptionKeyEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.EncryptionKeyEnv))
}

// Source describes one external origin of metric data.
type Source struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Type is one of: api | database | file | stream | webhook.
	Type string `yaml:"type"`

	// Endpoint is the URL for api sources and the path for file sources.
	Endpoint string `yaml:"endpoint"`

	// Format is json (default) | prometheus for api sources and
	// json | csv | yaml for file sources.
	Format string `yaml:"format"`

	// Method is the HTTP method for api sources (default GET).
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`

	// RecordsPath is the dotted path to the record array inside a JSON
	// response. Empty means the body is the array.
	RecordsPath string `yaml:"records_path"`

	// Subject is the NATS subject stream sources subscribe to.
	Subject string `yaml:"subject"`

	// Path is the HTTP path webhook sources accept pushes on
	// (default /webhooks/<id>).
	Path string `yaml:"path"`

	Database  DatabaseConfig    `yaml:"database"`
	Auth      AuthConfig        `yaml:"auth"`
	TLS       TLSConfig         `yaml:"tls"`
	RateLimit *ratelimit.Config `yaml:"rate_limit"`

	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the source is enabled; absent means true.
func (s Source) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// DatabaseConfig addresses a SQL database for database sources.
type DatabaseConfig struct {
	// Driver is one of: postgres | mysql | sqlserver.
	Driver      string `yaml:"driver"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"ssl_mode"`
}

// Password returns the database password resolved from the environment.
func (d DatabaseConfig) Password() string {
	if d.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(d.PasswordEnv)
}

// AuthConfig specifies the authentication mode for a source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header the API key is sent in (default X-API-Key).
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the token.
	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Job declares one scheduled collection job.
type Job struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	MetricID string `yaml:"metric_id"`
	SourceID string `yaml:"source_id"`

	// Query is source-specific: SQL for database sources, a path suffix
	// for api sources, ignored elsewhere.
	Query      string         `yaml:"query"`
	Parameters map[string]any `yaml:"parameters"`

	// ValueField and TimestampFields override the default field priority
	// used when converting records to metric values.
	ValueField      string   `yaml:"value_field"`
	TimestampFields []string `yaml:"timestamp_fields"`

	Tags     []string      `yaml:"tags"`
	Interval time.Duration `yaml:"interval"`

	Transformations []transform.Transformation `yaml:"transformations"`
	ValidationRules []validate.Rule            `yaml:"validation_rules"`

	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the job is enabled; absent means true.
func (j Job) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyJobDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			NATS: NATSConfig{URL: DefaultNATSURL, Subject: DefaultSubject},
			Collection: CollectionConfig{
				BatchSize:              DefaultBatchSize,
				FlushInterval:          DefaultFlushInterval,
				MaxRetries:             DefaultMaxRetries,
				DeadLetterQueueEnabled: true,
				FetchTimeout:           DefaultFetchTimeout,
				SchedulerTick:          DefaultSchedulerTick,
				Workers:                DefaultWorkers,
				ResultHistory:          DefaultResultHistory,
				BufferSize:             DefaultBufferSize,
			},
		},
	}
}

// applyJobDefaults fills per-job fields that depend on other config entries.
func applyJobDefaults(cfg *Config) {
	intervals := make(map[string]time.Duration, len(cfg.Agent.Metrics))
	for _, m := range cfg.Agent.Metrics {
		intervals[m.ID] = m.DefaultInterval
	}
	for i := range cfg.Agent.Jobs {
		j := &cfg.Agent.Jobs[i]
		if j.Interval > 0 {
			continue
		}
		if d := intervals[j.MetricID]; d > 0 {
			j.Interval = d
		} else {
			j.Interval = DefaultJobInterval
		}
	}
}

// validateConfig checks required fields and structural constraints.
func validateConfig(cfg *Config) error {
	a := cfg.Agent
	c := a.Collection
	if c.BatchSize <= 0 {
		return fmt.Errorf("agent.collection.batch_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("agent.collection.max_retries must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("agent.collection.retry_backoff must not be negative")
	}
	if c.FetchTimeout <= 0 || c.SchedulerTick <= 0 || c.FlushInterval <= 0 {
		return fmt.Errorf("agent.collection: fetch_timeout, scheduler_tick and flush_interval must be positive")
	}
	if c.Workers <= 0 || c.ResultHistory <= 0 || c.BufferSize <= 0 {
		return fmt.Errorf("agent.collection: workers, result_history and buffer_size must be positive")
	}
	if c.EncryptionEnabled && c.EncryptionKeyEnv == "" {
		return fmt.Errorf("agent.collection.encryption_key_env is required when encryption is enabled")
	}

	sources := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if sources[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		sources[src.ID] = true
		if err := validateSource(src); err != nil {
			return fmt.Errorf("sources[%d] %q: %w", i, src.ID, err)
		}
	}

	metrics := make(map[string]bool, len(a.Metrics))
	for i, m := range a.Metrics {
		if m.ID == "" {
			return fmt.Errorf("metrics[%d]: id is required", i)
		}
		metrics[m.ID] = true
	}

	jobs := make(map[string]bool, len(a.Jobs))
	for i, j := range a.Jobs {
		if j.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if jobs[j.ID] {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, j.ID)
		}
		jobs[j.ID] = true
		if !sources[j.SourceID] {
			return fmt.Errorf("jobs[%d] %q: unknown source_id %q", i, j.ID, j.SourceID)
		}
		if j.MetricID == "" {
			return fmt.Errorf("jobs[%d] %q: metric_id is required", i, j.ID)
		}
		if len(a.Metrics) > 0 && !metrics[j.MetricID] {
			return fmt.Errorf("jobs[%d] %q: unknown metric_id %q", i, j.ID, j.MetricID)
		}
		for k, tr := range j.Transformations {
			switch tr.Type {
			case transform.TypeMap, transform.TypeFilter, transform.TypeAggregate, transform.TypeCalculate:
			default:
				return fmt.Errorf("jobs[%d] %q: transformations[%d]: unknown type %q", i, j.ID, k, tr.Type)
			}
		}
		for k, r := range j.ValidationRules {
			switch r.ErrorAction {
			case "", validate.ActionLog, validate.ActionAlert, validate.ActionFail:
			default:
				return fmt.Errorf("jobs[%d] %q: validation_rules[%d]: unknown error_action %q", i, j.ID, k, r.ErrorAction)
			}
		}
	}
	return nil
}

func validateSource(src Source) error {
	switch src.Type {
	case SourceAPI:
		if src.Endpoint == "" {
			return fmt.Errorf("endpoint is required")
		}
		switch src.Format {
		case "", "json", "prometheus":
		default:
			return fmt.Errorf("unknown api format %q", src.Format)
		}
	case SourceFile:
		if src.Endpoint == "" {
			return fmt.Errorf("endpoint is required")
		}
		switch src.Format {
		case "", "json", "csv", "yaml":
		default:
			return fmt.Errorf("unknown file format %q", src.Format)
		}
	case SourceDatabase:
		switch src.Database.Driver {
		case "postgres", "mysql", "sqlserver":
		default:
			return fmt.Errorf("unknown database driver %q", src.Database.Driver)
		}
		if src.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
	case SourceStream:
		if src.Subject == "" {
			return fmt.Errorf("subject is required")
		}
	case SourceWebhook:
	default:
		return fmt.Errorf("unknown type %q", src.Type)
	}
	switch src.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("unknown auth mode %q", src.Auth.Mode)
	}
	return nil
}
