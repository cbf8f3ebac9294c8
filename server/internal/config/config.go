package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/metricflow/server/internal/alerts"
	"github.com/obsidianstack/metricflow/server/internal/anomaly"
	"github.com/obsidianstack/metricflow/server/internal/notify"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort    = 50051
	DefaultHTTPPort    = 8080
	DefaultNATSURL     = "nats://127.0.0.1:4222"
	DefaultSubject     = "metricflow.batches"
	DefaultQueue       = "metricflow-server"
	DefaultLatestTTL   = 15 * time.Minute
	DefaultStoreBuffer = 256
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC health service listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how the server authenticates incoming gRPC and REST clients.
	Auth AuthConfig `yaml:"auth"`

	// NATS is where metric batches arrive from agents.
	NATS NATSConfig `yaml:"nats"`

	// EncryptionKeyEnv names the variable holding the AES-256 key agents
	// encrypt batches with. Required only when agents enable encryption.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`

	Store    StoreConfig    `yaml:"store"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// EncryptionKey returns the batch decryption key resolved from the environment.
func (s ServerConfig) EncryptionKey() []byte {
	if s.EncryptionKeyEnv == "" {
		return nil
	}
	return []byte(os.Getenv(s.EncryptionKeyEnv))
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// NATSConfig addresses the message broker.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`

	// Queue is the queue group replicas share so each batch is handled once.
	Queue    string `yaml:"queue"`
	TokenEnv string `yaml:"token_env"`
}

// Token returns the NATS auth token resolved from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// StoreConfig controls latest-value retention and optional persistence.
type StoreConfig struct {
	// LatestTTL is how long a metric's newest value stays queryable after
	// its last update. Default: 15m.
	LatestTTL time.Duration `yaml:"latest_ttl"`

	// PostgresDSNEnv names the variable holding a Postgres DSN. Empty
	// disables persistence.
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`

	// BufferSize bounds batches queued for the persistence writer.
	BufferSize int `yaml:"buffer_size"`
}

// DSN returns the Postgres DSN resolved from the environment.
func (s StoreConfig) DSN() string {
	if s.PostgresDSNEnv == "" {
		return ""
	}
	return os.Getenv(s.PostgresDSNEnv)
}

// AlertingConfig holds rules, notification channels and engine tuning.
type AlertingConfig struct {
	// CooldownPeriod applies to rules that omit their own. Default: 15m.
	CooldownPeriod time.Duration `yaml:"cooldown_period"`

	// EvaluationInterval paces escalation, missing-data and purge checks.
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`

	// Anomaly is the default detector configuration.
	Anomaly anomaly.Config `yaml:"anomaly"`

	Rules     []alerts.Rule              `yaml:"rules"`
	Channels  []notify.Channel           `yaml:"channels"`
	Templates map[string]notify.Template `yaml:"templates"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			NATS: NATSConfig{
				URL:     DefaultNATSURL,
				Subject: DefaultSubject,
				Queue:   DefaultQueue,
			},
			Store: StoreConfig{
				LatestTTL:  DefaultLatestTTL,
				BufferSize: DefaultStoreBuffer,
			},
			Alerting: AlertingConfig{
				CooldownPeriod:     alerts.DefaultCooldown,
				EvaluationInterval: alerts.DefaultEvaluationInterval,
				Anomaly: anomaly.Config{
					Algorithm:     anomaly.DefaultAlgorithm,
					Sensitivity:   anomaly.DefaultSensitivity,
					MinDataPoints: anomaly.DefaultMinDataPoints,
				},
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.NATS.URL == "" || s.NATS.Subject == "" {
		return errors.New("server.nats.url and server.nats.subject are required")
	}
	if s.Store.LatestTTL < 0 {
		return errors.New("server.store.latest_ttl must not be negative")
	}
	if s.Alerting.CooldownPeriod < 0 || s.Alerting.EvaluationInterval < 0 {
		return errors.New("server.alerting durations must not be negative")
	}
	switch s.Alerting.Anomaly.Algorithm {
	case anomaly.AlgorithmZScore, anomaly.AlgorithmIQR, "":
	default:
		return fmt.Errorf("server.alerting.anomaly.algorithm %q unknown: want zscore|iqr", s.Alerting.Anomaly.Algorithm)
	}

	rules := make(map[string]bool, len(s.Alerting.Rules))
	for i, r := range s.Alerting.Rules {
		if r.ID == "" {
			return fmt.Errorf("server.alerting.rules[%d]: id is required", i)
		}
		if rules[r.ID] {
			return fmt.Errorf("server.alerting.rules[%d]: duplicate id %q", i, r.ID)
		}
		rules[r.ID] = true
		if err := r.Validate(); err != nil {
			return fmt.Errorf("server.alerting.rules[%d]: %w", i, err)
		}
	}

	channels := make(map[string]bool, len(s.Alerting.Channels))
	for i, c := range s.Alerting.Channels {
		if c.ID == "" || c.Type == "" {
			return fmt.Errorf("server.alerting.channels[%d]: id and type are required", i)
		}
		if channels[c.ID] {
			return fmt.Errorf("server.alerting.channels[%d]: duplicate id %q", i, c.ID)
		}
		channels[c.ID] = true
	}
	return nil
}
