package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the autopilot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Device      DeviceConfig      `yaml:"device"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Cache       CacheConfig       `yaml:"cache"`
	Notify      NotifyConfig      `yaml:"notify"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Audit       AuditConfig       `yaml:"audit"`
	Remediation RemediationConfig `yaml:"remediation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the ops gRPC listener and the metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig selects the badger directory. InMemory is meant for development.
type StoreConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

// DeviceConfig configures the managed device agent.
type DeviceConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	ExecutePath   string        `yaml:"executePath"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	ExportCommand string        `yaml:"exportCommand"`
}

// AnalysisConfig configures the OpenAI-compatible analysis backend. An empty
// APIKey disables it.
type AnalysisConfig struct {
	APIKey           string        `yaml:"apiKey"`
	BaseURL          string        `yaml:"baseURL"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxTokens        int           `yaml:"maxTokens"`
	FailureThreshold uint32        `yaml:"failureThreshold"`
	OpenInterval     time.Duration `yaml:"openInterval"`
}

// CacheConfig sizes the analysis cache and its optional Valkey tier.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Valkey   ValkeyConfig  `yaml:"valkey"`
}

// ValkeyConfig controls the shared L2 cache.
type ValkeyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Timeout   time.Duration `yaml:"timeout"`
	TLS       bool          `yaml:"tls"`
}

// NotifyConfig tunes delivery retries and default recipients.
type NotifyConfig struct {
	MaxAttempts         int             `yaml:"maxAttempts"`
	RetryDelays         []time.Duration `yaml:"retryDelays"`
	ReportChannels      []string        `yaml:"reportChannels"`
	RemediationChannels []string        `yaml:"remediationChannels"`
}

// IngestConfig enables the NATS metric feed when URL is set.
type IngestConfig struct {
	NATSURL string `yaml:"natsURL"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// AuditConfig controls audit retention.
type AuditConfig struct {
	RetentionDays int `yaml:"retentionDays"`
}

// RemediationConfig points at the template pack.
type RemediationConfig struct {
	TemplatesPath string `yaml:"templatesPath"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("AUTOPILOT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Path: "data/autopilot"},
		Device: DeviceConfig{
			BaseURL:       "http://localhost:8080",
			ExecutePath:   "/api/v1/execute",
			Timeout:       10 * time.Second,
			ExportCommand: "/export",
		},
		Analysis: AnalysisConfig{
			Timeout:          30 * time.Second,
			MaxTokens:        1024,
			FailureThreshold: 3,
			OpenInterval:     time.Minute,
		},
		Cache: CacheConfig{
			Capacity: 256,
			TTL:      30 * time.Minute,
			Valkey:   ValkeyConfig{Timeout: 2 * time.Second, KeyPrefix: "autopilot:analysis:"},
		},
		Notify: NotifyConfig{
			MaxAttempts: 4,
			RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		},
		Ingest:  IngestConfig{Subject: "metrics.samples", Queue: "autopilot"},
		Audit:   AuditConfig{RetentionDays: 180},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Remediation: RemediationConfig{
			TemplatesPath: "configs/remediation/templates.yaml",
		},
	}
}

func (c *Config) validate() error {
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.retentionDays must be positive, got %d", c.Audit.RetentionDays)
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.maxAttempts must be positive, got %d", c.Notify.MaxAttempts)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return errors.New("store.path is required unless store.inMemory is set")
	}
	if c.Cache.Valkey.Enabled && c.Cache.Valkey.Addr == "" {
		return errors.New("cache.valkey.addr is required when valkey is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Address, "AUTOPILOT_SERVER_ADDRESS")
	setString(&cfg.Server.MetricsAddress, "AUTOPILOT_METRICS_ADDRESS")
	setString(&cfg.Store.Path, "AUTOPILOT_STORE_PATH")
	setBool(&cfg.Store.InMemory, "AUTOPILOT_STORE_IN_MEMORY")

	setString(&cfg.Device.BaseURL, "AUTOPILOT_DEVICE_URL")
	setString(&cfg.Device.Token, "AUTOPILOT_DEVICE_TOKEN")
	setDuration(&cfg.Device.Timeout, "AUTOPILOT_DEVICE_TIMEOUT")

	setString(&cfg.Analysis.APIKey, "AUTOPILOT_OPENAI_API_KEY")
	if cfg.Analysis.APIKey == "" {
		setString(&cfg.Analysis.APIKey, "OPENAI_API_KEY")
	}
	setString(&cfg.Analysis.BaseURL, "AUTOPILOT_OPENAI_BASE_URL")
	setString(&cfg.Analysis.Model, "AUTOPILOT_OPENAI_MODEL")
	setDuration(&cfg.Analysis.Timeout, "AUTOPILOT_OPENAI_TIMEOUT")

	setInt(&cfg.Cache.Capacity, "AUTOPILOT_CACHE_CAPACITY")
	setDuration(&cfg.Cache.TTL, "AUTOPILOT_CACHE_TTL")
	setBool(&cfg.Cache.Valkey.Enabled, "AUTOPILOT_VALKEY_ENABLED")
	setString(&cfg.Cache.Valkey.Addr, "AUTOPILOT_VALKEY_ADDR")
	setString(&cfg.Cache.Valkey.Username, "AUTOPILOT_VALKEY_USERNAME")
	setString(&cfg.Cache.Valkey.Password, "AUTOPILOT_VALKEY_PASSWORD")
	setInt(&cfg.Cache.Valkey.DB, "AUTOPILOT_VALKEY_DB")
	setBool(&cfg.Cache.Valkey.TLS, "AUTOPILOT_VALKEY_TLS")

	setInt(&cfg.Notify.MaxAttempts, "AUTOPILOT_NOTIFY_MAX_ATTEMPTS")
	setList(&cfg.Notify.ReportChannels, "AUTOPILOT_REPORT_CHANNELS")
	setList(&cfg.Notify.RemediationChannels, "AUTOPILOT_REMEDIATION_CHANNELS")

	setString(&cfg.Ingest.NATSURL, "AUTOPILOT_NATS_URL")
	setString(&cfg.Ingest.Subject, "AUTOPILOT_NATS_SUBJECT")

	setInt(&cfg.Audit.RetentionDays, "AUTOPILOT_AUDIT_RETENTION_DAYS")
	setString(&cfg.Remediation.TemplatesPath, "AUTOPILOT_TEMPLATES_PATH")

	setString(&cfg.Logging.Level, "AUTOPILOT_LOG_LEVEL")
	setBool(&cfg.Logging.JSON, "AUTOPILOT_LOG_JSON")
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
