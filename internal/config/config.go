// Package config loads and validates application configuration from
// config.yaml and PROPCOLLECT_-prefixed environment variables.
package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Secret is a credential-bearing string that redacts itself when printed
// or serialized, so keys never leak into logs or error contexts.
type Secret string

// String implements fmt.Stringer with redaction.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON redacts the value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// Reveal returns the underlying value for use in request headers.
func (s Secret) Reveal() string { return string(s) }

// Config holds the full application configuration.
type Config struct {
	Env       string          `yaml:"env" mapstructure:"env"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Assessor  SourceConfig    `yaml:"assessor" mapstructure:"assessor"`
	MLS       SourceConfig    `yaml:"mls" mapstructure:"mls"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Collect   CollectConfig   `yaml:"collect" mapstructure:"collect"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Proxies   []ProxyConfig   `yaml:"proxies" mapstructure:"proxies"`
	DLQ       DLQConfig       `yaml:"dlq" mapstructure:"dlq"`
	RawStore  RawStoreConfig  `yaml:"raw_store" mapstructure:"raw_store"`
	Validation ValidateConfig `yaml:"validate" mapstructure:"validate"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the document store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL Secret `yaml:"database_url" mapstructure:"database_url"`
	Database    string `yaml:"database" mapstructure:"database"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig configures one upstream collector.
type SourceConfig struct {
	APIKey          Secret  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerHour int     `yaml:"requests_per_hour" mapstructure:"requests_per_hour"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SafetyMargin    float64 `yaml:"safety_margin" mapstructure:"safety_margin"`
	UseBrowser      bool    `yaml:"use_browser" mapstructure:"use_browser"`
}

// Timeout returns the per-request timeout.
func (c SourceConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// LLMConfig configures the extraction model endpoint.
type LLMConfig struct {
	APIKey        Secret `yaml:"api_key" mapstructure:"api_key"`
	Model         string `yaml:"model" mapstructure:"model"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxInputBytes int    `yaml:"max_input_bytes" mapstructure:"max_input_bytes"`
}

// Timeout returns the per-call extraction timeout.
func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// CollectConfig configures a collection run.
type CollectConfig struct {
	Zipcodes  []string `yaml:"zipcodes" mapstructure:"zipcodes"`
	BatchSize int      `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int      `yaml:"workers" mapstructure:"workers"`
	Strict    bool     `yaml:"strict" mapstructure:"strict"`
	Version   string   `yaml:"version" mapstructure:"version"`
}

// RetryConfig configures the per-source retry policy.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelaySecs float64 `yaml:"base_delay_secs" mapstructure:"base_delay_secs"`
	BackoffFactor float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`
}

// ProxyConfig describes one outbound identity.
type ProxyConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	URL     Secret `yaml:"url" mapstructure:"url"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	Capacity   int    `yaml:"capacity" mapstructure:"capacity"`
	ExportPath string `yaml:"export_path" mapstructure:"export_path"`
}

// RawStoreConfig configures raw HTML snapshot retention.
type RawStoreConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ValidateConfig configures validation policy.
type ValidateConfig struct {
	Mode                string  `yaml:"mode" mapstructure:"mode"` // "strict" or "relaxed"
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
}

// SchedulerConfig configures the daemon collection loop.
type SchedulerConfig struct {
	IntervalHours int `yaml:"interval_hours" mapstructure:"interval_hours"`
}

// MonitorConfig configures run-health alerting.
type MonitorConfig struct {
	WebhookURL           Secret  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	QualityThreshold     float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PROPCOLLECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database", "propcollect")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("assessor.requests_per_hour", 3600)
	v.SetDefault("assessor.timeout_secs", 30)
	v.SetDefault("assessor.safety_margin", 0.1)
	v.SetDefault("mls.requests_per_hour", 600)
	v.SetDefault("mls.timeout_secs", 45)
	v.SetDefault("mls.safety_margin", 0.1)
	v.SetDefault("mls.use_browser", true)
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.timeout_secs", 30)
	v.SetDefault("llm.max_input_bytes", 65536)
	v.SetDefault("collect.batch_size", 25)
	v.SetDefault("collect.workers", 3)
	v.SetDefault("collect.strict", true)
	v.SetDefault("collect.version", "propcollect/1.0")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_secs", 1.0)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("dlq.capacity", 1000)
	v.SetDefault("dlq.export_path", "dlq_export.json")
	v.SetDefault("raw_store.dir", "raw_html")
	v.SetDefault("raw_store.compress", true)
	v.SetDefault("raw_store.max_age_days", 90)
	v.SetDefault("validate.mode", "strict")
	v.SetDefault("validate.confidence_threshold", 0.7)
	v.SetDefault("scheduler.interval_hours", 24)
	v.SetDefault("monitor.failure_rate_threshold", 0.25)
	v.SetDefault("monitor.dlq_depth_threshold", 100)
	v.SetDefault("monitor.quality_threshold", 0.4)
	v.SetDefault("monitor.check_interval_secs", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var zipcodeRe = regexp.MustCompile(`^\d{5}$`)

// Validate checks the loaded configuration for internally inconsistent or
// unusable values. It backs the validate-config CLI verb.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "testing", "production":
	default:
		return eris.Errorf("config: unknown env %q", c.Env)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}

	for _, src := range []struct {
		name string
		cfg  SourceConfig
	}{{"assessor", c.Assessor}, {"mls", c.MLS}} {
		if src.cfg.BaseURL == "" {
			return eris.Errorf("config: %s.base_url is required", src.name)
		}
		if src.cfg.RequestsPerHour <= 0 {
			return eris.Errorf("config: %s.requests_per_hour must be positive", src.name)
		}
		if src.cfg.SafetyMargin < 0 || src.cfg.SafetyMargin >= 1 {
			return eris.Errorf("config: %s.safety_margin must be in [0,1)", src.name)
		}
	}

	for _, z := range c.Collect.Zipcodes {
		if !zipcodeRe.MatchString(z) {
			return eris.Errorf("config: invalid zipcode %q", z)
		}
	}
	if c.Collect.Workers <= 0 {
		return eris.New("config: collect.workers must be positive")
	}
	if c.Collect.BatchSize <= 0 {
		return eris.New("config: collect.batch_size must be positive")
	}

	switch c.Validation.Mode {
	case "strict", "relaxed":
	default:
		return eris.Errorf("config: unknown validate.mode %q", c.Validation.Mode)
	}

	if c.DLQ.Capacity <= 0 {
		return eris.New("config: dlq.capacity must be positive")
	}

	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
