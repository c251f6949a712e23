package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Portal    PortalConfig    `yaml:"portal" mapstructure:"portal"`
	Extractor ExtractorConfig `yaml:"extractor" mapstructure:"extractor"`
	RateTable RateTableConfig `yaml:"rate_table" mapstructure:"rate_table"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PortalConfig holds the tax-portal microservice settings.
type PortalConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ExtractorConfig holds the extraction-service settings. Keys is the raw
// credential pool; comma-separated values are split on load.
type ExtractorConfig struct {
	BaseURL     string   `yaml:"base_url" mapstructure:"base_url"`
	Keys        []string `yaml:"keys" mapstructure:"keys"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RateTableConfig locates the tax-rate master data.
type RateTableConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PipelineConfig tunes the compliance checks.
type PipelineConfig struct {
	OutlierDeviation float64 `yaml:"outlier_deviation" mapstructure:"outlier_deviation"` // fraction, e.g. 0.25
	MinPriceSamples  int     `yaml:"min_price_samples" mapstructure:"min_price_samples"`
}

// SessionConfig bounds CAPTCHA challenge sessions.
type SessionConfig struct {
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending"`
}

// WorkerConfig configures the job worker pool.
type WorkerConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffSecs int `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
	PollIntervalMS  int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SessionTTL returns the configured session lifetime.
func (s SessionConfig) SessionTTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "invoice-sentinel.db")
	v.SetDefault("portal.base_url", "http://127.0.0.1:5001")
	v.SetDefault("portal.timeout_secs", 30)
	v.SetDefault("portal.requests_per_sec", 2.0)
	v.SetDefault("extractor.timeout_secs", 60)
	v.SetDefault("rate_table.path", "data/tax_rates.yaml")
	v.SetDefault("pipeline.outlier_deviation", 0.25)
	v.SetDefault("pipeline.min_price_samples", 3)
	v.SetDefault("session.ttl_minutes", 10)
	v.SetDefault("session.max_pending", 1000)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.base_backoff_secs", 2)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.Extractor.Keys = splitKeys(cfg.Extractor.Keys)

	return &cfg, nil
}

// splitKeys expands comma-separated credential entries and drops blanks, so
// both SENTINEL_EXTRACTOR_KEYS="k1,k2" and a YAML list work.
func splitKeys(raw []string) []string {
	var keys []string
	for _, entry := range raw {
		for _, k := range strings.Split(entry, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
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
