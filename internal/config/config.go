package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RESIDENT_SERVER_ADDR
const EnvPrefix = "RESIDENT"

// Config is the full resident configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Workers WorkersConfig `mapstructure:"workers" json:"workers"`
	Queue   QueueConfig   `mapstructure:"queue" json:"queue"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Admin   AdminConfig   `mapstructure:"admin" json:"admin"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string          `mapstructure:"addr" json:"addr"`
	PublicDir       string          `mapstructure:"public_dir" json:"public_dir"`
	Debug           bool            `mapstructure:"debug" json:"debug"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	Gzip            bool            `mapstructure:"gzip" json:"gzip"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
	TLS             TLSConfig       `mapstructure:"tls" json:"tls"`
}

// TLSConfig enables HTTPS when both files are set
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file" json:"cert_file"`
	KeyFile      string `mapstructure:"key_file" json:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file" json:"client_ca_file"`
}

// Enabled reports whether the server should serve HTTPS
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// RateLimitConfig configures per-client rate limiting of application traffic
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" json:"enabled"`
	RPS     float64 `mapstructure:"rps" json:"rps"`
	Burst   int     `mapstructure:"burst" json:"burst"`
}

// WorkersConfig configures the worker pool
type WorkersConfig struct {
	Count        int           `mapstructure:"count" json:"count"`
	MaxRequests  uint64        `mapstructure:"max_requests" json:"max_requests"`
	MaxMemoryMB  uint64        `mapstructure:"max_memory_mb" json:"max_memory_mb"`
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
}

// QueueConfig configures the task queue
type QueueConfig struct {
	Type            string        `mapstructure:"type" json:"type"`
	DSN             string        `mapstructure:"dsn" json:"dsn"`
	PollInterval    time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts"`
	Retention       time.Duration `mapstructure:"retention" json:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level     string `mapstructure:"level" json:"level"`
	JSON      bool   `mapstructure:"json" json:"json"`
	File      bool   `mapstructure:"file" json:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb" json:"max_size_mb"` // rotate the log file above this size, 0 disables
}

// AdminConfig protects the admin endpoints
type AdminConfig struct {
	TokenHash  string `mapstructure:"token_hash" json:"token_hash"`
	BcryptCost int    `mapstructure:"bcrypt_cost" json:"bcrypt_cost"`
}

// SetDefaults registers a default for every key. Durations are strings so
// the effective settings render cleanly in every output format.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_dir", "")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.gzip", true)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.rps", 50.0)
	v.SetDefault("server.rate_limit.burst", 100)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.client_ca_file", "")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max_requests", 0)
	v.SetDefault("workers.max_memory_mb", 0)
	v.SetDefault("workers.tick_interval", "1s")

	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retention", "168h")
	v.SetDefault("queue.cleanup_interval", "1h")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "resident")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.max_size_mb", 100)

	v.SetDefault("admin.token_hash", "")
	v.SetDefault("admin.bcrypt_cost", 10)
}

// NewViper returns a viper instance with defaults and environment overrides
// configured. When path is empty, $HOME/.resident/config.yaml is used if it
// exists.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".resident"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads the config file, if any, and decodes the effective settings
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot run without
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.TickInterval <= 0 {
		return errors.New("workers.tick_interval must be positive")
	}
	switch c.Queue.Type {
	case "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported queue.type %q", c.Queue.Type)
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls needs both cert_file and key_file")
	}
	if c.Server.TLS.ClientCAFile != "" && !c.Server.TLS.Enabled() {
		return errors.New("server.tls.client_ca_file requires cert_file and key_file")
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RPS <= 0 || c.Server.RateLimit.Burst < 1) {
		return errors.New("server.rate_limit needs positive rps and burst")
	}
	return nil
}
