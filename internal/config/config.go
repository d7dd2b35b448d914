// Package config provides configuration management for the hulylake store server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	S3        S3Config        `mapstructure:"s3"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Compact   CompactConfig   `mapstructure:"compact"`
}

// ServerConfig holds HTTP server bind settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// InlineThreshold is the byte size below which a blob's bytes are
	// co-stored in the part-index row, bypassing the object store on read.
	InlineThreshold int64 `mapstructure:"inline_threshold"`

	// MultipartThreshold is the declared-length byte size at or above which
	// blob ingestion uses the object store's multipart upload protocol.
	MultipartThreshold int64 `mapstructure:"multipart_threshold"`
}

// DatabaseConfig holds the relational connection settings for the part index.
type DatabaseConfig struct {
	Connection      string        `mapstructure:"connection"`
	Scheme          string        `mapstructure:"scheme"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string, with the search_path pinned
// to the configured schema.
func (c DatabaseConfig) DSN() string {
	if c.Scheme == "" {
		return c.Connection
	}
	sep := "?"
	if strings.Contains(c.Connection, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", c.Connection, sep, c.Scheme)
}

// S3Config holds the object-store bucket and connection settings. Credentials
// are resolved via the standard AWS SDK credential chain (env vars, shared
// config, container/instance roles) and are deliberately not fields here.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`

	// MultipartPartSize is loaded but not read by the upload path:
	// multipart uploads always cut parts at objectstore.MinPartSize (5 MiB).
	MultipartPartSize int64 `mapstructure:"multipart_part_size"`
}

// AuthConfig holds JWT verification settings.
type AuthConfig struct {
	// TokenSecret is the HS256 signing key for bearer tokens.
	TokenSecret string `mapstructure:"token_secret"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	// OtelMode is one of "on", "stdout", "off".
	OtelMode string `mapstructure:"otel_mode"`
}

// CompactConfig holds compactor trigger and pipeline settings.
type CompactConfig struct {
	// PartsLimit: a key is enqueued for compaction once its part count
	// exceeds this value.
	PartsLimit int `mapstructure:"parts_limit"`

	// BufferSize is the bounded channel capacity of the compactor's
	// ingest and compact stages.
	BufferSize int `mapstructure:"buffer_size"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with HULYLAKE_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HULYLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hulylake")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.inline_threshold", 4*1024)           // 4 KiB
	v.SetDefault("server.multipart_threshold", 8*1024*1024)   // 8 MiB

	v.SetDefault("database.connection", "postgres://localhost:5432/hulylake")
	v.SetDefault("database.scheme", "hulylake")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)

	v.SetDefault("s3.bucket", "hulylake")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.multipart_part_size", 5*1024*1024)

	v.SetDefault("auth.token_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.otel_mode", "off")

	v.SetDefault("compact.parts_limit", 32)
	v.SetDefault("compact.buffer_size", 256)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.InlineThreshold < 0 {
		return fmt.Errorf("server.inline_threshold must not be negative")
	}
	if c.Server.MultipartThreshold < 0 {
		return fmt.Errorf("server.multipart_threshold must not be negative")
	}

	if c.Database.Connection == "" {
		return fmt.Errorf("database.connection is required")
	}
	if c.Database.Scheme == "" {
		return fmt.Errorf("database.scheme is required")
	}

	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	validOtel := map[string]bool{"on": true, "stdout": true, "off": true}
	if !validOtel[c.Telemetry.OtelMode] {
		return fmt.Errorf("telemetry.otel_mode must be one of: on, stdout, off")
	}

	if c.Compact.PartsLimit < 1 {
		return fmt.Errorf("compact.parts_limit must be positive")
	}
	if c.Compact.BufferSize < 1 {
		return fmt.Errorf("compact.buffer_size must be positive")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
