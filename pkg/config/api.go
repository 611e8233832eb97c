package config

import "fmt"

// ServerConfig contains HTTP control surface settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig selects and configures the run state store.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Redis    RedisConfig          `yaml:"redis,omitempty" mapstructure:"redis"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// ArtifactsConfig selects where raw result artifacts are read from. Only one
// backend (S3 or local) may be enabled at a time.
type ArtifactsConfig struct {
	Local            *LocalArtifactsConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3               *S3Config             `yaml:"s3,omitempty" mapstructure:"s3"`
	FetchConcurrency int                   `yaml:"fetch_concurrency,omitempty" mapstructure:"fetch_concurrency"`
}

// LocalArtifactsConfig reads artifacts from a local directory, normally the
// directory task containers write their reports into.
type LocalArtifactsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// S3Config contains S3 settings for reading artifacts.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Validate checks the artifact backend selection.
func (a *ArtifactsConfig) Validate() error {
	localEnabled := a.Local != nil && a.Local.Enabled
	s3Enabled := a.S3 != nil && a.S3.Enabled

	if localEnabled && s3Enabled {
		return fmt.Errorf("only one of local or s3 may be enabled")
	}

	if !localEnabled && !s3Enabled {
		return fmt.Errorf("one of local or s3 must be enabled")
	}

	if localEnabled && a.Local.Dir == "" {
		return fmt.Errorf("local.dir is required")
	}

	if s3Enabled && a.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}

	return nil
}
