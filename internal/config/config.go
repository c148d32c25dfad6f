// Package config provides configuration structures and loading functionality
// for the analytics backend.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure for the analytics backend
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Users     UsersConfig     `mapstructure:"users"`
	Session   SessionConfig   `mapstructure:"session"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Listen       string        `mapstructure:"listen" envconfig:"SERVER_LISTEN" default:":8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	SecureCookie bool          `mapstructure:"secure_cookie" envconfig:"SERVER_SECURE_COOKIE" default:"true"`
}

// StorageConfig specifies the object store backend configuration
type StorageConfig struct {
	Provider   string              `mapstructure:"provider" envconfig:"STORAGE_PROVIDER" default:"s3"`
	S3         *S3StorageConfig    `mapstructure:"s3"`
	Azure      *AzureStorageConfig `mapstructure:"azure"`
	FileSystem *FileSystemConfig   `mapstructure:"filesystem"`
}

// S3StorageConfig contains S3-compatible object store settings
type S3StorageConfig struct {
	Bucket       string `mapstructure:"bucket" envconfig:"S3_BUCKET"`
	Region       string `mapstructure:"region" envconfig:"S3_REGION" default:"us-east-1"`
	Endpoint     string `mapstructure:"endpoint" envconfig:"S3_ENDPOINT"`
	AccessKey    string `mapstructure:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey    string `mapstructure:"secret_key" envconfig:"S3_SECRET_KEY"`
	UsePathStyle bool   `mapstructure:"use_path_style" envconfig:"S3_USE_PATH_STYLE" default:"true"`
	KeyPrefix    string `mapstructure:"key_prefix" envconfig:"S3_KEY_PREFIX"`
}

// AzureStorageConfig contains Azure Blob Storage settings. Authentication
// is a shared account key or a SAS token.
type AzureStorageConfig struct {
	AccountName string `mapstructure:"account_name" envconfig:"AZURE_ACCOUNT_NAME"`
	AccountKey  string `mapstructure:"account_key" envconfig:"AZURE_ACCOUNT_KEY"`
	Container   string `mapstructure:"container" envconfig:"AZURE_CONTAINER"`
	Endpoint    string `mapstructure:"endpoint" envconfig:"AZURE_ENDPOINT"`
	SASToken    string `mapstructure:"sas_token" envconfig:"AZURE_SAS_TOKEN"`
	KeyPrefix   string `mapstructure:"key_prefix" envconfig:"AZURE_KEY_PREFIX"`
}

// FileSystemConfig contains local filesystem store settings, used for
// development and tests.
type FileSystemConfig struct {
	BaseDir string `mapstructure:"base_dir" envconfig:"FS_BASE_DIR"`
}

// WarehouseConfig contains the analytical warehouse connection settings
type WarehouseConfig struct {
	Driver       string        `mapstructure:"driver" envconfig:"WAREHOUSE_DRIVER" default:"postgres"`
	DSN          string        `mapstructure:"dsn" envconfig:"WAREHOUSE_DSN"`
	MaxOpenConns int           `mapstructure:"max_open_conns" envconfig:"WAREHOUSE_MAX_OPEN_CONNS" default:"8"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" envconfig:"WAREHOUSE_MAX_IDLE_CONNS" default:"2"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" envconfig:"WAREHOUSE_QUERY_TIMEOUT" default:"120s"`
	MaxRetries   int           `mapstructure:"max_retries" envconfig:"WAREHOUSE_MAX_RETRIES" default:"2"`
}

// CacheConfig controls the tiered dataset cache
type CacheConfig struct {
	DefaultMaxAge time.Duration `mapstructure:"default_max_age" envconfig:"CACHE_DEFAULT_MAX_AGE" default:"24h"`
	DataPrefix    string        `mapstructure:"data_prefix" envconfig:"CACHE_DATA_PREFIX" default:"cache/data/"`
	// Datasets maps exposed dataset names to the warehouse SQL that
	// derives them. Config file only.
	Datasets map[string]string `mapstructure:"datasets"`
}

// UsersConfig controls the object-store-backed user table
type UsersConfig struct {
	Path            string        `mapstructure:"path" envconfig:"USERS_PATH" default:"cache/users.json"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" envconfig:"USERS_REFRESH_INTERVAL" default:"5m"`
	// CredentialPolicy selects how stored passwords are compared:
	// "plaintext" (legacy default) or "bcrypt".
	CredentialPolicy string `mapstructure:"credential_policy" envconfig:"USERS_CREDENTIAL_POLICY" default:"plaintext"`
}

// SessionConfig controls session issuance and persistence
type SessionConfig struct {
	Prefix       string        `mapstructure:"prefix" envconfig:"SESSION_PREFIX" default:"cache/sessions/"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl" envconfig:"SESSION_DEFAULT_TTL" default:"24h"`
	RememberTTL  time.Duration `mapstructure:"remember_ttl" envconfig:"SESSION_REMEMBER_TTL" default:"720h"`
	ReadCacheTTL time.Duration `mapstructure:"read_cache_ttl" envconfig:"SESSION_READ_CACHE_TTL" default:"60s"`
	// ReaperInterval enables periodic sweeping of expired session records
	// when non-zero. Expired sessions are otherwise ignored lazily.
	ReaperInterval time.Duration `mapstructure:"reaper_interval" envconfig:"SESSION_REAPER_INTERVAL" default:"0"`
	CookieName     string        `mapstructure:"cookie_name" envconfig:"SESSION_COOKIE_NAME" default:"variant_session"`
	CookieSecret   string        `mapstructure:"cookie_secret" envconfig:"SESSION_COOKIE_SECRET"`
}

// VaultConfig contains optional Vault settings for resolving the cookie
// signing secret.
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled" envconfig:"VAULT_ENABLED" default:"false"`
	Address    string `mapstructure:"address" envconfig:"VAULT_ADDR"`
	Token      string `mapstructure:"token" envconfig:"VAULT_TOKEN"`
	TokenFile  string `mapstructure:"token_file" envconfig:"VAULT_TOKEN_FILE"`
	SecretPath string `mapstructure:"secret_path" envconfig:"VAULT_SECRET_PATH" default:"secret/data/variant-analytics"`
	SecretKey  string `mapstructure:"secret_key" envconfig:"VAULT_SECRET_KEY" default:"cookie_secret"`
}

// SentryConfig contains Sentry error tracking settings
type SentryConfig struct {
	Enabled          bool    `mapstructure:"enabled" envconfig:"SENTRY_ENABLED" default:"false"`
	DSN              string  `mapstructure:"dsn" envconfig:"SENTRY_DSN"`
	Environment      string  `mapstructure:"environment" envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	SampleRate       float64 `mapstructure:"sample_rate" envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate" envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"0.1"`
	Debug            bool    `mapstructure:"debug" envconfig:"SENTRY_DEBUG" default:"false"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" envconfig:"METRICS_NAMESPACE" default:"variant_analytics"`
}

// Load reads configuration from an optional YAML file and then overlays
// environment variables. Environment variables take precedence.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures the selected providers are fully configured. A missing
// object store bucket must fail here, at startup, not on first use.
func validate(cfg *Config) error {
	switch cfg.Storage.Provider {
	case "s3":
		if cfg.Storage.S3 == nil || cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 storage requires a bucket")
		}
	case "azure":
		if cfg.Storage.Azure == nil || cfg.Storage.Azure.Container == "" {
			return fmt.Errorf("azure storage requires a container")
		}
		az := cfg.Storage.Azure
		if az.SASToken == "" && (az.AccountName == "" || az.AccountKey == "") {
			return fmt.Errorf("azure storage requires an account key or SAS token")
		}
	case "filesystem":
		if cfg.Storage.FileSystem == nil || cfg.Storage.FileSystem.BaseDir == "" {
			return fmt.Errorf("filesystem storage requires a base directory")
		}
	case "memory":
		// No settings; in-process only, for development.
	default:
		return fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}

	switch cfg.Users.CredentialPolicy {
	case "plaintext", "bcrypt":
	default:
		return fmt.Errorf("unsupported credential policy: %s", cfg.Users.CredentialPolicy)
	}

	if cfg.Session.DefaultTTL <= 0 || cfg.Session.RememberTTL <= 0 {
		return fmt.Errorf("session TTLs must be positive")
	}
	if cfg.Cache.DefaultMaxAge <= 0 {
		return fmt.Errorf("cache default max age must be positive")
	}

	return nil
}
