// Package config provides service configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables with the PRT_ prefix (plus DATABASE_URL)
//  2. Config file (~/.pr-telemetry/config.yaml or ./config.yaml)
//  3. Defaults
//
// Sensitive fields (database password, HMAC secret, tokens, API keys) are
// never logged and are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is().
var (
	// ErrInvalidListenAddr indicates the HTTP listen address is malformed.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrMissingHMACSecret indicates the HMAC secret is not set.
	ErrMissingHMACSecret = errors.New("missing HMAC secret")

	// ErrInvalidHMACSecret indicates the HMAC secret is too short.
	ErrInvalidHMACSecret = errors.New("invalid HMAC secret")

	// ErrMissingServiceToken indicates the API service token is not set.
	ErrMissingServiceToken = errors.New("missing service token")

	// ErrInvalidBlobRoot indicates the blob store root is empty.
	ErrInvalidBlobRoot = errors.New("invalid blob root")

	// ErrInvalidQAWorkers indicates the QA worker count is out of range.
	ErrInvalidQAWorkers = errors.New("invalid QA worker count")
)

// MinHMACSecretLen matches the hash-chain engine's minimum secret length.
const MinHMACSecretLen = 32

// Config stores service configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when
// adding passwords, secrets, or tokens.
type Config struct {
	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Blob store root directory.
	BlobRoot string `mapstructure:"blob_root" json:"blob_root"`

	// HMACSecret keys the event hash chain. Min 32 bytes.
	HMACSecret string `mapstructure:"hmac_secret" json:"hmac_secret"` // SENSITIVE

	// ServiceToken authorizes trace creation and admin endpoints.
	ServiceToken string `mapstructure:"service_token" json:"service_token"` // SENSITIVE

	// IdempotencyTTL bounds how long HTTP replay records live.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" json:"idempotency_ttl"`

	// QA orchestration
	QAWorkers     int    `mapstructure:"qa_workers" json:"qa_workers"`
	JudgeModel    string `mapstructure:"judge_model" json:"judge_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE
	SandboxImage  string `mapstructure:"sandbox_image" json:"sandbox_image"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load reads configuration from defaults, an optional config file, and the
// environment, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.pr-telemetry")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "prt")
	v.SetDefault("postgres_password", "prt_dev_password")
	v.SetDefault("postgres_db_name", "prt")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("blob_root", "./data/blobs")
	v.SetDefault("idempotency_ttl", 24*time.Hour)

	v.SetDefault("qa_workers", 2)
	v.SetDefault("judge_model", "gemini-2.5-flash")
	v.SetDefault("sandbox_image", "pr-telemetry-sandbox:latest")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}
	if c.BlobRoot == "" {
		return ErrInvalidBlobRoot
	}
	if c.HMACSecret == "" {
		return ErrMissingHMACSecret
	}
	if len(c.HMACSecret) < MinHMACSecretLen {
		return fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidHMACSecret, MinHMACSecretLen, len(c.HMACSecret))
	}
	if c.ServiceToken == "" {
		return ErrMissingServiceToken
	}
	if c.QAWorkers < 1 || c.QAWorkers > 64 {
		return fmt.Errorf("%w: %d", ErrInvalidQAWorkers, c.QAWorkers)
	}
	return nil
}

// JudgeEnabled reports whether real LLM judging is configured. Without an
// API key the QA orchestrator falls back to the mock judge.
func (c *Config) JudgeEnabled() bool {
	return c.GeminiAPIKey != ""
}

// MarshalJSON masks sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.HMACSecret != "" {
		masked.HMACSecret = "***"
	}
	if masked.ServiceToken != "" {
		masked.ServiceToken = "***"
	}
	if masked.GeminiAPIKey != "" {
		masked.GeminiAPIKey = "***"
	}
	return json.Marshal(masked)
}
