// Package config provides configuration handling for flowcraft.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Webhook trigger configuration
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`

	// Email delivery configuration
	Email EmailConfig `json:"email" yaml:"email"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Events configuration
	Events EventsConfig `json:"events" yaml:"events"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`

	// Browser origins allowed by CORS; empty allows any origin
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type" yaml:"type"` // "memory", "dynamodb", "postgres"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb" yaml:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	Region      string `json:"region" yaml:"region"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// RequireAuth protects the management API with JWT bearer tokens
	RequireAuth bool `json:"require_auth" yaml:"require_auth"`

	// JWTSecret is the secret for signing JWT tokens
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration" yaml:"token_expiration"`

	// AdminToken guards token issuance
	AdminToken string `json:"admin_token" yaml:"admin_token"`

	// EncryptionKey is the hex encoded AES-256 key for credential configs
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`   // "debug", "info", "warn", "error"
	Format   string `json:"format" yaml:"format"` // "json", "text"
	Output   string `json:"output" yaml:"output"` // "stdout", "stderr", "file"
	FilePath string `json:"file_path" yaml:"file_path"`
}

// EngineConfig contains run execution settings
type EngineConfig struct {
	// BaseURL resolves relative http_request URLs
	BaseURL string `json:"base_url" yaml:"base_url"`

	// HTTPTimeoutMs bounds each outbound HTTP attempt
	HTTPTimeoutMs int `json:"http_timeout_ms" yaml:"http_timeout_ms"`

	// DefaultWorkspaceID is used when a request carries no workspace
	DefaultWorkspaceID string `json:"default_workspace_id" yaml:"default_workspace_id"`
}

// WebhookConfig contains inbound webhook settings
type WebhookConfig struct {
	// GlobalToken is accepted by every token protected webhook
	GlobalToken string `json:"global_token" yaml:"global_token"`
}

// EmailConfig contains send_email provider settings
type EmailConfig struct {
	Provider     string `json:"provider" yaml:"provider"` // "resend", "sendgrid", "smtp"
	APIKey       string `json:"api_key" yaml:"api_key"`
	From         string `json:"from" yaml:"from"`
	SMTPHost     string `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" yaml:"smtp_port"`
	SMTPUsername string `json:"smtp_username" yaml:"smtp_username"`
	SMTPPassword string `json:"smtp_password" yaml:"smtp_password"`
}

// SchedulerConfig contains cron delivery settings
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	// SyncIntervalSeconds is how often flows are rescanned
	SyncIntervalSeconds int `json:"sync_interval_seconds" yaml:"sync_interval_seconds"`
}

// EventsConfig contains run event fan-out settings
type EventsConfig struct {
	// NATSURL enables publishing run events to NATS when set
	NATSURL string `json:"nats_url" yaml:"nats_url"`

	// SubjectPrefix is prepended to run event subjects
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// LoadConfig loads the configuration from a JSON or YAML file. Values
// missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "flowcraft_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "flowcraft",
				User:     "flowcraft",
				SSLMode:  "disable",
			},
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			BaseURL:       "http://localhost:3000",
			HTTPTimeoutMs: 30000,
		},
		Scheduler: SchedulerConfig{
			RedisAddr:           "localhost:6379",
			SyncIntervalSeconds: 60,
		},
		Events: EventsConfig{
			SubjectPrefix: "flowcraft.runs",
		},
		Tracing: TracingConfig{
			Endpoint:    "127.0.0.1:4318",
			ServiceName: "flowcraft",
			SampleRatio: 1.0,
		},
	}
}

// SaveConfig saves the configuration to a file, as YAML when the path has
// a .yaml or .yml extension
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
