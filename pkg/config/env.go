package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overrides configuration values from environment variables
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "FLOWCRAFT_SERVER_HOST")
	setInt(&cfg.Server.Port, "FLOWCRAFT_SERVER_PORT")
	setList(&cfg.Server.CORSOrigins, "FLOWCRAFT_CORS_ORIGINS")

	setString(&cfg.Storage.Type, "FLOWCRAFT_STORAGE_TYPE")
	setString(&cfg.Storage.DynamoDB.Region, "FLOWCRAFT_DYNAMODB_REGION")
	setString(&cfg.Storage.DynamoDB.Endpoint, "FLOWCRAFT_DYNAMODB_ENDPOINT")
	setString(&cfg.Storage.DynamoDB.TablePrefix, "FLOWCRAFT_DYNAMODB_TABLE_PREFIX")
	setString(&cfg.Storage.Postgres.Host, "FLOWCRAFT_POSTGRES_HOST")
	setInt(&cfg.Storage.Postgres.Port, "FLOWCRAFT_POSTGRES_PORT")
	setString(&cfg.Storage.Postgres.Database, "FLOWCRAFT_POSTGRES_DATABASE")
	setString(&cfg.Storage.Postgres.User, "FLOWCRAFT_POSTGRES_USER")
	setString(&cfg.Storage.Postgres.Password, "FLOWCRAFT_POSTGRES_PASSWORD")
	setString(&cfg.Storage.Postgres.SSLMode, "FLOWCRAFT_POSTGRES_SSL_MODE")

	setBool(&cfg.Auth.RequireAuth, "FLOWCRAFT_REQUIRE_AUTH")
	setString(&cfg.Auth.JWTSecret, "FLOWCRAFT_JWT_SECRET")
	setInt(&cfg.Auth.TokenExpiration, "FLOWCRAFT_TOKEN_EXPIRATION")
	setString(&cfg.Auth.AdminToken, "FLOWCRAFT_ADMIN_TOKEN")
	setString(&cfg.Auth.EncryptionKey, "FLOWCRAFT_ENCRYPTION_KEY")

	setString(&cfg.Logging.Level, "FLOWCRAFT_LOG_LEVEL")
	setString(&cfg.Logging.Format, "FLOWCRAFT_LOG_FORMAT")

	// The public base URL name is shared with the editor frontend
	setString(&cfg.Engine.BaseURL, "NEXT_PUBLIC_FLOWCRAFT_BASE_URL")
	setString(&cfg.Engine.BaseURL, "FLOWCRAFT_BASE_URL")
	setInt(&cfg.Engine.HTTPTimeoutMs, "FLOWCRAFT_HTTP_TIMEOUT_MS")
	setString(&cfg.Engine.DefaultWorkspaceID, "FLOWCRAFT_DEFAULT_WORKSPACE_ID")

	setString(&cfg.Webhook.GlobalToken, "FLOWCRAFT_WEBHOOK_GLOBAL_TOKEN")

	setString(&cfg.Email.Provider, "FLOWCRAFT_EMAIL_PROVIDER")
	setString(&cfg.Email.APIKey, "FLOWCRAFT_EMAIL_API_KEY")
	setString(&cfg.Email.From, "FLOWCRAFT_EMAIL_FROM")
	setString(&cfg.Email.SMTPHost, "FLOWCRAFT_SMTP_HOST")
	setInt(&cfg.Email.SMTPPort, "FLOWCRAFT_SMTP_PORT")
	setString(&cfg.Email.SMTPUsername, "FLOWCRAFT_SMTP_USERNAME")
	setString(&cfg.Email.SMTPPassword, "FLOWCRAFT_SMTP_PASSWORD")

	setBool(&cfg.Scheduler.Enabled, "FLOWCRAFT_SCHEDULER_ENABLED")
	setString(&cfg.Scheduler.RedisAddr, "FLOWCRAFT_REDIS_ADDR")
	setString(&cfg.Scheduler.RedisPassword, "FLOWCRAFT_REDIS_PASSWORD")
	setInt(&cfg.Scheduler.RedisDB, "FLOWCRAFT_REDIS_DB")

	setString(&cfg.Events.NATSURL, "FLOWCRAFT_NATS_URL")

	setBool(&cfg.Tracing.Enabled, "FLOWCRAFT_TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "FLOWCRAFT_OTLP_ENDPOINT")
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

// setList reads a comma separated list
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
