package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for revguard.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Vault      VaultConfig
	Providers  ProvidersConfig
	Alerting   AlertingConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AdminToken   string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// VaultConfig configures the credential encryption vault.
type VaultConfig struct {
	MasterKey        string
	PreviousKey      string
	PBKDF2Iterations int
}

// ProvidersConfig holds the platform-level provider defaults (per-tenant
// credentials themselves live encrypted in billing_connections).
type ProvidersConfig struct {
	StripeAPIVersion       string
	AppleRootCAPath        string
	GoogleServiceAccountID string
}

// AlertingConfig holds defaults for the alert dispatcher.
type AlertingConfig struct {
	WebhookBaseBackoff time.Duration
	WebhookMaxBackoff  time.Duration
	WebhookMaxAttempts int
	SlackBotToken      string
}

// MonitoringConfig holds monitoring configuration.
type MonitoringConfig struct {
	Enabled                bool
	PrometheusPort         int
	MetricsPath            string
	LogLevel               string
	ReconciliationInterval time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			AdminToken:   getEnv("ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "revguard"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "revguard"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Vault: VaultConfig{
			MasterKey:        getEnv("VAULT_MASTER_KEY", ""),
			PreviousKey:      getEnv("VAULT_PREVIOUS_KEY", ""),
			PBKDF2Iterations: getEnvAsInt("VAULT_PBKDF2_ITERATIONS", 100000),
		},
		Providers: ProvidersConfig{
			StripeAPIVersion:       getEnv("STRIPE_API_VERSION", "2023-10-16"),
			AppleRootCAPath:        getEnv("APPLE_ROOT_CA_PATH", ""),
			GoogleServiceAccountID: getEnv("GOOGLE_SERVICE_ACCOUNT_ID", ""),
		},
		Alerting: AlertingConfig{
			WebhookBaseBackoff: getEnvAsDuration("ALERT_WEBHOOK_BASE_BACKOFF", "60s"),
			WebhookMaxBackoff:  getEnvAsDuration("ALERT_WEBHOOK_MAX_BACKOFF", "1h"),
			WebhookMaxAttempts: getEnvAsInt("ALERT_WEBHOOK_MAX_ATTEMPTS", 5),
			SlackBotToken:      getEnv("SLACK_BOT_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:                getEnvAsBool("MONITORING_ENABLED", true),
			PrometheusPort:         getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:            getEnv("METRICS_PATH", "/metrics"),
			LogLevel:               getEnv("LOG_LEVEL", "info"),
			ReconciliationInterval: getEnvAsDuration("RECONCILIATION_INTERVAL", "5m"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Vault.MasterKey == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
