// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opsdesk/opsdesk/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	RBAC          RBACConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Session tokens
	JWTSecret     string
	SessionExpiry time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds the optional cache backend configuration
type RedisConfig struct {
	URL      string // empty disables the Redis scope cache
	Password string
	DB       int
}

// RBACConfig holds permission engine configuration
type RBACConfig struct {
	// ScopeCacheTTL bounds the staleness window for cached access scopes.
	// Role and team mutations invalidate eagerly; the TTL is the backstop.
	ScopeCacheTTL time.Duration

	// ScopeCacheSize is the entry cap for the in-process cache used when
	// no Redis backend is configured.
	ScopeCacheSize int

	// MaxLedTeams caps the team-leadership fan-out per user.
	MaxLedTeams int
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	// RetentionDays is how long entries are kept before cleanup. Bounded 1-365.
	RetentionDays int

	// CleanupSchedule is a cron expression for the retention job.
	CleanupSchedule string

	// ArchivePath, when set, receives a compressed NDJSON archive of
	// expired entries before they are deleted.
	ArchivePath string

	// LogAllRequests makes the HTTP audit middleware record every request,
	// not just mutations, denials, and sensitive paths.
	LogAllRequests bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("OPSDESK_HOST", "0.0.0.0"),
			Port:            getEnv("OPSDESK_PORT", "8080"),
			ReadTimeout:     getEnvDuration("OPSDESK_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("OPSDESK_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("OPSDESK_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("OPSDESK_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("OPSDESK_HEALTH_PORT", "9090"),
			JWTSecret:       getEnv("OPSDESK_JWT_SECRET", ""),
			SessionExpiry:   getEnvDuration("OPSDESK_SESSION_EXPIRY", 12*time.Hour),
		},
		Database: DatabaseConfig{
			URL:          getEnv("OPSDESK_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("OPSDESK_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("OPSDESK_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("OPSDESK_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("OPSDESK_REDIS_URL", ""),
			Password: getEnv("OPSDESK_REDIS_PASSWORD", ""),
			DB:       getEnvInt("OPSDESK_REDIS_DB", 0),
		},
		RBAC: RBACConfig{
			ScopeCacheTTL:  getEnvDuration("OPSDESK_SCOPE_CACHE_TTL", 30*time.Second),
			ScopeCacheSize: getEnvInt("OPSDESK_SCOPE_CACHE_SIZE", 4096),
			MaxLedTeams:    getEnvInt("OPSDESK_MAX_LED_TEAMS", 64),
		},
		Audit: AuditConfig{
			RetentionDays:   getEnvInt("OPSDESK_AUDIT_RETENTION_DAYS", 90),
			CleanupSchedule: getEnv("OPSDESK_AUDIT_CLEANUP_SCHEDULE", "0 3 * * *"),
			ArchivePath:     getEnv("OPSDESK_AUDIT_ARCHIVE_PATH", ""),
			LogAllRequests:  getEnvBool("OPSDESK_AUDIT_LOG_ALL", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("OPSDESK_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("OPSDESK_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("OPSDESK_JWT_SECRET is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("OPSDESK_POSTGRES_URL is required")
	}
	if c.Audit.RetentionDays < 1 || c.Audit.RetentionDays > 365 {
		return fmt.Errorf("audit retention days must be between 1 and 365, got %d", c.Audit.RetentionDays)
	}
	if c.RBAC.ScopeCacheTTL < 0 || c.RBAC.ScopeCacheTTL > 5*time.Minute {
		return fmt.Errorf("scope cache TTL must be between 0 and 5m, got %s", c.RBAC.ScopeCacheTTL)
	}
	if c.RBAC.MaxLedTeams < 1 {
		return fmt.Errorf("max led teams must be positive, got %d", c.RBAC.MaxLedTeams)
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
