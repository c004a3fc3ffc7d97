// Package config provides configuration management for Stagehand.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// DispatchMode selects the assignment backend.
type DispatchMode string

const (
	// DispatchModeHTTP calls the MDM assignment API.
	DispatchModeHTTP DispatchMode = "http"
	// DispatchModeFake records assignments in memory.
	DispatchModeFake DispatchMode = "fake"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string
	DatabaseURL string
	RedisURL    string // optional; enables shared leases and rate limits
	LogLevel    string

	PollInterval time.Duration // how often due schedules are evaluated (default: 1h)
	LeaseTTL     time.Duration // per-schedule evaluation lease (default: 30s)
	BatchSize    int           // schedules evaluated per tick (default: 500)

	DispatchMode         DispatchMode
	DispatchConfigPath   string
	DispatchWorkers      int
	DispatchPollInterval time.Duration
	DispatchMaxRetries   int
	UnassignSuperseded   bool // default for new schedules

	CORSOrigins       []string // empty allows any origin outside production
	RateLimitRequests int64
	RateLimitPeriod   string
	MetricsInterval   time.Duration
	ShutdownTimeout   time.Duration
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	mode := DispatchMode(strings.ToLower(os.Getenv("DISPATCH_MODE")))
	switch mode {
	case DispatchModeHTTP, DispatchModeFake:
	default:
		mode = DispatchModeFake
		if os.Getenv("DISPATCH_CONFIG") != "" {
			mode = DispatchModeHTTP
		}
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}

	rateLimitPeriod := os.Getenv("RATE_LIMIT_PERIOD")
	if _, err := time.ParseDuration(rateLimitPeriod); err != nil {
		rateLimitPeriod = "1m"
	}

	return ServerConfig{
		Environment:          env,
		ListenAddr:           listenAddr,
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LogLevel:             logLevel,
		PollInterval:         getEnvDuration("POLL_INTERVAL", time.Hour),
		LeaseTTL:             getEnvDuration("LEASE_TTL", 30*time.Second),
		BatchSize:            positive(getEnvInt("RUNNER_BATCH_SIZE", 500), 500),
		DispatchMode:         mode,
		DispatchConfigPath:   os.Getenv("DISPATCH_CONFIG"),
		DispatchWorkers:      positive(getEnvInt("DISPATCH_WORKERS", 4), 4),
		DispatchPollInterval: getEnvDuration("DISPATCH_POLL_INTERVAL", 5*time.Second),
		DispatchMaxRetries:   positive(getEnvInt("DISPATCH_MAX_RETRIES", 5), 5),
		UnassignSuperseded:   getEnvBool("UNASSIGN_SUPERSEDED", false),
		CORSOrigins:          splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRequests:    int64(positive(getEnvInt("RATE_LIMIT_REQUESTS", 100), 100)),
		RateLimitPeriod:      rateLimitPeriod,
		MetricsInterval:      getEnvDuration("METRICS_INTERVAL", 30*time.Second),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positive(n, defaultVal int) int {
	if n <= 0 {
		return defaultVal
	}
	return n
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a positive duration such as "1h" or "90s", returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
