// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for the operator API middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides settings for the asynq scheduler/worker.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetCatchupInterval() time.Duration
}

// DedupeConfig provides settings for webhook idempotency handling.
type DedupeConfig interface {
	GetRedisURL() string
	GetDedupeTTL() time.Duration
	GetFreshnessWindow() time.Duration
}

// CrmConfig provides settings for the outbound CRM adapter.
type CrmConfig interface {
	GetCrmBaseURL() string
	GetCrmTimeout() time.Duration
	GetCrmMaxAttempts() int
	GetCrmBackoffBase() time.Duration
}

// ReplyConfig provides settings for the reply-generation boundary.
type ReplyConfig interface {
	GetLLMAPIKey() string
	GetLLMBaseURL() string
	GetLLMModel() string
	GetReplyTimeout() time.Duration
	IsReplyEnabled() bool
}

// SMTPConfig provides settings for operator email notifications.
type SMTPConfig interface {
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	IsEmailEnabled() bool
}

// SessionConfig provides settings for the lead session state machine.
type SessionConfig interface {
	GetTransitionMaxAttempts() int
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	HTTPAddr              string
	DatabaseURL           string
	RedisURL              string
	RedisTLSInsecure      bool
	AsynqQueueName        string
	AsynqConcurrency      int
	CatchupInterval       time.Duration
	JWTAccessSecret       string
	CORSAllowAll          bool
	CORSOrigins           []string
	CORSAllowCreds        bool
	TenantsFile           string
	DedupeTTL             time.Duration
	FreshnessWindow       time.Duration
	CrmBaseURL            string
	CrmTimeout            time.Duration
	CrmMaxAttempts        int
	CrmBackoffBase        time.Duration
	LLMAPIKey             string
	LLMBaseURL            string
	LLMModel              string
	ReplyTimeout          time.Duration
	SMTPHost              string
	SMTPPort              int
	SMTPUsername          string
	SMTPPassword          string
	EmailFromName         string
	EmailFromAddress      string
	TransitionMaxAttempts int
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string               { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool         { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string         { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int          { return c.AsynqConcurrency }
func (c *Config) GetCatchupInterval() time.Duration { return c.CatchupInterval }

// DedupeConfig implementation
func (c *Config) GetDedupeTTL() time.Duration       { return c.DedupeTTL }
func (c *Config) GetFreshnessWindow() time.Duration { return c.FreshnessWindow }

// CrmConfig implementation
func (c *Config) GetCrmBaseURL() string            { return c.CrmBaseURL }
func (c *Config) GetCrmTimeout() time.Duration     { return c.CrmTimeout }
func (c *Config) GetCrmMaxAttempts() int           { return c.CrmMaxAttempts }
func (c *Config) GetCrmBackoffBase() time.Duration { return c.CrmBackoffBase }

// ReplyConfig implementation
func (c *Config) GetLLMAPIKey() string           { return c.LLMAPIKey }
func (c *Config) GetLLMBaseURL() string          { return c.LLMBaseURL }
func (c *Config) GetLLMModel() string            { return c.LLMModel }
func (c *Config) GetReplyTimeout() time.Duration { return c.ReplyTimeout }
func (c *Config) IsReplyEnabled() bool           { return c.LLMAPIKey != "" }

// SMTPConfig implementation
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) IsEmailEnabled() bool        { return c.SMTPHost != "" && c.EmailFromAddress != "" }

// SessionConfig implementation
func (c *Config) GetTransitionMaxAttempts() int { return c.TransitionMaxAttempts }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		RedisTLSInsecure:      strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:        getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:      mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		CatchupInterval:       mustDuration(getEnv("SCHEDULER_CATCHUP_INTERVAL", "15m")),
		JWTAccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:          corsAllowAll,
		CORSOrigins:           corsOrigins,
		CORSAllowCreds:        strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		TenantsFile:           getEnv("TENANTS_FILE", "tenants.yaml"),
		DedupeTTL:             mustDuration(getEnv("WEBHOOK_DEDUPE_TTL", "48h")),
		FreshnessWindow:       mustDuration(getEnv("WEBHOOK_FRESHNESS_WINDOW", "5m")),
		CrmBaseURL:            getEnv("CRM_BASE_URL", "https://services.leadconnectorhq.com"),
		CrmTimeout:            mustDuration(getEnv("CRM_TIMEOUT", "30s")),
		CrmMaxAttempts:        mustInt(getEnv("CRM_MAX_ATTEMPTS", "5")),
		CrmBackoffBase:        mustDuration(getEnv("CRM_BACKOFF_BASE", "500ms")),
		LLMAPIKey:             getEnv("MOONSHOT_API_KEY", ""),
		LLMBaseURL:            getEnv("LLM_BASE_URL", ""),
		LLMModel:              getEnv("LLM_MODEL", ""),
		ReplyTimeout:          mustDuration(getEnv("REPLY_TIMEOUT", "20s")),
		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:          getEnv("SMTP_USERNAME", ""),
		SMTPPassword:          getEnv("SMTP_PASSWORD", ""),
		EmailFromName:         getEnv("EMAIL_FROM_NAME", "Lead Router"),
		EmailFromAddress:      getEnv("EMAIL_FROM_ADDRESS", ""),
		TransitionMaxAttempts: mustInt(getEnv("TRANSITION_MAX_ATTEMPTS", "3")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if cfg.CrmMaxAttempts < 1 {
		return nil, fmt.Errorf("CRM_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.TransitionMaxAttempts < 1 {
		return nil, fmt.Errorf("TRANSITION_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
