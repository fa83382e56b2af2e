// Package config provides configuration management for the review anchor service.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Chain       ChainConfig
	Auth        AuthConfig
	Idempotency IdempotencyConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string // empty allows any origin
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// connection URL used by migrations.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	KeyPrefix      string // namespace for every key this service writes
}

// ChainConfig holds ledger RPC configuration.
type ChainConfig struct {
	// RPCURL is the single endpoint used when accepting a submission.
	RPCURL string
	// FallbackURLs are tried in order, after RPCURL, for read-only anchor status lookups.
	FallbackURLs    []string
	ChainID         int64
	AnchorContract  string
	RPCTimeout      time.Duration
	BreakerCooldown time.Duration
}

// StatusEndpoints returns the ordered endpoint list for display lookups.
func (c ChainConfig) StatusEndpoints() []string {
	endpoints := make([]string, 0, len(c.FallbackURLs)+1)
	if c.RPCURL != "" {
		endpoints = append(endpoints, c.RPCURL)
	}
	for _, u := range c.FallbackURLs {
		if u != "" && u != c.RPCURL {
			endpoints = append(endpoints, u)
		}
	}
	return endpoints
}

// AuthConfig holds SIWE and token configuration
type AuthConfig struct {
	JWTSecret string
	// TokenLifetime accepts Ns/Nm/Nh/Nd or bare seconds.
	TokenLifetime  time.Duration
	Domain         string
	AllowedDomains []string
	Statement      string
	NonceTTL       time.Duration
	ClockSkew      time.Duration
}

// IdempotencyConfig holds the in-process idempotency cache settings
type IdempotencyConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// CacheConfig holds Redis cache configuration
type CacheConfig struct {
	AnchorStatusTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// ErrMissingJWTSecret is returned by Validate when no signing secret is configured.
var ErrMissingJWTSecret = errors.New("JWT_SECRET is required")

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "review_anchor"),
				User:           getEnv("POSTGRES_USER", "review_anchor"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "review-anchor:"),
			},
		},
		Chain: ChainConfig{
			RPCURL:          getEnv("CHAIN_RPC_URL", ""),
			FallbackURLs:    getEnvAsList("CHAIN_RPC_FALLBACK_URLS"),
			ChainID:         getEnvAsInt64("CHAIN_ID", 11155111),
			AnchorContract:  getEnv("ANCHOR_CONTRACT_ADDRESS", ""),
			RPCTimeout:      getEnvAsDuration("CHAIN_RPC_TIMEOUT", 10*time.Second),
			BreakerCooldown: getEnvAsDuration("CHAIN_RPC_BREAKER_COOLDOWN", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			TokenLifetime:  ParseTokenLifetime(getEnv("JWT_EXPIRES_IN", "")),
			Domain:         getEnv("SIWE_DOMAIN", ""),
			AllowedDomains: getEnvAsList("SIWE_ALLOWED_DOMAINS"),
			Statement:      getEnv("SIWE_STATEMENT", "Sign in to the review platform."),
			NonceTTL:       5 * time.Minute,
			ClockSkew:      60 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			CacheSize: getEnvAsInt("IDEMPOTENCY_CACHE_SIZE", 10000),
			CacheTTL:  getEnvAsDuration("IDEMPOTENCY_CACHE_TTL", 24*time.Hour),
		},
		Cache: CacheConfig{
			AnchorStatusTTL: getEnvAsDuration("ANCHOR_STATUS_CACHE_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate reports settings that must never be defaulted.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Chain.RPCURL == "" {
		return errors.New("CHAIN_RPC_URL is required")
	}
	return nil
}

// DefaultTokenLifetime is used when JWT_EXPIRES_IN is unset or malformed.
const DefaultTokenLifetime = time.Hour

// ParseTokenLifetime parses "30s", "15m", "12h", "7d" or bare seconds ("3600").
func ParseTokenLifetime(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultTokenLifetime
	}

	unit := time.Second
	digits := value
	switch value[len(value)-1] {
	case 's':
		digits = value[:len(value)-1]
	case 'm':
		unit = time.Minute
		digits = value[:len(value)-1]
	case 'h':
		unit = time.Hour
		digits = value[:len(value)-1]
	case 'd':
		unit = 24 * time.Hour
		digits = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(n) * unit
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
