// Package config provides configuration loading and management for the zapp proxy.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// LimitConfig captures the fixed-window quota for one quota class.
type LimitConfig struct {
	Max    int           // Requests permitted per window
	Window time.Duration // Window length
}

// Config captures environment-driven settings for the zapp proxy.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Provider credentials. Absence is not a startup error: requests that
	// need a missing credential fail individually with a configuration error.
	FalAPIKey        string // fal.ai queue API key
	OpenRouterAPIKey string // OpenRouter API key

	// Provider endpoints, overridable for testing against fakes.
	FalBaseURL        string
	OpenRouterBaseURL string

	DatabaseDSN string // PostgreSQL DSN for history persistence (empty: in-memory)
	RedisURL    string // Redis URL for the rate-limit store (empty: in-process)
	NATSURL     string // NATS server URL for job events (empty: noop)

	// Identity (optional). When JWKSURL is empty all callers are anonymous.
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	// S3 asset mirror (optional).
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	CatalogPath string // Optional YAML model catalog override

	// Rate limits per quota class. Scopes share one config per class,
	// matching the shipped defaults.
	AnonymousLimit     LimitConfig
	AuthenticatedLimit LimitConfig

	// Upper bounds on request lifetime.
	RequestTimeout time.Duration // Non-streaming upstream calls
	StreamTimeout  time.Duration // Streaming relays

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

const (
	defaultPort     = "8080"
	defaultEnv      = "dev"
	defaultS3Region = "us-east-1"

	defaultAnonMax    = 30
	defaultAnonWindow = time.Hour
	defaultAuthMax    = 200
	defaultAuthWindow = 24 * time.Hour

	defaultRequestTimeout = 2 * time.Minute
	defaultStreamTimeout  = 10 * time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. All settings have defaults; Load never fails on a missing
// provider credential.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("ZAPP_ENV", defaultEnv),
		Port:               getEnv("ZAPP_PORT", defaultPort),
		FalAPIKey:          os.Getenv("FAL_API_KEY"),
		OpenRouterAPIKey:   os.Getenv("OPENROUTER_API_KEY"),
		FalBaseURL:         getEnv("ZAPP_FAL_BASE_URL", "https://queue.fal.run"),
		OpenRouterBaseURL:  getEnv("ZAPP_OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		DatabaseDSN:        os.Getenv("ZAPP_DB_DSN"),
		RedisURL:           os.Getenv("ZAPP_REDIS_URL"),
		NATSURL:            os.Getenv("ZAPP_NATS_URL"),
		JWKSURL:            os.Getenv("ZAPP_JWKS_URL"),
		JWTIssuer:          os.Getenv("ZAPP_JWT_ISSUER"),
		JWTAudience:        os.Getenv("ZAPP_JWT_AUDIENCE"),
		S3Endpoint:         os.Getenv("ZAPP_S3_ENDPOINT"),
		S3Region:           getEnv("ZAPP_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("ZAPP_S3_BUCKET"),
		S3AccessKey:        os.Getenv("ZAPP_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("ZAPP_S3_SECRET_KEY"),
		CatalogPath:        os.Getenv("ZAPP_CATALOG_PATH"),
		AnonymousLimit:     LimitConfig{Max: defaultAnonMax, Window: defaultAnonWindow},
		AuthenticatedLimit: LimitConfig{Max: defaultAuthMax, Window: defaultAuthWindow},
		RequestTimeout:     defaultRequestTimeout,
		StreamTimeout:      defaultStreamTimeout,
	}

	if v, exists := os.LookupEnv("ZAPP_ANON_MAX"); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnonymousLimit.Max = n
		}
	}
	if v, exists := os.LookupEnv("ZAPP_ANON_WINDOW"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AnonymousLimit.Window = d
		}
	}
	if v, exists := os.LookupEnv("ZAPP_AUTH_MAX"); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AuthenticatedLimit.Max = n
		}
	}
	if v, exists := os.LookupEnv("ZAPP_AUTH_WINDOW"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AuthenticatedLimit.Window = d
		}
	}
	if v, exists := os.LookupEnv("ZAPP_REQUEST_TIMEOUT"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RequestTimeout = d
		}
	}
	if v, exists := os.LookupEnv("ZAPP_STREAM_TIMEOUT"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StreamTimeout = d
		}
	}

	if origins, exists := os.LookupEnv("ZAPP_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(origins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Identity is all-or-nothing: a JWKS URL without issuer/audience cannot
	// validate anything.
	if cfg.JWKSURL != "" && (cfg.JWTIssuer == "" || cfg.JWTAudience == "") {
		return cfg, fmt.Errorf("ZAPP_JWT_ISSUER and ZAPP_JWT_AUDIENCE are required when ZAPP_JWKS_URL is set")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
