// internal/config/config_test.go
// Package config provides unit tests for environment-driven settings.
package config

import (
	"os"
	"testing"
	"time"
)

// clearZappEnv blanks every variable Load reads so tests observe the
// shipped defaults regardless of the host environment.
func clearZappEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ZAPP_ENV", "ZAPP_PORT", "FAL_API_KEY", "OPENROUTER_API_KEY",
		"ZAPP_FAL_BASE_URL", "ZAPP_OPENROUTER_BASE_URL",
		"ZAPP_DB_DSN", "ZAPP_REDIS_URL", "ZAPP_NATS_URL",
		"ZAPP_JWKS_URL", "ZAPP_JWT_ISSUER", "ZAPP_JWT_AUDIENCE",
		"ZAPP_S3_ENDPOINT", "ZAPP_S3_REGION", "ZAPP_S3_BUCKET",
		"ZAPP_S3_ACCESS_KEY", "ZAPP_S3_SECRET_KEY", "ZAPP_CATALOG_PATH",
		"ZAPP_ANON_MAX", "ZAPP_ANON_WINDOW", "ZAPP_AUTH_MAX", "ZAPP_AUTH_WINDOW",
		"ZAPP_REQUEST_TIMEOUT", "ZAPP_STREAM_TIMEOUT", "ZAPP_CORS_ALLOWED_ORIGINS",
	} {
		// t.Setenv registers the restore; unset so LookupEnv-based
		// overrides see the variable as absent, not empty.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// TestLoadDefaults verifies the shipped defaults when nothing is set.
func TestLoadDefaults(t *testing.T) {
	clearZappEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Env != "dev" {
		t.Errorf("Env: got %q want dev", cfg.Env)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port: got %q want 8080", cfg.Port)
	}
	if cfg.FalBaseURL != "https://queue.fal.run" {
		t.Errorf("FalBaseURL: got %q", cfg.FalBaseURL)
	}
	if cfg.OpenRouterBaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("OpenRouterBaseURL: got %q", cfg.OpenRouterBaseURL)
	}
	if cfg.AnonymousLimit.Max != 30 || cfg.AnonymousLimit.Window != time.Hour {
		t.Errorf("AnonymousLimit: got %+v", cfg.AnonymousLimit)
	}
	if cfg.AuthenticatedLimit.Max != 200 || cfg.AuthenticatedLimit.Window != 24*time.Hour {
		t.Errorf("AuthenticatedLimit: got %+v", cfg.AuthenticatedLimit)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("RequestTimeout: got %v", cfg.RequestTimeout)
	}
	if cfg.StreamTimeout != 10*time.Minute {
		t.Errorf("StreamTimeout: got %v", cfg.StreamTimeout)
	}
	if cfg.S3Region != "us-east-1" {
		t.Errorf("S3Region: got %q", cfg.S3Region)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Errorf("CORSAllowedOrigins: got %v want empty", cfg.CORSAllowedOrigins)
	}
}

// TestLoadOverrides verifies environment variable overrides.
func TestLoadOverrides(t *testing.T) {
	clearZappEnv(t)
	t.Setenv("ZAPP_ENV", "prod")
	t.Setenv("ZAPP_PORT", "9090")
	t.Setenv("FAL_API_KEY", "fal-secret")
	t.Setenv("ZAPP_ANON_MAX", "5")
	t.Setenv("ZAPP_ANON_WINDOW", "30m")
	t.Setenv("ZAPP_AUTH_MAX", "1000")
	t.Setenv("ZAPP_REQUEST_TIMEOUT", "45s")
	t.Setenv("ZAPP_CORS_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Env != "prod" || cfg.Port != "9090" {
		t.Errorf("Env/Port: got %q/%q", cfg.Env, cfg.Port)
	}
	if cfg.FalAPIKey != "fal-secret" {
		t.Errorf("FalAPIKey: got %q", cfg.FalAPIKey)
	}
	if cfg.AnonymousLimit.Max != 5 || cfg.AnonymousLimit.Window != 30*time.Minute {
		t.Errorf("AnonymousLimit: got %+v", cfg.AnonymousLimit)
	}
	if cfg.AuthenticatedLimit.Max != 1000 {
		t.Errorf("AuthenticatedLimit.Max: got %d", cfg.AuthenticatedLimit.Max)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout: got %v", cfg.RequestTimeout)
	}
	want := []string{"https://app.example.com", "https://staging.example.com"}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[0] != want[0] || cfg.CORSAllowedOrigins[1] != want[1] {
		t.Errorf("CORSAllowedOrigins: got %v want %v", cfg.CORSAllowedOrigins, want)
	}
}

// TestLoadIgnoresInvalidOverrides verifies that malformed numeric or
// duration values fall back to the defaults instead of failing startup.
func TestLoadIgnoresInvalidOverrides(t *testing.T) {
	clearZappEnv(t)
	t.Setenv("ZAPP_ANON_MAX", "lots")
	t.Setenv("ZAPP_AUTH_WINDOW", "-1h")
	t.Setenv("ZAPP_STREAM_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AnonymousLimit.Max != 30 {
		t.Errorf("AnonymousLimit.Max: got %d want 30", cfg.AnonymousLimit.Max)
	}
	if cfg.AuthenticatedLimit.Window != 24*time.Hour {
		t.Errorf("AuthenticatedLimit.Window: got %v want 24h", cfg.AuthenticatedLimit.Window)
	}
	if cfg.StreamTimeout != 10*time.Minute {
		t.Errorf("StreamTimeout: got %v want 10m", cfg.StreamTimeout)
	}
}

// TestLoadRequiresIssuerAndAudienceWithJWKS verifies that identity
// settings are all-or-nothing.
func TestLoadRequiresIssuerAndAudienceWithJWKS(t *testing.T) {
	clearZappEnv(t)
	t.Setenv("ZAPP_JWKS_URL", "https://auth.example.com/.well-known/jwks.json")

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail when JWKS URL is set without issuer and audience")
	}

	t.Setenv("ZAPP_JWT_ISSUER", "https://auth.example.com")
	t.Setenv("ZAPP_JWT_AUDIENCE", "zapp")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with full identity settings: %v", err)
	}
}
