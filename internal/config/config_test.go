package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected host %s, got %s", DefaultHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Limits.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.Limits.MaxRetries)
	}
	if cfg.Adaptive.Mode != "observe_only" {
		t.Errorf("Expected adaptive mode observe_only, got %s", cfg.Adaptive.Mode)
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("Expected failure threshold 5, got %d", cfg.Circuit.FailureThreshold)
	}
	if !cfg.Observability.RedactBodies {
		t.Error("Expected RedactBodies true by default")
	}
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected default host %s, got %s", DefaultHost, cfg.Server.Host)
	}
}

func TestLoadConfig_WithEnvironmentVariables(t *testing.T) {
	testEnvVars := map[string]string{
		"OLLA_SERVER_PORT":   "8080",
		"OLLA_SERVER_HOST":   "0.0.0.0",
		"OLLA_LOGGING_LEVEL": "debug",
	}

	for key, value := range testEnvVars {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range testEnvVars {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load with env vars failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected host 0.0.0.0 from env var, got %s", cfg.Server.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Logging.Level)
	}
}

func TestDefaultConfig_Limits(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Limits.BaseBackoffMs != 250 {
		t.Errorf("Expected base backoff 250ms, got %d", cfg.Limits.BaseBackoffMs)
	}
	if cfg.Limits.MaxBackoffMs != 8000 {
		t.Errorf("Expected max backoff 8000ms, got %d", cfg.Limits.MaxBackoffMs)
	}
	if cfg.Limits.QueueMaxWaitMs != 5000 {
		t.Errorf("Expected queue max wait 5000ms, got %d", cfg.Limits.QueueMaxWaitMs)
	}
}

func TestDefaultConfig_ModelRoutingDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ModelRouting.Enabled {
		t.Error("Expected modelRouting.enabled=false by default - routing is opt-in")
	}
}

func TestDefaultConfig_RateLimits(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.RateLimits.GlobalRequestsPerMinute != 6000 {
		t.Errorf("Expected global rate limit 6000, got %d", cfg.Server.RateLimits.GlobalRequestsPerMinute)
	}
	if cfg.Server.RateLimits.BurstSize != 50 {
		t.Errorf("Expected burst size 50, got %d", cfg.Server.RateLimits.BurstSize)
	}
	if cfg.Server.RateLimits.CleanupInterval != 5*time.Minute {
		t.Errorf("Expected cleanup interval 5m, got %v", cfg.Server.RateLimits.CleanupInterval)
	}
}

func TestLoadConfig_WithRequestLimits(t *testing.T) {
	testEnvVars := map[string]string{
		"OLLA_SERVER_REQUEST_LIMITS_MAX_BODY_SIZE": "52428800",
	}
	for key, value := range testEnvVars {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range testEnvVars {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load with request limit env vars failed: %v", err)
	}

	if cfg.Server.RequestLimits.MaxBodySize != 52428800 {
		t.Errorf("Expected body size 52428800 from env var, got %d", cfg.Server.RequestLimits.MaxBodySize)
	}
}
