package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadServerConfig_DefaultEnvironment(t *testing.T) {
	os.Unsetenv("ENV")
	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("expected %q, got %q", EnvDevelopment, cfg.Environment)
	}
}

func TestLoadServerConfig_InvalidEnvironment(t *testing.T) {
	t.Setenv("ENV", "invalid")
	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("expected %q for invalid ENV, got %q", EnvDevelopment, cfg.Environment)
	}
}

func TestLoadServerConfig_ValidEnvironments(t *testing.T) {
	tests := []struct {
		env  string
		want Environment
	}{
		{"development", EnvDevelopment},
		{"staging", EnvStaging},
		{"production", EnvProduction},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			cfg := LoadServerConfig()
			if cfg.Environment != tt.want {
				t.Errorf("expected %q, got %q", tt.want, cfg.Environment)
			}
		})
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	for _, key := range []string{"POLL_INTERVAL", "LEASE_TTL", "DISPATCH_MODE", "DISPATCH_CONFIG", "DISPATCH_WORKERS", "LISTEN_ADDR", "RATE_LIMIT_PERIOD", "RATE_LIMIT_REQUESTS", "CORS_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := LoadServerConfig()
	if cfg.PollInterval != time.Hour {
		t.Errorf("expected 1h poll interval, got %v", cfg.PollInterval)
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Errorf("expected 30s lease, got %v", cfg.LeaseTTL)
	}
	if cfg.DispatchMode != DispatchModeFake {
		t.Errorf("expected fake dispatch without config file, got %q", cfg.DispatchMode)
	}
	if cfg.DispatchWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.ListenAddr)
	}
	if cfg.CORSOrigins != nil {
		t.Errorf("expected no CORS origins, got %q", cfg.CORSOrigins)
	}
	if cfg.RateLimitRequests != 100 || cfg.RateLimitPeriod != "1m" {
		t.Errorf("unexpected rate limit %d/%s", cfg.RateLimitRequests, cfg.RateLimitPeriod)
	}
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "15m")
	t.Setenv("DISPATCH_CONFIG", "/etc/stagehand/dispatch.yml")
	t.Setenv("DISPATCH_MODE", "")
	t.Setenv("DISPATCH_WORKERS", "-2")
	t.Setenv("UNASSIGN_SUPERSEDED", "yes")
	t.Setenv("RATE_LIMIT_PERIOD", "bogus")
	t.Setenv("CORS_ORIGINS", " https://ops.example.com, ,https://admin.example.com ")

	cfg := LoadServerConfig()
	if cfg.PollInterval != 15*time.Minute {
		t.Errorf("expected 15m, got %v", cfg.PollInterval)
	}
	if cfg.DispatchMode != DispatchModeHTTP {
		t.Errorf("expected http dispatch when a config file is set, got %q", cfg.DispatchMode)
	}
	if cfg.DispatchWorkers != 4 {
		t.Errorf("expected invalid worker count to fall back to 4, got %d", cfg.DispatchWorkers)
	}
	if !cfg.UnassignSuperseded {
		t.Error("expected UnassignSuperseded to be true")
	}
	if cfg.RateLimitPeriod != "1m" {
		t.Errorf("expected invalid period to fall back to 1m, got %q", cfg.RateLimitPeriod)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://admin.example.com" {
		t.Errorf("unexpected CORS origins %q", cfg.CORSOrigins)
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Minute},
		{"90s", 90 * time.Second},
		{"2h", 2 * time.Hour},
		{"0s", time.Minute},
		{"-5m", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.val, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.val)
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration(%q) = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}
