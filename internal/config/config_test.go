package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:           "postgres://localhost:5432/saveup",
		PixBaseURL:            "https://pix.example.com",
		PixAPIKey:             "test-key",
		PixWebhookSecret:      "test-secret",
		PixChargeWindow:       30 * time.Minute,
		JWTSecret:             strings.Repeat("s", 32),
		CacheProvider:         "memory",
		Environment:           "development",
		RedisConnectionString: "redis://localhost:6379/0",
		ExpirySweepInterval:   time.Minute,
		LogFormat:             "text",
		Port:                  "8080",
	}
}

func TestValidateChargeWindowBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		window  time.Duration
		wantErr bool
	}{
		{name: "default thirty minutes", window: 30 * time.Minute},
		{name: "minimum five minutes", window: 5 * time.Minute},
		{name: "too short", window: time.Minute, wantErr: true},
		{name: "too long", window: 2 * time.Hour, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			cfg.PixChargeWindow = tt.window

			err := cfg.validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateCacheProvider(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.CacheProvider = "invalid"

	err := cfg.validate()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "CacheProvider") || !strings.Contains(err.Error(), "oneof") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRedisConnectionStringRequiredForRedisCache(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.CacheProvider = "redis"
	cfg.RedisConnectionString = ""

	err := cfg.validate()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "RedisConnectionString") || !strings.Contains(err.Error(), "required_if") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEmailCredentialsMustBePaired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiKey  string
		from    string
		wantErr bool
	}{
		{name: "both empty", apiKey: "", from: ""},
		{name: "both set", apiKey: "re_key", from: "orders@saveup.example"},
		{name: "key without from", apiKey: "re_key", from: "", wantErr: true},
		{name: "from without key", apiKey: "", from: "orders@saveup.example", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			cfg.ResendAPIKey = tt.apiKey
			cfg.EmailFrom = tt.from

			err := cfg.validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateBaseURLRequiresHTTPSOutsideLocalhost(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.BaseURL = "http://saveup.example.com"

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected error for http base URL, got nil")
	}

	cfg.BaseURL = "http://localhost:8080"
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected localhost http to be allowed, got %v", err)
	}
}

func TestValidatePushRequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PushBaseURL = "https://push.example.com"

	if err := cfg.validate(); err == nil {
		t.Fatalf("expected error for push URL without API key, got nil")
	}

	cfg.PushAPIKey = "push-key"
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
