package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validTestConfig returns defaults with the deployment-specific fields
// filled in, the minimum a config file must provide.
func validTestConfig() *Config {
	cfg := defaults()
	cfg.Auth.Issuer = "https://issuer.example.com"
	cfg.Auth.Audience = "lingocast"
	cfg.Auth.JWKSURL = "https://issuer.example.com/.well-known/jwks.json"
	cfg.Languages.Pairs = map[string][]string{"en": {"es", "fr"}}
	cfg.IPHashSalt = "pepper"
	return cfg
}

func TestLoadMissingFileFailsValidation(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected validation error for pure defaults")
	}
	if !strings.Contains(err.Error(), "auth.issuer") {
		t.Errorf("expected auth.issuer in error, got %v", err)
	}
}

func TestLoadExampleValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lingocast.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatalf("failed to write example config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("example config should load cleanly: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.ControlPort != 9090 {
		t.Errorf("expected control port 9090, got %d", cfg.Server.ControlPort)
	}
	if cfg.RateLimit.CreateSession.Limit != 5 {
		t.Errorf("expected createSession limit 5, got %d", cfg.RateLimit.CreateSession.Limit)
	}
	if cfg.RateLimit.JoinSession.Limit != 30 {
		t.Errorf("expected joinSession limit 30, got %d", cfg.RateLimit.JoinSession.Limit)
	}
	if cfg.Session.MaxListenersPerSession != 500 {
		t.Errorf("expected listener cap 500, got %d", cfg.Session.MaxListenersPerSession)
	}
	if got := cfg.Connection.MaxDuration(); got != 2*time.Hour {
		t.Errorf("expected max connection duration 2h, got %v", got)
	}
	if got := cfg.Store.OpTimeout(); got != 2*time.Second {
		t.Errorf("expected store op timeout 2s, got %v", got)
	}
	if got := cfg.Languages.LookupBudget(); got != 500*time.Millisecond {
		t.Errorf("expected lookup budget 500ms, got %v", got)
	}
	if len(cfg.Languages.Pairs["en"]) == 0 {
		t.Error("expected example language pairs for en")
	}
}

func TestWriteExampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lingocast.yaml")
	if err := os.WriteFile(path, []byte("keep: me"), 0644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	if err := WriteExample(path); err == nil {
		t.Fatal("expected refusal to overwrite existing file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file back: %v", err)
	}
	if string(data) != "keep: me" {
		t.Errorf("existing file was modified: %q", data)
	}
}

func TestLoadOverridesKeepDefaults(t *testing.T) {
	raw := `
server:
  port: 8443
session:
  max_listeners_per_session: 50
auth:
  issuer: https://issuer.example.com
  audience: lingocast
  jwks_url: https://issuer.example.com/.well-known/jwks.json
languages:
  source: static
  pairs:
    en: [es]
ip_hash_salt: pepper
`
	path := filepath.Join(t.TempDir(), "lingocast.yaml")
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 8443 {
		t.Errorf("expected overridden port 8443, got %d", cfg.Server.Port)
	}
	if cfg.Session.MaxListenersPerSession != 50 {
		t.Errorf("expected overridden cap 50, got %d", cfg.Session.MaxListenersPerSession)
	}
	// Unset keys keep their defaults.
	if cfg.Server.ControlPort != 9090 {
		t.Errorf("expected default control port 9090, got %d", cfg.Server.ControlPort)
	}
	if cfg.Connection.MaxDurationSec != 7200 {
		t.Errorf("expected default max duration 7200, got %d", cfg.Connection.MaxDurationSec)
	}
	if cfg.Auth.TokenUse != "access" {
		t.Errorf("expected default token_use access, got %s", cfg.Auth.TokenUse)
	}
	if cfg.Broadcast.MaxParallel != 32 {
		t.Errorf("expected default broadcast parallelism 32, got %d", cfg.Broadcast.MaxParallel)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lingocast.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatalf("failed to write example config: %v", err)
	}

	t.Setenv("LINGOCAST_PORT", "18080")
	t.Setenv("LINGOCAST_LOG_LEVEL", "debug")
	t.Setenv("LINGOCAST_STORE_BACKEND", "redis")
	t.Setenv("LINGOCAST_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("LINGOCAST_IP_HASH_SALT", "env-pepper")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 18080 {
		t.Errorf("expected env port 18080, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("expected env backend redis, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected env redis addr, got %s", cfg.Store.Redis.Addr)
	}
	if cfg.IPHashSalt != "env-pepper" {
		t.Errorf("expected env salt, got %s", cfg.IPHashSalt)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "control port collision",
			mutate:  func(c *Config) { c.Server.ControlPort = c.Server.Port },
			wantErr: "control_port",
		},
		{
			name:    "half a tls key pair",
			mutate:  func(c *Config) { c.Server.TLS.CertFile = "cert.pem" },
			wantErr: "server.tls",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "store.backend",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Store.Backend = "redis"; c.Store.Redis.Addr = "" },
			wantErr: "store.redis.addr",
		},
		{
			name:    "zero listener cap",
			mutate:  func(c *Config) { c.Session.MaxListenersPerSession = 0 },
			wantErr: "max_listeners_per_session",
		},
		{
			name:    "warning past cap",
			mutate:  func(c *Config) { c.Connection.WarningSec = c.Connection.MaxDurationSec },
			wantErr: "warning_sec",
		},
		{
			name:    "refresh past warning",
			mutate:  func(c *Config) { c.Connection.RefreshSec = c.Connection.WarningSec },
			wantErr: "refresh_sec",
		},
		{
			name:    "limit without window",
			mutate:  func(c *Config) { c.RateLimit.JoinSession.WindowSec = 0 },
			wantErr: "window_sec",
		},
		{
			name:    "missing audience",
			mutate:  func(c *Config) { c.Auth.Audience = "" },
			wantErr: "auth.audience",
		},
		{
			name:    "missing jwks url",
			mutate:  func(c *Config) { c.Auth.JWKSURL = "" },
			wantErr: "auth.jwks_url",
		},
		{
			name:    "static source without pairs",
			mutate:  func(c *Config) { c.Languages.Pairs = nil },
			wantErr: "languages.pairs",
		},
		{
			name:    "http source without endpoint",
			mutate:  func(c *Config) { c.Languages.Source = "http" },
			wantErr: "languages.endpoint",
		},
		{
			name:    "unknown language source",
			mutate:  func(c *Config) { c.Languages.Source = "dns" },
			wantErr: "languages.source",
		},
		{
			name:    "history enabled without path",
			mutate:  func(c *Config) { c.History.Enabled = true; c.History.Path = "" },
			wantErr: "history.path",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "missing salt",
			mutate:  func(c *Config) { c.IPHashSalt = "" },
			wantErr: "ip_hash_salt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidTestConfigValidates(t *testing.T) {
	if err := validTestConfig().validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}
