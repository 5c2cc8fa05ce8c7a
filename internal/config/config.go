// Package config loads the YAML configuration file, applies
// LINGOCAST_* environment overrides, and validates the result before
// anything else starts. Durations are configured as integer seconds
// (or milliseconds where noted) and exposed as time.Duration through
// accessor methods.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"lingocast/internal/telemetry"
)

// Config holds all configuration for lingocast.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Session     SessionConfig     `yaml:"session"`
	Connection  ConnectionConfig  `yaml:"connection"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	IDGenerator IDGeneratorConfig `yaml:"id_generator"`
	Auth        AuthConfig        `yaml:"auth"`
	Languages   LanguagesConfig   `yaml:"languages"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Admission   AdmissionConfig   `yaml:"admission"`
	History     HistoryConfig     `yaml:"history"`
	Control     ControlConfig     `yaml:"control"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`

	// IPHashSalt feeds the SHA-256 hash applied to listener addresses
	// before they are stored. Plaintext addresses never leave the
	// upgrade handler.
	IPHashSalt string `yaml:"ip_hash_salt"`
}

// ServerConfig holds the public WebSocket listener and the separate
// control listener.
type ServerConfig struct {
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	ControlPort int       `yaml:"control_port"`
	TLS         TLSConfig `yaml:"tls"`
}

// Addr returns the public listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ControlAddr returns the control listen address.
func (s ServerConfig) ControlAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.ControlPort)
}

// TLSConfig holds the TLS setup for the public listener: a key pair
// from disk, or a throwaway self-signed certificate for development.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// Enabled reports whether the listener should serve TLS.
func (t TLSConfig) Enabled() bool {
	return t.AutoCert || (t.CertFile != "" && t.KeyFile != "")
}

// StoreConfig selects the session state backend.
type StoreConfig struct {
	Backend      string       `yaml:"backend"` // "memory", "redis", or "badger"
	Redis        RedisConfig  `yaml:"redis"`
	Badger       BadgerConfig `yaml:"badger"`
	OpTimeoutSec int          `yaml:"op_timeout_sec"`
}

// OpTimeout returns the per-attempt store operation deadline.
func (s StoreConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutSec) * time.Second
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BadgerConfig holds the embedded store's data directory.
type BadgerConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds session-level policy.
type SessionConfig struct {
	MaxListenersPerSession int64 `yaml:"max_listeners_per_session"`
	RetentionSec           int   `yaml:"retention_sec"`
}

// Retention returns how long a session may stay active before the
// sweeper ends it.
func (s SessionConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSec) * time.Second
}

// ConnectionConfig holds per-connection lifetime policy. Clients are
// expected to refresh around refresh_sec, are warned past warning_sec,
// and are never kept past max_duration_sec.
type ConnectionConfig struct {
	MaxDurationSec int `yaml:"max_duration_sec"`
	WarningSec     int `yaml:"warning_sec"`
	RefreshSec     int `yaml:"refresh_sec"`
}

// MaxDuration returns the hard connection lifetime cap.
func (c ConnectionConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSec) * time.Second
}

// WarningAge returns the age past which heartbeats carry a warning.
func (c ConnectionConfig) WarningAge() time.Duration {
	return time.Duration(c.WarningSec) * time.Second
}

// RateLimitConfig holds the per-operation admission budgets. These are
// startup defaults; the runtime settings layer can override them
// without a restart.
type RateLimitConfig struct {
	CreateSession WindowConfig `yaml:"create_session"`
	JoinSession   WindowConfig `yaml:"join_session"`
}

// WindowConfig is one fixed-window budget. createSession fails closed
// when the store cannot be consulted; joinSession fails open.
type WindowConfig struct {
	WindowSec int   `yaml:"window_sec"`
	Limit     int64 `yaml:"limit"`
}

// Window returns the window length.
func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.WindowSec) * time.Second
}

// IDGeneratorConfig tunes session id generation. Empty lists keep the
// built-in words.
type IDGeneratorConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Adjectives  []string `yaml:"adjectives"`
	Nouns       []string `yaml:"nouns"`
	Blacklist   []string `yaml:"blacklist"`
}

// AuthConfig selects the identity provider trusted for speaker tokens.
type AuthConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	JWKSURL     string `yaml:"jwks_url"`
	TokenUse    string `yaml:"token_use"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

// CacheTTL returns how long JWKS keys are trusted without a refresh.
func (a AuthConfig) CacheTTL() time.Duration {
	return time.Duration(a.CacheTTLSec) * time.Second
}

// LanguagesConfig selects the supported-language source: a static
// matrix from this file or an HTTP endpoint consulted with a short
// budget and cached.
type LanguagesConfig struct {
	Source         string              `yaml:"source"` // "static" or "http"
	Endpoint       string              `yaml:"endpoint"`
	Pairs          map[string][]string `yaml:"pairs"`
	CacheTTLSec    int                 `yaml:"cache_ttl_sec"`
	LookupBudgetMs int                 `yaml:"lookup_budget_ms"`
}

// CacheTTL returns how long a language-pair verdict is cached.
func (l LanguagesConfig) CacheTTL() time.Duration {
	return time.Duration(l.CacheTTLSec) * time.Second
}

// LookupBudget returns the admission-path budget for one lookup.
func (l LanguagesConfig) LookupBudget() time.Duration {
	return time.Duration(l.LookupBudgetMs) * time.Millisecond
}

// BroadcastConfig tunes session-ended fan-out.
type BroadcastConfig struct {
	MaxParallel    int `yaml:"max_parallel"`
	SendTimeoutSec int `yaml:"send_timeout_sec"`
}

// SendTimeout returns the per-connection send deadline.
func (b BroadcastConfig) SendTimeout() time.Duration {
	return time.Duration(b.SendTimeoutSec) * time.Second
}

// AdmissionConfig bounds the admission flows.
type AdmissionConfig struct {
	DeadlineSec int `yaml:"deadline_sec"`
}

// Deadline returns the end-to-end admission deadline.
func (a AdmissionConfig) Deadline() time.Duration {
	return time.Duration(a.DeadlineSec) * time.Second
}

// HistoryConfig holds the SQLite archive settings.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlConfig holds the operator API settings.
type ControlConfig struct {
	Enabled         bool `yaml:"enabled"`
	RateLimitPerMin int  `yaml:"rate_limit_per_min"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads and parses the configuration file. A missing file loads
// pure defaults, which fail validation until the deployment-specific
// fields (auth, languages, ip_hash_salt) are provided.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with the documented default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "",
			Port:        8080,
			ControlPort: 9090,
		},
		Store: StoreConfig{
			Backend:      "memory",
			OpTimeoutSec: 2,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "lingocast:",
			},
			Badger: BadgerConfig{
				Path: "data/sessions",
			},
		},
		Session: SessionConfig{
			MaxListenersPerSession: 500,
			RetentionSec:           43200,
		},
		Connection: ConnectionConfig{
			MaxDurationSec: 7200,
			WarningSec:     6300,
			RefreshSec:     6000,
		},
		RateLimit: RateLimitConfig{
			CreateSession: WindowConfig{WindowSec: 60, Limit: 5},
			JoinSession:   WindowConfig{WindowSec: 60, Limit: 30},
		},
		IDGenerator: IDGeneratorConfig{
			MaxAttempts: 10,
		},
		Auth: AuthConfig{
			TokenUse:    "access",
			CacheTTLSec: 3600,
		},
		Languages: LanguagesConfig{
			Source:         "static",
			CacheTTLSec:    600,
			LookupBudgetMs: 500,
		},
		Broadcast: BroadcastConfig{
			MaxParallel:    32,
			SendTimeoutSec: 5,
		},
		Admission: AdmissionConfig{
			DeadlineSec: 5,
		},
		History: HistoryConfig{
			Enabled:       false,
			Path:          "data/history.db",
			RetentionDays: 30,
		},
		Control: ControlConfig{
			Enabled:         true,
			RateLimitPerMin: 120,
		},
		Telemetry: telemetry.Config{
			ServiceName: "lingocast",
			Traces: telemetry.TracesConfig{
				Exporter: "none",
				Endpoint: "localhost:4317",
			},
			Metrics: telemetry.MetricsConfig{
				Enabled: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies LINGOCAST_* environment variable
// overrides. Secrets (redis password, ip hash salt) are usually
// injected this way rather than written into the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINGOCAST_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LINGOCAST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LINGOCAST_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.ControlPort = port
		}
	}
	if v := os.Getenv("LINGOCAST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LINGOCAST_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LINGOCAST_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("LINGOCAST_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("LINGOCAST_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("LINGOCAST_BADGER_PATH"); v != "" {
		c.Store.Badger.Path = v
	}
	if v := os.Getenv("LINGOCAST_AUTH_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
	if v := os.Getenv("LINGOCAST_AUTH_AUDIENCE"); v != "" {
		c.Auth.Audience = v
	}
	if v := os.Getenv("LINGOCAST_AUTH_JWKS_URL"); v != "" {
		c.Auth.JWKSURL = v
	}
	if v := os.Getenv("LINGOCAST_LANGUAGES_ENDPOINT"); v != "" {
		c.Languages.Source = "http"
		c.Languages.Endpoint = v
	}
	if v := os.Getenv("LINGOCAST_IP_HASH_SALT"); v != "" {
		c.IPHashSalt = v
	}
	if v := os.Getenv("LINGOCAST_HISTORY_ENABLED"); v != "" {
		c.History.Enabled = v == "true"
	}
	if v := os.Getenv("LINGOCAST_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("LINGOCAST_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Traces.Exporter = v
	}
	if v := os.Getenv("LINGOCAST_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Traces.Endpoint = v
	}
	if os.Getenv("LINGOCAST_TELEMETRY_METRICS_ENABLED") == "true" {
		c.Telemetry.Metrics.Enabled = true
	}
	// Standard OTEL env vars win over config for the trace exporter.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Traces.Exporter = "otlp"
		c.Telemetry.Traces.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Traces.Insecure = true
	}
}

// validate checks that the configuration is complete and coherent.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Control.Enabled {
		if c.Server.ControlPort < 1 || c.Server.ControlPort > 65535 {
			return fmt.Errorf("server.control_port must be in 1..65535, got %d", c.Server.ControlPort)
		}
		if c.Server.ControlPort == c.Server.Port {
			return fmt.Errorf("server.control_port must differ from server.port")
		}
		if c.Control.RateLimitPerMin < 1 {
			return fmt.Errorf("control.rate_limit_per_min must be positive")
		}
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls cert_file and key_file must be set together")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "badger":
		if c.Store.Badger.Path == "" {
			return fmt.Errorf("store.badger.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"memory\", \"redis\", or \"badger\", got %q", c.Store.Backend)
	}
	if c.Store.OpTimeoutSec < 1 {
		return fmt.Errorf("store.op_timeout_sec must be positive")
	}

	if c.Session.MaxListenersPerSession < 1 {
		return fmt.Errorf("session.max_listeners_per_session must be positive")
	}
	if c.Session.RetentionSec < 1 {
		return fmt.Errorf("session.retention_sec must be positive")
	}

	if c.Connection.MaxDurationSec < 1 {
		return fmt.Errorf("connection.max_duration_sec must be positive")
	}
	if c.Connection.WarningSec >= c.Connection.MaxDurationSec {
		return fmt.Errorf("connection.warning_sec must be below max_duration_sec")
	}
	if c.Connection.RefreshSec >= c.Connection.WarningSec {
		return fmt.Errorf("connection.refresh_sec must be below warning_sec")
	}

	for name, w := range map[string]WindowConfig{
		"rate_limit.create_session": c.RateLimit.CreateSession,
		"rate_limit.join_session":   c.RateLimit.JoinSession,
	} {
		if w.Limit > 0 && w.WindowSec < 1 {
			return fmt.Errorf("%s.window_sec must be positive when a limit is set", name)
		}
	}

	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}

	switch c.Languages.Source {
	case "static":
		if len(c.Languages.Pairs) == 0 {
			return fmt.Errorf("languages.pairs is required for the static source")
		}
	case "http":
		if c.Languages.Endpoint == "" {
			return fmt.Errorf("languages.endpoint is required for the http source")
		}
	default:
		return fmt.Errorf("languages.source must be \"static\" or \"http\", got %q", c.Languages.Source)
	}
	if c.Languages.LookupBudgetMs < 1 {
		return fmt.Errorf("languages.lookup_budget_ms must be positive")
	}

	if c.Broadcast.MaxParallel < 1 {
		return fmt.Errorf("broadcast.max_parallel must be positive")
	}
	if c.Broadcast.SendTimeoutSec < 1 {
		return fmt.Errorf("broadcast.send_timeout_sec must be positive")
	}
	if c.Admission.DeadlineSec < 1 {
		return fmt.Errorf("admission.deadline_sec must be positive")
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			return fmt.Errorf("history.path is required when history is enabled")
		}
		if c.History.RetentionDays < 1 {
			return fmt.Errorf("history.retention_days must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.IPHashSalt == "" {
		return fmt.Errorf("ip_hash_salt is required (listener addresses are stored hashed)")
	}

	return nil
}
