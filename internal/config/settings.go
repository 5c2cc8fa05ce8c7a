package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// SettingsLayer identifies the source of settings.
type SettingsLayer string

const (
	LayerDefault SettingsLayer = "default" // from the config file
	LayerLocal   SettingsLayer = "local"   // operator overrides via the control API
)

// Settings is the operator-tunable subset: admission budgets, the
// listener cap, and fan-out parallelism. Pointer fields distinguish
// "not set" from an explicit zero.
type Settings struct {
	RateLimit RateLimitSettings `json:"rate_limit"`
	Session   SessionSettings   `json:"session"`
	Broadcast BroadcastSettings `json:"broadcast"`
}

// RateLimitSettings overrides the per-operation admission budgets.
type RateLimitSettings struct {
	CreateSession *WindowSetting `json:"create_session,omitempty"`
	JoinSession   *WindowSetting `json:"join_session,omitempty"`
}

// WindowSetting is one fixed-window budget override. A limit of zero
// disables the budget.
type WindowSetting struct {
	WindowSec *int   `json:"window_sec,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
}

// SessionSettings overrides session-level policy.
type SessionSettings struct {
	MaxListenersPerSession *int64 `json:"max_listeners_per_session,omitempty"`
}

// BroadcastSettings overrides fan-out tuning.
type BroadcastSettings struct {
	MaxParallel *int `json:"max_parallel,omitempty"`
}

// Runtime is the immutable merged view admission flows read. A new
// snapshot is published atomically on every settings change, so one
// admission never sees a half-applied update.
type Runtime struct {
	CreateWindow      time.Duration
	CreateLimit       int64
	JoinWindow        time.Duration
	JoinLimit         int64
	MaxListeners      int64
	BroadcastParallel int
}

// SettingsStore manages layered runtime settings: config-file defaults
// under persisted local overrides.
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string
	snapshot atomic.Pointer[Runtime]
}

// RuntimeDefaults derives the settings default layer from the loaded
// configuration. Every field is populated.
func (c *Config) RuntimeDefaults() Settings {
	createWindow := c.RateLimit.CreateSession.WindowSec
	createLimit := c.RateLimit.CreateSession.Limit
	joinWindow := c.RateLimit.JoinSession.WindowSec
	joinLimit := c.RateLimit.JoinSession.Limit
	maxListeners := c.Session.MaxListenersPerSession
	maxParallel := c.Broadcast.MaxParallel

	return Settings{
		RateLimit: RateLimitSettings{
			CreateSession: &WindowSetting{WindowSec: &createWindow, Limit: &createLimit},
			JoinSession:   &WindowSetting{WindowSec: &joinWindow, Limit: &joinLimit},
		},
		Session: SessionSettings{
			MaxListenersPerSession: &maxListeners,
		},
		Broadcast: BroadcastSettings{
			MaxParallel: &maxParallel,
		},
	}
}

// NewSettingsStore creates a settings store layered over the given
// defaults, loading persisted local overrides from dataDir if present.
func NewSettingsStore(dataDir string, defaults Settings) (*SettingsStore, error) {
	store := &SettingsStore{
		defaults: defaults,
		path:     filepath.Join(dataDir, "settings.json"),
	}

	if err := store.loadLocal(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading local settings: %w", err)
		}
	}

	store.publish()
	return store, nil
}

// Runtime returns the current merged snapshot.
func (s *SettingsStore) Runtime() *Runtime {
	return s.snapshot.Load()
}

// GetDefaults returns the config-file layer.
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the operator's overrides.
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults.
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal validates, persists, and publishes operator overrides.
func (s *SettingsStore) SaveLocal(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}

	s.publish()
	return nil
}

// ResetToDefault removes all local overrides.
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing settings file: %w", err)
	}

	s.publish()
	return nil
}

// publish rebuilds the runtime snapshot from the merged layers.
// Callers hold mu (or are the constructor).
func (s *SettingsStore) publish() {
	merged := mergeSettings(s.defaults, s.local)

	rt := &Runtime{}
	if w := merged.RateLimit.CreateSession; w != nil {
		if w.WindowSec != nil {
			rt.CreateWindow = time.Duration(*w.WindowSec) * time.Second
		}
		if w.Limit != nil {
			rt.CreateLimit = *w.Limit
		}
	}
	if w := merged.RateLimit.JoinSession; w != nil {
		if w.WindowSec != nil {
			rt.JoinWindow = time.Duration(*w.WindowSec) * time.Second
		}
		if w.Limit != nil {
			rt.JoinLimit = *w.Limit
		}
	}
	if merged.Session.MaxListenersPerSession != nil {
		rt.MaxListeners = *merged.Session.MaxListenersPerSession
	}
	if merged.Broadcast.MaxParallel != nil {
		rt.BroadcastParallel = *merged.Broadcast.MaxParallel
	}

	s.snapshot.Store(rt)
}

// loadLocal loads persisted overrides from disk.
func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var local Settings
	if err := json.Unmarshal(data, &local); err != nil {
		return fmt.Errorf("parsing settings file: %w", err)
	}
	if err := local.validate(); err != nil {
		return fmt.Errorf("settings file: %w", err)
	}

	s.local = local
	return nil
}

// validate rejects overrides that would wedge admission.
func (s Settings) validate() error {
	for name, w := range map[string]*WindowSetting{
		"rate_limit.create_session": s.RateLimit.CreateSession,
		"rate_limit.join_session":   s.RateLimit.JoinSession,
	} {
		if w == nil {
			continue
		}
		if w.WindowSec != nil && *w.WindowSec < 1 {
			return fmt.Errorf("%s.window_sec must be positive", name)
		}
		if w.Limit != nil && *w.Limit < 0 {
			return fmt.Errorf("%s.limit must not be negative", name)
		}
	}
	if s.Session.MaxListenersPerSession != nil && *s.Session.MaxListenersPerSession < 1 {
		return fmt.Errorf("session.max_listeners_per_session must be positive")
	}
	if s.Broadcast.MaxParallel != nil && *s.Broadcast.MaxParallel < 1 {
		return fmt.Errorf("broadcast.max_parallel must be positive")
	}
	return nil
}

// SettingDiff represents one difference from the default layer.
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

// GetDiff returns which settings differ from the config-file layer.
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return diffSettings(s.defaults, s.local)
}

func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	diffWindow := func(prefix string, def, loc *WindowSetting) {
		if loc == nil || def == nil {
			return
		}
		if loc.WindowSec != nil && *loc.WindowSec != *def.WindowSec {
			diffs[prefix+".window_sec"] = SettingDiff{
				Path:         prefix + ".window_sec",
				DefaultValue: *def.WindowSec,
				LocalValue:   *loc.WindowSec,
			}
		}
		if loc.Limit != nil && *loc.Limit != *def.Limit {
			diffs[prefix+".limit"] = SettingDiff{
				Path:         prefix + ".limit",
				DefaultValue: *def.Limit,
				LocalValue:   *loc.Limit,
			}
		}
	}
	diffWindow("rate_limit.create_session", defaults.RateLimit.CreateSession, local.RateLimit.CreateSession)
	diffWindow("rate_limit.join_session", defaults.RateLimit.JoinSession, local.RateLimit.JoinSession)

	if local.Session.MaxListenersPerSession != nil && defaults.Session.MaxListenersPerSession != nil &&
		*local.Session.MaxListenersPerSession != *defaults.Session.MaxListenersPerSession {
		diffs["session.max_listeners_per_session"] = SettingDiff{
			Path:         "session.max_listeners_per_session",
			DefaultValue: *defaults.Session.MaxListenersPerSession,
			LocalValue:   *local.Session.MaxListenersPerSession,
		}
	}

	if local.Broadcast.MaxParallel != nil && defaults.Broadcast.MaxParallel != nil &&
		*local.Broadcast.MaxParallel != *defaults.Broadcast.MaxParallel {
		diffs["broadcast.max_parallel"] = SettingDiff{
			Path:         "broadcast.max_parallel",
			DefaultValue: *defaults.Broadcast.MaxParallel,
			LocalValue:   *local.Broadcast.MaxParallel,
		}
	}

	return diffs
}

// mergeSettings merges local overrides over defaults.
func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	mergeWindow := func(def, loc *WindowSetting) *WindowSetting {
		if loc == nil {
			return def
		}
		out := &WindowSetting{}
		if def != nil {
			*out = *def
		}
		if loc.WindowSec != nil {
			out.WindowSec = loc.WindowSec
		}
		if loc.Limit != nil {
			out.Limit = loc.Limit
		}
		return out
	}
	merged.RateLimit.CreateSession = mergeWindow(defaults.RateLimit.CreateSession, local.RateLimit.CreateSession)
	merged.RateLimit.JoinSession = mergeWindow(defaults.RateLimit.JoinSession, local.RateLimit.JoinSession)

	if local.Session.MaxListenersPerSession != nil {
		merged.Session.MaxListenersPerSession = local.Session.MaxListenersPerSession
	}
	if local.Broadcast.MaxParallel != nil {
		merged.Broadcast.MaxParallel = local.Broadcast.MaxParallel
	}

	return merged
}
