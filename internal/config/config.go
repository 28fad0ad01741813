// Package config loads Hive's server configuration once at startup into an
// immutable structure. Values come from config.toml; the environment
// variables DATABASE_URL, HIVE_ADDR, HIVE_JWT_SECRET, HIVE_UI_KEYS and
// HIVE_BUZZ_BACKLOG override the matching file values (no other setting has
// an environment override), the same two-layer pattern the orchestrator
// package used for its per-tenant OpenFang config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully-resolved, read-only server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Presence PresenceConfig `toml:"presence"`
	Push     PushConfig     `toml:"push"`
	Roster   []RosterUser   `toml:"roster"`
	UIKeys   []string       `toml:"ui_keys"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	DatabaseURL string `toml:"database_url"`
	JWTSecret   string `toml:"jwt_secret"`
}

type PresenceConfig struct {
	APITimeout    string `toml:"api_timeout"`
	SweepInterval string `toml:"sweep_interval"`
}

type PushConfig struct {
	KeepaliveInterval string `toml:"keepalive_interval"`
	BuzzBacklog       int    `toml:"buzz_backlog"`
}

type RosterUser struct {
	Name        string `toml:"name"`
	DisplayName string `toml:"display_name"`
	IsAdmin     bool   `toml:"is_admin"`
}

// APITimeoutDuration parses the configured API presence timeout, defaulting
// to the spec's 5 minutes when unset or invalid.
func (c Config) APITimeoutDuration() time.Duration {
	return parseDurationOr(c.Presence.APITimeout, 5*time.Minute)
}

// SweepIntervalDuration parses the configured presence sweep interval,
// defaulting to the spec's 30 seconds.
func (c Config) SweepIntervalDuration() time.Duration {
	return parseDurationOr(c.Presence.SweepInterval, 30*time.Second)
}

// KeepaliveDuration parses the configured push keepalive interval,
// defaulting to the spec's 30 seconds.
func (c Config) KeepaliveDuration() time.Duration {
	return parseDurationOr(c.Push.KeepaliveInterval, 30*time.Second)
}

// IsRosterMember reports whether name (already lowercase) is in the roster.
func (c Config) IsRosterMember(name string) bool {
	for _, u := range c.Roster {
		if u.Name == name {
			return true
		}
	}
	return false
}

// IsRosterAdmin reports whether name is flagged admin in the roster config.
func (c Config) IsRosterAdmin(name string) bool {
	for _, u := range c.Roster {
		if u.Name == name {
			return u.IsAdmin
		}
	}
	return false
}

// IsMember implements mailbox.Roster so the mailbox engine can depend on an
// interface instead of the concrete config type.
func (c Config) IsMember(name string) bool { return c.IsRosterMember(name) }

// Names implements mailbox.Roster, returning every roster user's lowercase
// name.
func (c Config) Names() []string {
	names := make([]string, len(c.Roster))
	for i, u := range c.Roster {
		names[i] = u.Name
	}
	return names
}

// IsValidUIKey reports whether key matches one of the configured UI keys
// used to authenticate the global, identity-scoped push stream.
func (c Config) IsValidUIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range c.UIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Load reads path (if it exists) and layers environment overrides on top.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Server.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVE_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVE_JWT_SECRET")); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVE_UI_KEYS")); v != "" {
		cfg.UIKeys = splitAndTrim(v)
	}
	if v := strings.TrimSpace(os.Getenv("HIVE_BUZZ_BACKLOG")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Push.BuzzBacklog = n
		}
	}
}

func normalize(cfg *Config) {
	for i := range cfg.Roster {
		cfg.Roster[i].Name = strings.ToLower(strings.TrimSpace(cfg.Roster[i].Name))
	}
	if cfg.Push.BuzzBacklog <= 0 {
		cfg.Push.BuzzBacklog = 50
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
