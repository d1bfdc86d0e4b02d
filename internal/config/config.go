// Package config provides configuration types for portalguard.
//
// Configuration is file based (portalguard.yaml) with environment overrides
// prefixed PORTALGUARD_. Durations are written as Go duration strings
// ("30s", "5m") and validated before use.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for portalguard.
type Config struct {
	// API configures the remote API every call is sent to.
	API APIConfig `yaml:"api" mapstructure:"api"`

	// Session configures token refresh and inactivity handling.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Offline configures the offline request queue and read cache.
	Offline OfflineConfig `yaml:"offline" mapstructure:"offline"`

	// Log configures the persistent error log.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Storage selects where session state, queued requests and the error
	// log are persisted.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Server configures the loopback HTTP server started by "serve".
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Tracing enables span export to stdout.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// APIConfig configures the remote API and the request gateway.
type APIConfig struct {
	// BaseURL is prepended to relative request paths (e.g., "https://api.example.com/v1").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// LoginPath, RefreshPath and LogoutPath are the auth endpoints,
	// relative to BaseURL.
	LoginPath   string `yaml:"login_path" mapstructure:"login_path" validate:"required,startswith=/"`
	RefreshPath string `yaml:"refresh_path" mapstructure:"refresh_path" validate:"required,startswith=/"`
	LogoutPath  string `yaml:"logout_path" mapstructure:"logout_path" validate:"omitempty,startswith=/"`

	// Timeout bounds each network attempt. Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`

	// MaxRetries is the number of retries after the first attempt.
	// Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`

	// BackoffBase and BackoffMax shape the exponential retry backoff.
	BackoffBase string `yaml:"backoff_base" mapstructure:"backoff_base" validate:"duration"`
	BackoffMax  string `yaml:"backoff_max" mapstructure:"backoff_max" validate:"duration"`

	// CacheTTL is the default lifetime of cached GET responses. Defaults to "5m".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"duration"`

	// RateLimit configures optional per-endpoint client-side rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures client-side rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// RequestsPerMinute is the limit per method+path. Defaults to 60.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// AccessTokenLifetime is assumed when an access token carries no
	// readable expiry. Defaults to "15m".
	AccessTokenLifetime string `yaml:"access_token_lifetime" mapstructure:"access_token_lifetime" validate:"duration"`

	// RefreshBuffer is how long before expiry the token is refreshed.
	RefreshBuffer string `yaml:"refresh_buffer" mapstructure:"refresh_buffer" validate:"duration"`

	// Timeout is the inactivity timeout. Defaults to "30m".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`

	// WarningTime is how long before the inactivity timeout a warning is
	// emitted. Defaults to "5m".
	WarningTime string `yaml:"warning_time" mapstructure:"warning_time" validate:"duration"`

	// MaxRefreshAttempts is the number of consecutive failed refreshes
	// that end the session. Defaults to 3.
	MaxRefreshAttempts int `yaml:"max_refresh_attempts" mapstructure:"max_refresh_attempts" validate:"min=1"`

	// RefreshCooldown is the minimum delay after a failed refresh.
	RefreshCooldown string `yaml:"refresh_cooldown" mapstructure:"refresh_cooldown" validate:"duration"`

	// AutoLogout ends the session when the inactivity timeout fires.
	// Default: true.
	AutoLogout bool `yaml:"auto_logout" mapstructure:"auto_logout"`

	// RememberMeDuration bounds how long a remember-me session survives
	// restarts. Defaults to "720h".
	RememberMeDuration string `yaml:"remember_me_duration" mapstructure:"remember_me_duration" validate:"duration"`

	// QueueMaxAge is how long a request may wait for a token refresh.
	QueueMaxAge string `yaml:"queue_max_age" mapstructure:"queue_max_age" validate:"duration"`
}

// OfflineConfig configures the offline queue.
type OfflineConfig struct {
	SyncInterval string `yaml:"sync_interval" mapstructure:"sync_interval" validate:"duration"`

	// MaxRequests caps the queue; the oldest lowest-priority request is
	// evicted when full. Defaults to 100.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"min=1"`

	// MaxRetries is how many failed replays drop a request. Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"min=1"`

	// CacheTTL is the lifetime of offline read-cache entries. Defaults to "24h".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"duration"`

	// SpillThreshold is the encoded size in bytes above which a read-cache
	// entry is stored separately. Defaults to 65536.
	SpillThreshold int `yaml:"spill_threshold" mapstructure:"spill_threshold" validate:"min=1"`

	// ProbeURL is polled to detect connectivity. Defaults to api.base_url.
	ProbeURL string `yaml:"probe_url" mapstructure:"probe_url" validate:"omitempty,url"`

	// ProbeInterval is how often ProbeURL is polled. Defaults to "15s".
	ProbeInterval string `yaml:"probe_interval" mapstructure:"probe_interval" validate:"duration"`

	// PriorityRules assign a priority to requests queued without one.
	// Rules are evaluated in order; first match wins.
	PriorityRules []PriorityRuleConfig `yaml:"priority_rules" mapstructure:"priority_rules" validate:"omitempty,dive"`
}

// PriorityRuleConfig maps a CEL condition over the request to a priority.
type PriorityRuleConfig struct {
	// Condition is a CEL expression over request.method, request.url,
	// request.path, request.headers and request.body.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`

	// Priority is "high", "medium" or "low".
	Priority string `yaml:"priority" mapstructure:"priority" validate:"required,priority"`
}

// LogConfig configures the error log.
type LogConfig struct {
	// Level is the minimum recorded level. Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error fatal"`

	// Retention is how long entries are kept. Defaults to "24h".
	Retention string `yaml:"retention" mapstructure:"retention" validate:"duration"`

	// MaxEntries caps the log; the oldest entries are dropped first.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"min=1"`

	// ReportInterval is how often unreported entries are sent to CollectorURL.
	ReportInterval string `yaml:"report_interval" mapstructure:"report_interval" validate:"duration"`

	// CollectorURL receives error batches. Reporting is off when empty.
	CollectorURL string `yaml:"collector_url" mapstructure:"collector_url" validate:"omitempty,url"`

	// RetryBackoff is the base delay of the retry helper.
	RetryBackoff string `yaml:"retry_backoff" mapstructure:"retry_backoff" validate:"duration"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "file", "sqlite", "redis". Defaults to "file".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory file sqlite redis"`

	// Dir holds the file and sqlite stores. A leading "~" expands to the
	// home directory. Defaults to "~/.portalguard".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the redis storage backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
	// Prefix namespaces every key. Defaults to "portalguard".
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// ServerConfig configures the loopback HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8741"
	// (localhost only).
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists browser origins allowed to call the server.
	// Requests without an Origin header are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled exports spans to stdout. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies default values to empty fields.
func (c *Config) SetDefaults() {
	// API defaults
	if c.API.LoginPath == "" {
		c.API.LoginPath = "/auth/login"
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = "/auth/refresh"
	}
	if c.API.LogoutPath == "" {
		c.API.LogoutPath = "/auth/logout"
	}
	defaultString(&c.API.Timeout, "30s")
	if !viper.IsSet("api.max_retries") && c.API.MaxRetries == 0 {
		c.API.MaxRetries = 3
	}
	defaultString(&c.API.BackoffBase, "1s")
	defaultString(&c.API.BackoffMax, "30s")
	defaultString(&c.API.CacheTTL, "5m")
	if c.API.RateLimit.RequestsPerMinute == 0 {
		c.API.RateLimit.RequestsPerMinute = 60
	}

	// Session defaults
	defaultString(&c.Session.AccessTokenLifetime, "15m")
	defaultString(&c.Session.RefreshBuffer, "5m")
	defaultString(&c.Session.Timeout, "30m")
	defaultString(&c.Session.WarningTime, "5m")
	if c.Session.MaxRefreshAttempts == 0 {
		c.Session.MaxRefreshAttempts = 3
	}
	defaultString(&c.Session.RefreshCooldown, "30s")
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("session.auto_logout") {
		c.Session.AutoLogout = true
	}
	defaultString(&c.Session.RememberMeDuration, "720h")
	defaultString(&c.Session.QueueMaxAge, "30s")

	// Offline defaults
	defaultString(&c.Offline.SyncInterval, "30s")
	if c.Offline.MaxRequests == 0 {
		c.Offline.MaxRequests = 100
	}
	if c.Offline.MaxRetries == 0 {
		c.Offline.MaxRetries = 3
	}
	defaultString(&c.Offline.CacheTTL, "24h")
	if c.Offline.SpillThreshold == 0 {
		c.Offline.SpillThreshold = 64 << 10
	}
	defaultString(&c.Offline.ProbeURL, c.API.BaseURL)
	defaultString(&c.Offline.ProbeInterval, "15s")

	// Log defaults
	defaultString(&c.Log.Level, "info")
	defaultString(&c.Log.Retention, "24h")
	if c.Log.MaxEntries == 0 {
		c.Log.MaxEntries = 1000
	}
	defaultString(&c.Log.ReportInterval, "5m")
	defaultString(&c.Log.RetryBackoff, "1s")

	// Storage defaults
	defaultString(&c.Storage.Backend, "file")
	defaultString(&c.Storage.Dir, "~/.portalguard")
	defaultString(&c.Storage.Redis.Addr, "127.0.0.1:6379")
	defaultString(&c.Storage.Redis.Prefix, "portalguard")

	// Server defaults bind to localhost only.
	defaultString(&c.Server.HTTPAddr, "127.0.0.1:8741")
	defaultString(&c.Server.LogLevel, "info")
}

// SetDevDefaults applies development-mode overrides.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Log.Level = "debug"
}

// StorageDir returns Storage.Dir with a leading "~" expanded.
func (c *Config) StorageDir() string {
	return ExpandHome(c.Storage.Dir)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Duration parses s, returning zero for an empty or invalid value.
// Validate rejects invalid durations, so after a successful Validate
// every duration field parses.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func defaultString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}
