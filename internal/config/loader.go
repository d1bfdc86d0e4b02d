package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for portalguard.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file: ReadInConfig returns ConfigFileNotFoundError,
		// handled by the loaders.
		viper.SetConfigName("portalguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: PORTALGUARD_API_BASE_URL
	viper.SetEnvPrefix("PORTALGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a portalguard config file.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".portalguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "portalguard"))
		}
	} else {
		paths = append(paths, "/etc/portalguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for portalguard.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "portalguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the scalar keys that may be overridden from the environment.
// Example: PORTALGUARD_SESSION_TIMEOUT overrides session.timeout.
// Lists (offline.priority_rules, server.allowed_origins) come from the file only.
var envKeys = []string{
	"api.base_url", "api.login_path", "api.refresh_path", "api.logout_path",
	"api.timeout", "api.max_retries", "api.backoff_base", "api.backoff_max", "api.cache_ttl",
	"api.rate_limit.enabled", "api.rate_limit.requests_per_minute",

	"session.access_token_lifetime", "session.refresh_buffer", "session.timeout",
	"session.warning_time", "session.max_refresh_attempts", "session.refresh_cooldown",
	"session.auto_logout", "session.remember_me_duration", "session.queue_max_age",

	"offline.sync_interval", "offline.max_requests", "offline.max_retries",
	"offline.cache_ttl", "offline.spill_threshold", "offline.probe_url", "offline.probe_interval",

	"log.level", "log.retention", "log.max_entries", "log.report_interval",
	"log.collector_url", "log.retry_backoff",

	"storage.backend", "storage.dir",
	"storage.redis.addr", "storage.redis.password", "storage.redis.db", "storage.redis.prefix",

	"server.http_addr", "server.log_level",
	"tracing.enabled",
	"dev_mode",
}

func bindNestedEnvKeys() {
	for _, k := range envKeys {
		_ = viper.BindEnv(k)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
