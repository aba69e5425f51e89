// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"todosync/internal/vault"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	Database     string          `yaml:"database"`
	User         string          `yaml:"user"`
	NoPrompt     bool            `yaml:"no_prompt"`
	OutputFormat string          `yaml:"output_format"`
	Vault        VaultConfig     `yaml:"vault"`
	Providers    ProvidersConfig `yaml:"providers"`
	Sync         SyncConfig      `yaml:"sync"`
	History      HistoryConfig   `yaml:"history"`
	Logging      LoggingConfig   `yaml:"logging"`
	CacheTTL     string          `yaml:"cache_ttl"` // Remote metadata cache TTL (e.g., "5m", "30s")
}

// VaultConfig holds the token-encryption keyring. ActiveKey names the key
// new ciphertexts are sealed under; every key tokens were ever sealed under
// must stay listed or those integrations need reconnection.
type VaultConfig struct {
	ActiveKey string          `yaml:"active_key"`
	Keys      []vault.KeySpec `yaml:"keys"`
}

// ProvidersConfig holds per-provider settings
type ProvidersConfig struct {
	Todoist TodoistConfig `yaml:"todoist"`
}

// TodoistConfig holds Todoist provider configuration
type TodoistConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`    // override for testing, default https://api.todoist.com
	MaxRetries int    `yaml:"max_retries"` // rate-limit retry attempts
	Timeout    string `yaml:"timeout"`     // per-request timeout (e.g., "30s")
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	PageLimit        int          `yaml:"page_limit"`         // entities per provider page request
	StaleLockTimeout string       `yaml:"stale_lock_timeout"` // force-reset threshold for stuck syncing state
	Daemon           DaemonConfig `yaml:"daemon"`
}

// DaemonConfig holds background daemon settings
type DaemonConfig struct {
	Enabled           bool `yaml:"enabled"`            // Enable forked daemon process
	Interval          int  `yaml:"interval"`           // Sync interval in seconds
	IdleTimeout       int  `yaml:"idle_timeout"`       // Idle timeout in seconds before daemon exits
	HeartbeatInterval int  `yaml:"heartbeat_interval"` // Heartbeat recording interval in seconds
	FileWatcher       bool `yaml:"file_watcher"`       // Watch the database for local edits to trigger sync
	SmartTiming       bool `yaml:"smart_timing"`       // Hold sync while edits are still landing
	DebounceMs        int  `yaml:"debounce_ms"`        // Debounce duration in milliseconds
	OSNotification    bool `yaml:"os_notification"`    // Desktop notification on conflicts and failures
	LogNotification   bool `yaml:"log_notification"`   // Log-file notification on conflicts and failures
}

// HistoryConfig holds sync history settings
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool `yaml:"background_enabled"` // Controls background log file creation (default: true)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:     filepath.Join(GetDataDir(), "todosync.db"),
		OutputFormat: "text",
		Providers: ProvidersConfig{
			Todoist: TodoistConfig{Enabled: true},
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one with defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	// Apply defaults for unset fields
	if cfg.Database == "" {
		cfg.Database = filepath.Join(GetDataDir(), "todosync.db")
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	cfg.Database = ExpandPath(cfg.Database)

	return cfg, nil
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	content := sampleConfig

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveTo marshals the current configuration to the specified path. Unlike the
// initial save, this rewrites the file from the in-memory state, so comments
// in a hand-edited file are lost. Used when a command changes config, such as
// registering a new vault key.
func (c *Config) SaveTo(path string) error {
	if path == "" {
		path = filepath.Join(GetConfigDir(), "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	if c.Vault.ActiveKey != "" {
		found := false
		for _, k := range c.Vault.Keys {
			if k.ID == c.Vault.ActiveKey {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("vault.active_key %q is not in vault.keys", c.Vault.ActiveKey)
		}
	}

	if c.Sync.StaleLockTimeout != "" {
		d, err := time.ParseDuration(c.Sync.StaleLockTimeout)
		if err != nil {
			return fmt.Errorf("invalid duration for sync.stale_lock_timeout: %q", c.Sync.StaleLockTimeout)
		}
		if d < time.Minute {
			return fmt.Errorf("sync.stale_lock_timeout must be at least 1m, got %q", c.Sync.StaleLockTimeout)
		}
	}

	if c.Providers.Todoist.Timeout != "" {
		if _, err := time.ParseDuration(c.Providers.Todoist.Timeout); err != nil {
			return fmt.Errorf("invalid duration for providers.todoist.timeout: %q", c.Providers.Todoist.Timeout)
		}
	}

	if c.CacheTTL != "" {
		if _, err := time.ParseDuration(c.CacheTTL); err != nil {
			return fmt.Errorf("invalid duration for cache_ttl: %q", c.CacheTTL)
		}
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt bool, outputFormat string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
}

// GetDatabasePath returns the path to the SQLite database
func (c *Config) GetDatabasePath() string {
	return c.Database
}

// GetUser returns the configured default user, or "default" if unset.
func (c *Config) GetUser() string {
	if c.User == "" {
		return "default"
	}
	return c.User
}

// GetPageLimit returns the provider page size.
// Returns 200 if not configured.
func (c *Config) GetPageLimit() int {
	if c.Sync.PageLimit <= 0 {
		return 200
	}
	return c.Sync.PageLimit
}

// GetStaleLockTimeout returns the stuck-sync force-reset threshold.
// Returns 10 minutes if not configured or if parsing fails.
func (c *Config) GetStaleLockTimeout() time.Duration {
	if c.Sync.StaleLockTimeout == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Sync.StaleLockTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetTodoistTimeout returns the per-request timeout for the Todoist client.
// Returns 30 seconds if not configured or if parsing fails.
func (c *Config) GetTodoistTimeout() time.Duration {
	if c.Providers.Todoist.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Providers.Todoist.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetTodoistMaxRetries returns the rate-limit retry budget.
// Returns 3 if not configured.
func (c *Config) GetTodoistMaxRetries() int {
	if c.Providers.Todoist.MaxRetries <= 0 {
		return 3
	}
	return c.Providers.Todoist.MaxRetries
}

// IsHistoryEnabled returns true if sync history recording is enabled
func (c *Config) IsHistoryEnabled() bool {
	return c.History.Enabled
}

// GetHistoryRetentionDays returns the history retention period in days.
// Returns 365 (default) if not configured.
func (c *Config) GetHistoryRetentionDays() int {
	if c.History.RetentionDays <= 0 {
		return 365
	}
	return c.History.RetentionDays
}

// IsDaemonEnabled returns true if the forked daemon feature is enabled.
func (c *Config) IsDaemonEnabled() bool {
	return c.Sync.Daemon.Enabled
}

// GetDaemonInterval returns the daemon sync interval in seconds.
// Returns 300 (5 minutes) if not configured.
func (c *Config) GetDaemonInterval() int {
	if c.Sync.Daemon.Interval <= 0 {
		return 300
	}
	return c.Sync.Daemon.Interval
}

// GetDaemonIdleTimeout returns the daemon idle timeout in seconds.
// Returns 300 (5 minutes) if not configured.
func (c *Config) GetDaemonIdleTimeout() int {
	if c.Sync.Daemon.IdleTimeout <= 0 {
		return 300
	}
	return c.Sync.Daemon.IdleTimeout
}

// GetDaemonHeartbeatInterval returns the daemon heartbeat interval in seconds.
// Returns 5 if not configured.
func (c *Config) GetDaemonHeartbeatInterval() int {
	if c.Sync.Daemon.HeartbeatInterval <= 0 {
		return 5
	}
	return c.Sync.Daemon.HeartbeatInterval
}

// IsFileWatcherEnabled returns true if the database watcher is enabled for the daemon.
func (c *Config) IsFileWatcherEnabled() bool {
	return c.Sync.Daemon.FileWatcher
}

// IsSmartTimingEnabled returns true if smart timing is enabled for the daemon.
func (c *Config) IsSmartTimingEnabled() bool {
	return c.Sync.Daemon.SmartTiming
}

// GetDaemonDebounceMs returns the debounce duration in milliseconds.
// Returns 1000 (1 second) if not configured.
func (c *Config) GetDaemonDebounceMs() int {
	if c.Sync.Daemon.DebounceMs <= 0 {
		return 1000
	}
	return c.Sync.Daemon.DebounceMs
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

// GetCacheTTLDuration returns the remote metadata cache TTL.
// Returns 5 minutes as default if not configured or if parsing fails.
func (c *Config) GetCacheTTLDuration() time.Duration {
	if c.CacheTTL == "" {
		return 5 * time.Minute
	}
	duration, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return duration
}

// LoadFromPath loads configuration from a specific path without creating defaults
func LoadFromPath(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	return cfg, nil
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "todosync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "todosync")
	}
	return filepath.Join(home, fallbackPath, "todosync")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	path = os.ExpandEnv(path)

	return path
}
