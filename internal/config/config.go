// Package config handles the agent's configuration file: server credentials,
// tracking settings, and the per-application productivity map. The whole
// configuration is loaded once at startup into a single typed struct and
// rewritten on every mutation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Default settings applied when the config file is missing or partial.
const (
	DefaultIdleThresholdSeconds  = 300
	DefaultUploadIntervalSeconds = 10
	DefaultMaxBatchSize          = 20
	DefaultPollIntervalMillis    = 1000
	DefaultMaxUploadAttempts     = 5
)

// Credentials identifies the remote server and this machine.
// Tokens are not stored here; the API client keeps them in its own file.
type Credentials struct {
	BaseURL   string `yaml:"base_url"`
	MachineID string `yaml:"machine_id"`
}

// Settings holds the tracking knobs.
type Settings struct {
	IdleThresholdSeconds  int    `yaml:"idle_threshold_seconds"`
	UploadIntervalSeconds int    `yaml:"upload_interval_seconds"`
	MaxBatchSize          int    `yaml:"max_batch_size"`
	PollIntervalMillis    int    `yaml:"poll_interval_ms"`
	MaxUploadAttempts     int    `yaml:"max_upload_attempts"`
	StateDir              string `yaml:"state_dir"`
	PostgresMirror        string `yaml:"postgres_mirror,omitempty"`
	WebhookURL            string `yaml:"webhook_url,omitempty"`
}

// AppRule is the user's decision about one application, keyed by
// lower-cased process name in the Applications map.
type AppRule struct {
	Name       string `yaml:"name"`
	Productive bool   `yaml:"productive"`
	Active     bool   `yaml:"active"`
}

// Config is the full agent configuration. Mutations go through the
// provided methods so the file on disk stays in sync.
type Config struct {
	Credentials  Credentials        `yaml:"credentials"`
	Settings     Settings           `yaml:"settings"`
	Applications map[string]AppRule `yaml:"applications"`

	path string
	mu   sync.RWMutex
}

// Default returns a Config populated with defaults. The machine id
// falls back to the hostname.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Credentials: Credentials{
			BaseURL:   "http://localhost:8000",
			MachineID: hostname,
		},
		Settings: Settings{
			IdleThresholdSeconds:  DefaultIdleThresholdSeconds,
			UploadIntervalSeconds: DefaultUploadIntervalSeconds,
			MaxBatchSize:          DefaultMaxBatchSize,
			PollIntervalMillis:    DefaultPollIntervalMillis,
			MaxUploadAttempts:     DefaultMaxUploadAttempts,
			StateDir:              filepath.Join(home, ".timetracker"),
		},
		Applications: make(map[string]AppRule),
	}
}

// Load reads the config file at path, merging it over defaults. A missing
// file is not an error: the defaults are written out so the user has a
// file to edit.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to write default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Applications == nil {
		cfg.Applications = make(map[string]AppRule)
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment (or a .env file loaded by the
// caller) override server coordinates without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRACKER_BASE_URL"); v != "" {
		c.Credentials.BaseURL = v
	}
	if v := os.Getenv("TRACKER_MACHINE_ID"); v != "" {
		c.Credentials.MachineID = v
	}
}

// Validate checks critical configuration before the agent starts.
func (c *Config) Validate() error {
	if c.Credentials.BaseURL == "" {
		return fmt.Errorf("base_url is required\nSet credentials.base_url in the config file or TRACKER_BASE_URL in the environment")
	}
	if !strings.HasPrefix(c.Credentials.BaseURL, "http://") && !strings.HasPrefix(c.Credentials.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://, got %q", c.Credentials.BaseURL)
	}
	if c.Settings.IdleThresholdSeconds < 10 {
		return fmt.Errorf("idle threshold too short (minimum 10s), got %ds", c.Settings.IdleThresholdSeconds)
	}
	if c.Settings.UploadIntervalSeconds < 1 {
		return fmt.Errorf("upload interval must be at least 1 second, got %ds", c.Settings.UploadIntervalSeconds)
	}
	if c.Settings.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be positive, got %d", c.Settings.MaxBatchSize)
	}
	if c.Settings.PollIntervalMillis < 50 {
		return fmt.Errorf("poll interval too short (minimum 50ms), got %dms", c.Settings.PollIntervalMillis)
	}
	if c.Settings.MaxUploadAttempts < 1 {
		return fmt.Errorf("max upload attempts must be positive, got %d", c.Settings.MaxUploadAttempts)
	}
	return nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.save()
}

func (c *Config) save() error {
	if c.path == "" {
		return nil
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// IdleThreshold returns the configured idle threshold as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Settings.IdleThresholdSeconds) * time.Second
}

// UploadInterval returns the configured upload interval as a duration.
func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.Settings.UploadIntervalSeconds) * time.Second
}

// PollInterval returns the configured session-tick interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Settings.PollIntervalMillis) * time.Millisecond
}

// Lookup returns the rule for a process name, if the user has one.
// Process names are matched case-insensitively.
func (c *Config) Lookup(processName string) (AppRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.Applications[strings.ToLower(processName)]
	return rule, ok
}

// IsProductive reports whether a process is classified as productive.
// Unknown processes are not productive until the user opts them in.
func (c *Config) IsProductive(processName string) bool {
	rule, ok := c.Lookup(processName)
	return ok && rule.Productive
}

// SetRule adds or replaces the rule for a process and rewrites the file.
func (c *Config) SetRule(processName string, rule AppRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rule.Name == "" {
		rule.Name = processName
	}
	c.Applications[strings.ToLower(processName)] = rule
	return c.save()
}

// RemoveRule drops the rule for a process and rewrites the file.
func (c *Config) RemoveRule(processName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Applications, strings.ToLower(processName))
	return c.save()
}
