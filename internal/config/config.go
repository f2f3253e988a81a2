package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"diveops/internal/domain"
)

const fileName = "diveops.yml"

// Config models diveops.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Modules   ModulesConfig   `yaml:"modules" json:"modules"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// LogbookReminderAfter is how long after completion a missing supervisor
	// log triggers a reminder.
	LogbookReminderAfter time.Duration `yaml:"logbook_reminder_after" json:"logbook_reminder_after"`
}

type ModulesConfig struct {
	// Planning is the module whose activation drives the operating mode.
	Planning string `yaml:"planning" json:"planning"`
}

type LoggingConfig struct {
	Debug bool   `yaml:"debug" json:"debug"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// WebhookConfig forwards event log entries to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled key as on.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dops init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault is LoadOptional falling back to Default.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	if c.Scheduler.LogbookReminderAfter <= 0 {
		return fmt.Errorf("config.scheduler.logbook_reminder_after must be positive")
	}
	if strings.TrimSpace(c.Modules.Planning) == "" {
		return fmt.Errorf("config.modules.planning is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Interval = 5 * time.Minute
	cfg.Scheduler.LogbookReminderAfter = 2 * time.Hour
	cfg.Modules.Planning = domain.ModulePlanningOperations
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

scheduler:
  enabled: true
  interval: 5m
  logbook_reminder_after: 2h

modules:
  planning: planning_operations

logging:
  debug: false

# webhooks:
#   - url: https://example.invalid/diveops
#     events: [immersion.auto_completed, notification.created]
#     timeout_seconds: 5
`
