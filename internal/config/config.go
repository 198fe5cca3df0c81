package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dispoline/internal/domain"
	"dispoline/internal/lifecycle"
)

// Config models dispoline.yml.
type Config struct {
	Engine struct {
		ClaimTTLMinutes int `yaml:"claim_ttl_minutes"`
		// AutoRelease maps a workflow to the handoff statuses at which the
		// lease is returned to the pool.
		AutoRelease map[string][]string `yaml:"auto_release"`
	} `yaml:"engine"`
	Scheduler struct {
		Enabled             bool `yaml:"enabled"`
		InitialDelaySeconds int  `yaml:"initial_delay_seconds"`
		IntervalMinutes     int  `yaml:"interval_minutes"`
	} `yaml:"scheduler"`
	Preview struct {
		DefaultDays int `yaml:"default_days"`
		MaxDays     int `yaml:"max_days"`
	} `yaml:"preview"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		JWTSecret              string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards recorded task events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ClaimTTLMinutes <= 0 {
		return fmt.Errorf("config.engine.claim_ttl_minutes must be > 0")
	}
	for wf, statuses := range c.Engine.AutoRelease {
		w := domain.Workflow(wf)
		if !lifecycle.Known(w) {
			return fmt.Errorf("config.engine.auto_release: unknown workflow %s", wf)
		}
		for _, s := range statuses {
			if !lifecycle.IsStatus(w, domain.Status(s)) {
				return fmt.Errorf("config.engine.auto_release: %s is not a %s status", s, wf)
			}
		}
	}
	if c.Scheduler.InitialDelaySeconds < 0 {
		return fmt.Errorf("config.scheduler.initial_delay_seconds must be >= 0")
	}
	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("config.scheduler.interval_minutes must be > 0")
	}
	if c.Preview.DefaultDays <= 0 || c.Preview.MaxDays <= 0 {
		return fmt.Errorf("config.preview days must be > 0")
	}
	if c.Preview.DefaultDays > c.Preview.MaxDays {
		return fmt.Errorf("config.preview.default_days exceeds max_days")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.Engine.ClaimTTLMinutes) * time.Minute
}

// AutoReleaseSet converts the configured handoff statuses.
func (c *Config) AutoReleaseSet() lifecycle.AutoRelease {
	out := lifecycle.AutoRelease{}
	for wf, statuses := range c.Engine.AutoRelease {
		for _, s := range statuses {
			out[domain.Workflow(wf)] = append(out[domain.Workflow(wf)], domain.Status(s))
		}
	}
	return out
}

func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Scheduler.InitialDelaySeconds) * time.Second
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispoline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `engine:
  claim_ttl_minutes: 30
  auto_release:
    automotive: [DROPPED_OFF]
    logistics: [DELIVERED]

scheduler:
  enabled: true
  initial_delay_seconds: 10
  interval_minutes: 60

preview:
  default_days: 14
  max_days: 90

server:
  addr: ":8080"
  base_path: /v1
  allow_legacy_actor_header: false
  jwt_secret: ""

# webhooks:
#   - url: https://example.invalid/hooks/dispoline
#     events: [STATUS_CHANGE, AUTO_CANCEL_SUPERSEDED]
#     timeout_seconds: 5
`
