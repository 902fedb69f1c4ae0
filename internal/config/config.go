package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dutyline.yml.
type Config struct {
	Scheduling struct {
		DayCountMode   string `yaml:"day_count_mode"`
		DaysToTarget   int    `yaml:"days_to_target"`
		DaysToDeadline int    `yaml:"days_to_deadline"`
	} `yaml:"scheduling"`
	Status struct {
		UpcomingWindowDays int `yaml:"upcoming_window_days"`
	} `yaml:"status"`
	Activities struct {
		Kinds map[string]KindPolicy `yaml:"kinds"`
	} `yaml:"activities"`
}

// KindPolicy is the declarative per-kind lifecycle table: the default
// cancellation policy applied when an activity is created without one, and
// whether a completed activity of this kind may be reopened.
type KindPolicy struct {
	Cancellation string `yaml:"cancellation"`
	Reopenable   bool   `yaml:"reopenable"`
}

// Load reads and validates config from the workspace.
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

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	switch c.Scheduling.DayCountMode {
	case "calendar", "business":
	default:
		return fmt.Errorf("config.scheduling.day_count_mode must be calendar or business")
	}
	if c.Scheduling.DaysToTarget < 0 || c.Scheduling.DaysToDeadline < 0 {
		return fmt.Errorf("config.scheduling day counts must not be negative")
	}
	if c.Status.UpcomingWindowDays <= 0 {
		return fmt.Errorf("config.status.upcoming_window_days must be positive")
	}
	if len(c.Activities.Kinds) == 0 {
		return fmt.Errorf("config.activities.kinds is required")
	}
	for kind, policy := range c.Activities.Kinds {
		switch kind {
		case "checklist", "send_email", "attachment", "pdf_layout_validation", "third_party_match":
		default:
			return fmt.Errorf("unknown activity kind %s in config", kind)
		}
		switch policy.Cancellation {
		case "not_cancellable", "requires_justification", "free":
		default:
			return fmt.Errorf("kind %s has invalid cancellation policy %q", kind, policy.Cancellation)
		}
	}
	for _, kind := range []string{"checklist", "send_email", "attachment", "pdf_layout_validation", "third_party_match"} {
		if _, ok := c.Activities.Kinds[kind]; !ok {
			return fmt.Errorf("config.activities.kinds missing entry for %s", kind)
		}
	}
	return nil
}

// KindPolicyFor returns the policy table entry for an activity kind.
func (c *Config) KindPolicyFor(kind string) (KindPolicy, bool) {
	p, ok := c.Activities.Kinds[kind]
	return p, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dutyline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scheduling:
  day_count_mode: business
  days_to_target: 3
  days_to_deadline: 5

status:
  upcoming_window_days: 15

activities:
  kinds:
    checklist:
      cancellation: free
      reopenable: true
    send_email:
      cancellation: requires_justification
      reopenable: false
    attachment:
      cancellation: requires_justification
      reopenable: true
    pdf_layout_validation:
      cancellation: not_cancellable
      reopenable: true
    third_party_match:
      cancellation: free
      reopenable: false
`
