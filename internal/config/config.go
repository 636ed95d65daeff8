package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Merge    MergeConfig    `yaml:"merge"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sources  []SourceConfig `yaml:"sources"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console,omitempty"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	// Console defaults to on; a pointer distinguishes "omitted" from an
	// explicit false.
	return c.Console == nil || *c.Console
}

type StorageConfig struct {
	Backend     string   `yaml:"backend"`
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type FetchConfig struct {
	UserAgent     string   `yaml:"user_agent"`
	Timeout       Duration `yaml:"timeout"`
	RatePerSec    float64  `yaml:"rate_per_sec"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

type MergeConfig struct {
	MinTitleLen int `yaml:"min_title_len"`
}

type DispatchConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	MaxInstances  int      `yaml:"max_instances"`
	MisfireGrace  Duration `yaml:"misfire_grace"`
	CatchUp       bool     `yaml:"catch_up"`
	RetentionAge  Duration `yaml:"retention_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ScheduleConfig drives the built-in recurring fetch-all schedule registered
// at startup. Schedules do not survive a restart; this block is how they
// come back.
type ScheduleConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// Every is the recurring fetch-all interval. Defaults to 2h.
	Every Duration `yaml:"every"`

	// Cron, when set, replaces Every with a cron expression.
	Cron string `yaml:"cron"`

	// InitialDelay triggers one fetch-all this long after startup.
	// Zero disables the initial run.
	InitialDelay Duration `yaml:"initial_delay"`
}

func (c ScheduleConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type SourceConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates YAML config bytes. Unknown fields are
// rejected so typos fail loudly instead of silently defaulting.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if backend == "" || backend == "sqlite" {
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("config: storage.path is required for the sqlite backend")
		}
	} else if backend != "memory" {
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}

	seen := map[string]bool{}
	for i, s := range c.Sources {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("config: sources[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("config: duplicate source id %q", id)
		}
		seen[id] = true
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("config: source %q: url is required", id)
		}
	}
	return nil
}
