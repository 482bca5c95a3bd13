package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/viniciushammett/mqtt-auth-detector/internal/ml"
	"github.com/viniciushammett/mqtt-auth-detector/internal/rules"
	"github.com/viniciushammett/mqtt-auth-detector/internal/tracing"
	"github.com/viniciushammett/mqtt-auth-detector/internal/window"
)

type Server struct {
	Addr        string   `yaml:"addr"`
	AuthToken   string   `yaml:"authToken"`
	CORSOrigins []string `yaml:"corsOrigins"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `yaml:"rateLimit"`
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

type Slack struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type Retrain struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron, e.g. "0 4 * * *"
	// MinRecords skips a scheduled run when the store holds fewer rows.
	MinRecords int `yaml:"minRecords"`
}

type Storage struct {
	Path string `yaml:"path"`
}

type Artifacts struct {
	Dir string `yaml:"dir"`
}

type Config struct {
	Server    Server         `yaml:"server"`
	Storage   Storage        `yaml:"storage"`
	Artifacts Artifacts      `yaml:"artifacts"`
	Pipeline  window.Config  `yaml:"pipeline"`
	Model     ml.TrainConfig `yaml:"model"`
	Rules     []rules.Rule   `yaml:"rules"`
	Slack     Slack          `yaml:"slack"`
	Tracing   tracing.Config `yaml:"tracing"`
	Retrain   Retrain        `yaml:"retrain"`
}

func Default() *Config {
	return &Config{
		Server:    Server{Addr: ":8080", RateLimit: 120, MaxBodyBytes: 32 << 20},
		Storage:   Storage{Path: "data/mqtt-auth.db"},
		Artifacts: Artifacts{Dir: "artifacts"},
		Pipeline:  window.DefaultConfig(),
		Model:     ml.DefaultTrainConfig(),
		Tracing:   tracing.Config{ServiceName: "mqtt-auth-detector", OTLPEndpoint: "localhost:4317", SampleRatio: 1},
		Retrain:   Retrain{Schedule: "0 4 * * *", MinRecords: 1000},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server: rateLimit must be >= 0")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage: path is required")
	}
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts: dir is required")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if _, err := rules.New(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if c.Slack.Enabled && c.Slack.Webhook == "" {
		return fmt.Errorf("slack: webhook is required when enabled")
	}
	if c.Retrain.Enabled && c.Retrain.Schedule == "" {
		return fmt.Errorf("retrain: schedule is required when enabled")
	}
	return nil
}

// RuleSet builds the configured rules, falling back to the built-in set.
func (c *Config) RuleSet() (*rules.Set, error) { return rules.New(c.Rules) }
