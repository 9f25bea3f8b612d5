package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flowlens/internal/domain"
)

// Config models flowlens.yml.
type Config struct {
	Thresholds Thresholds      `yaml:"thresholds"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	AI         AIConfig        `yaml:"ai"`
	Storage    StorageConfig   `yaml:"storage"`
	Server     ServerConfig    `yaml:"server"`
	Logging    LoggingConfig   `yaml:"logging"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

type Thresholds struct {
	ReviewBottleneck          int     `yaml:"review_bottleneck"`
	BlockedCards              int     `yaml:"blocked_cards"`
	SyncDivergence            float64 `yaml:"sync_divergence"`
	Overload                  float64 `yaml:"overload"`
	Underutilization          float64 `yaml:"underutilization"`
	WorkDaysPerWeek           int     `yaml:"work_days_per_week"`
	SimulatorBlockedCritical  int     `yaml:"simulator_blocked_critical"`
	SimulatorReviewBottleneck int     `yaml:"simulator_review_bottleneck"`
}

type MetricsConfig struct {
	RetentionDays    int     `yaml:"retention_days"`
	ThroughputWindow int     `yaml:"throughput_window"`
	TrendWindow      int     `yaml:"trend_window"`
	BlockedAlert     float64 `yaml:"blocked_alert_percent"`
	FlowAlert        float64 `yaml:"flow_alert_percent"`
	WIPAlert         float64 `yaml:"wip_alert_percent"`
}

// Retention returns the rolling history window.
func (m MetricsConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

type AIConfig struct {
	Providers        []ProviderConfig `yaml:"providers"`
	TimeoutSeconds   int              `yaml:"timeout_seconds"`
	SystemPromptFile string           `yaml:"system_prompt_file"`
	FallThrough      bool             `yaml:"fall_through"`
}

// Timeout returns the per-provider call timeout.
func (a AIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type ProviderConfig struct {
	Name        string  `yaml:"name"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Enabled     *bool   `yaml:"enabled"`
}

// APIKey resolves the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Metrics      bool   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	MinSeverity    string `yaml:"min_severity"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

var (
	knownProviders = map[string]bool{"openai": true, "anthropic": true}
	knownDrivers   = map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	knownLevels    = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.ReviewBottleneck < 1 || t.BlockedCards < 1 {
		return fmt.Errorf("thresholds.review_bottleneck and thresholds.blocked_cards must be >= 1")
	}
	if t.SyncDivergence <= 0 || t.SyncDivergence > 1 {
		return fmt.Errorf("thresholds.sync_divergence must be within (0,1]")
	}
	if t.Underutilization < 0 || t.Overload <= t.Underutilization {
		return fmt.Errorf("thresholds.overload (%v) must exceed thresholds.underutilization (%v)", t.Overload, t.Underutilization)
	}
	if t.WorkDaysPerWeek <= 0 || t.WorkDaysPerWeek > 7 {
		return fmt.Errorf("thresholds.work_days_per_week must be within [1,7]")
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("metrics.retention_days must be > 0")
	}
	if c.Metrics.ThroughputWindow < 2 {
		return fmt.Errorf("metrics.throughput_window must be >= 2")
	}
	if c.Metrics.TrendWindow < 2 {
		return fmt.Errorf("metrics.trend_window must be >= 2")
	}
	seen := map[string]bool{}
	for i, p := range c.AI.Providers {
		if p.Name == "" {
			return fmt.Errorf("ai.providers[%d] has empty name", i)
		}
		if !knownProviders[p.Name] {
			return fmt.Errorf("ai.providers[%d] references unknown provider %s", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("ai provider %s listed twice", p.Name)
		}
		seen[p.Name] = true
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("ai provider %s temperature must be within [0,2]", p.Name)
		}
	}
	if !knownDrivers[c.Storage.Driver] {
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, memory")
	}
	if !knownLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %s is invalid", c.Logging.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d] has empty url", i)
		}
		if hook.MinSeverity != "" && !domain.Severity(hook.MinSeverity).IsValid() {
			return fmt.Errorf("webhooks[%d] min_severity %s is invalid", i, hook.MinSeverity)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowlens.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

const defaultTemplate = `thresholds:
  review_bottleneck: 5
  blocked_cards: 2
  sync_divergence: 0.3
  overload: 0.9
  underutilization: 0.6
  work_days_per_week: 5
  simulator_blocked_critical: 5
  simulator_review_bottleneck: 10

metrics:
  retention_days: 90
  throughput_window: 14
  trend_window: 7
  blocked_alert_percent: 20
  flow_alert_percent: 30
  wip_alert_percent: 90

ai:
  timeout_seconds: 30
  system_prompt_file: ""
  fall_through: false
  providers:
    - name: openai
      api_key_env: OPENAI_API_KEY
      model: gpt-4-turbo-preview
      max_tokens: 3000
      temperature: 0.1
    - name: anthropic
      api_key_env: ANTHROPIC_API_KEY
      model: claude-3-sonnet-20240229
      max_tokens: 3000
      temperature: 0.1

storage:
  driver: sqlite
  dsn: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: FLOWLENS_JWT_SECRET
  metrics: true

logging:
  level: info

webhooks: []
`
