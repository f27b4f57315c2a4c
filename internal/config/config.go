package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"govline/internal/domain"
)

// Config models govline.yml.
type Config struct {
	DirectiveTypes          map[string]DirectiveTypePolicy `yaml:"directive_types" json:"directive_types"`
	Phases                  []PhaseWeight                  `yaml:"phases" json:"phases"`
	GateTimeoutMs           int                            `yaml:"gate_timeout_ms" json:"gate_timeout_ms"`
	AcceptanceThreshold     int                            `yaml:"acceptance_threshold" json:"acceptance_threshold"`
	SubAgentConfidenceFloor int                            `yaml:"sub_agent_confidence_floor" json:"sub_agent_confidence_floor"`
	Cascade                 CascadeConfig                  `yaml:"cascade" json:"cascade"`
	Database                DatabaseConfig                 `yaml:"database" json:"database"`
	Logging                 LoggingConfig                  `yaml:"logging" json:"logging"`
	Webhooks                []WebhookConfig                `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type DirectiveTypePolicy struct {
	RequiresGatedSubagents bool          `yaml:"requires_gated_subagents" json:"requires_gated_subagents"`
	RequiredAgents         []string      `yaml:"required_agents" json:"required_agents"`
	AcceptanceThreshold    *int          `yaml:"acceptance_threshold,omitempty" json:"acceptance_threshold,omitempty"`
	Phases                 []PhaseWeight `yaml:"phases,omitempty" json:"phases,omitempty"`
}

// PhaseWeight is one progress contribution. CompletedBy names the phase whose
// outgoing handoff completes it on acceptance; empty means it is completed explicitly.
type PhaseWeight struct {
	Name        string `yaml:"name" json:"name"`
	Weight      int    `yaml:"weight" json:"weight"`
	CompletedBy string `yaml:"completed_by,omitempty" json:"completed_by,omitempty"`
}

type CascadeConfig struct {
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	TimeoutMs    int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxElapsedMs int    `yaml:"max_elapsed_ms,omitempty" json:"max_elapsed_ms,omitempty"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with gov config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes. Omitted keys keep their defaults.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validatePhases("phases", c.Phases); err != nil {
		return err
	}
	for name, p := range c.DirectiveTypes {
		if !domain.IsDirectiveType(name) {
			return fmt.Errorf("config.directive_types has unknown type %s", name)
		}
		if len(p.Phases) > 0 {
			if err := validatePhases("directive_types."+name+".phases", p.Phases); err != nil {
				return err
			}
		}
		if p.AcceptanceThreshold != nil && !inPercent(*p.AcceptanceThreshold) {
			return fmt.Errorf("directive_types.%s.acceptance_threshold must be between 0 and 100", name)
		}
		for _, agent := range p.RequiredAgents {
			if agent == "" {
				return fmt.Errorf("directive_types.%s has empty required agent", name)
			}
		}
	}
	if c.GateTimeoutMs < 0 {
		return fmt.Errorf("config.gate_timeout_ms must not be negative")
	}
	if !inPercent(c.AcceptanceThreshold) {
		return fmt.Errorf("config.acceptance_threshold must be between 0 and 100")
	}
	if !inPercent(c.SubAgentConfidenceFloor) {
		return fmt.Errorf("config.sub_agent_confidence_floor must be between 0 and 100")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func validatePhases(path string, phases []PhaseWeight) error {
	if len(phases) == 0 {
		return fmt.Errorf("config.%s is required", path)
	}
	seen := map[string]bool{}
	sum := 0
	for _, p := range phases {
		if p.Name == "" {
			return fmt.Errorf("config.%s has empty phase name", path)
		}
		if seen[p.Name] {
			return fmt.Errorf("config.%s has duplicate phase %s", path, p.Name)
		}
		seen[p.Name] = true
		if p.Weight < 0 || p.Weight > 100 {
			return fmt.Errorf("config.%s phase %s weight must be between 0 and 100", path, p.Name)
		}
		if p.CompletedBy != "" && !domain.IsHandoffSource(p.CompletedBy) {
			return fmt.Errorf("config.%s phase %s completed_by %s is not a handoff source phase", path, p.Name, p.CompletedBy)
		}
		sum += p.Weight
	}
	if sum != 100 {
		return fmt.Errorf("config.%s weights sum to %d, want 100", path, sum)
	}
	return nil
}

func inPercent(v int) bool {
	return v >= 0 && v <= 100
}

// GateTimeout returns the per-gate deadline.
func (c *Config) GateTimeout() time.Duration {
	if c.GateTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.GateTimeoutMs) * time.Millisecond
}

// Overrides carries flag or environment values layered over the file.
type Overrides struct {
	DatabaseDriver      string
	DatabaseDSN         string
	GateTimeoutMs       int
	AcceptanceThreshold int
	LogLevel            string
	CascadeURL          string
}

// Apply layers non-zero overrides onto the config and re-validates it.
func (c *Config) Apply(o Overrides) error {
	if o.DatabaseDriver != "" {
		c.Database.Driver = o.DatabaseDriver
	}
	if o.DatabaseDSN != "" {
		c.Database.DSN = o.DatabaseDSN
	}
	if o.GateTimeoutMs > 0 {
		c.GateTimeoutMs = o.GateTimeoutMs
	}
	if o.AcceptanceThreshold > 0 {
		c.AcceptanceThreshold = o.AcceptanceThreshold
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.CascadeURL != "" {
		c.Cascade.URL = o.CascadeURL
	}
	return c.Validate()
}

const defaultTemplate = `gate_timeout_ms: 10000
acceptance_threshold: 85
sub_agent_confidence_floor: 70

phases:
  - name: LEAD_approval
    weight: 20
    completed_by: LEAD
  - name: PLAN_prd
    weight: 20
    completed_by: PLAN
  - name: EXEC_implementation
    weight: 30
    completed_by: EXEC
  - name: PLAN_verification
    weight: 15
    completed_by: PLAN_VERIFICATION
  - name: LEAD_final_approval
    weight: 15

directive_types:
  feature:
    requires_gated_subagents: true
    required_agents: [TESTING, DESIGN, STORIES]
  infrastructure:
    requires_gated_subagents: false
    required_agents: [GITHUB, DOCMON]
  database:
    requires_gated_subagents: true
    required_agents: [DATABASE, SECURITY]
  documentation:
    requires_gated_subagents: false
    required_agents: [DOCMON]
  bugfix:
    requires_gated_subagents: true
    required_agents: [RCA, REGRESSION, TESTING]
  orchestrator:
    requires_gated_subagents: false
    required_agents: []

database:
  driver: sqlite

logging:
  level: info
  format: json
`
