package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"phaseline/internal/gate"
)

// Config models phaseline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Gates struct {
		Phases map[string]PhaseGate `yaml:"phases"`
	} `yaml:"gates"`
	RBAC struct {
		Roles             map[string]RBACRole `yaml:"roles"`
		ReviewAuthorities map[string][]string `yaml:"review_authorities"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PhaseGate configures gating for one named phase.
type PhaseGate struct {
	Gate             bool   `yaml:"gate"`
	SignatureMeaning string `yaml:"signature_meaning"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "design-control" {
		return fmt.Errorf("config.project.kind must be 'design-control'")
	}
	for name := range c.Gates.Phases {
		if !knownPhase(name) {
			return fmt.Errorf("gates.phases references unknown phase %s", name)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for phaseName, roles := range c.RBAC.ReviewAuthorities {
		if !knownPhase(phaseName) {
			return fmt.Errorf("review_authorities references unknown phase %s", phaseName)
		}
		for _, roleID := range roles {
			if roleID == "" {
				return fmt.Errorf("phase %s has empty review role id", phaseName)
			}
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("phase %s references unknown role %s", phaseName, roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

func knownPhase(name string) bool {
	for _, n := range gate.PhaseNames {
		if n == name {
			return true
		}
	}
	return false
}

// IsGate reports whether completing the named phase requires a recorded
// review. Phases absent from the gate catalog default to gated.
func (c *Config) IsGate(phaseName string) bool {
	if c == nil {
		return true
	}
	pg, ok := c.Gates.Phases[phaseName]
	if !ok {
		return true
	}
	return pg.Gate
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "design-control"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `project:
  id: %s
  kind: design-control

gates:
  phases:
    Planning:
      gate: true
      signature_meaning: "Design and development plan approved"
    Inputs:
      gate: true
      signature_meaning: "Design inputs reviewed and approved"
    Outputs:
      gate: true
      signature_meaning: "Design outputs meet input requirements"
    Verification:
      gate: true
      signature_meaning: "Verification results accepted"
    Validation:
      gate: true
      signature_meaning: "Validation against user needs accepted"
    Transfer:
      gate: true
      signature_meaning: "Design transfer to production approved"

rbac:
  roles:
    owner:
      description: "Project owner"
      permissions:
        - project.create
        - project.read
        - project.update
        - project.delete
        - project.list
        - project.status.read
        - project.config.read
        - phase.state.read
        - phase.review.submit
        - phase.review.list
        - event.list
        - rbac.manage
    quality_lead:
      description: "Quality lead; reviews every gate"
      permissions:
        - project.read
        - project.status.read
        - phase.state.read
        - phase.review.submit
        - phase.review.list
        - event.list
    engineer:
      description: "Design engineer; read-only on gates"
      permissions:
        - project.read
        - project.status.read
        - phase.state.read
        - phase.review.list
        - event.list

  review_authorities:
    Planning: [owner, quality_lead]
    Inputs: [owner, quality_lead]
    Outputs: [owner, quality_lead]
    Verification: [owner, quality_lead]
    Validation: [owner, quality_lead]
    Transfer: [owner, quality_lead]
`
