package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Roles known to the studio. The dashboard is role-gated with simple
// allow-lists; anything more is out of scope.
var KnownRoles = []string{"stakeholder", "director", "pm", "producer", "hr"}

// Config models crtvstudio.yml.
type Config struct {
	Studio struct {
		Name string `yaml:"name"`
	} `yaml:"studio"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Orchestrator struct {
		Mode string `yaml:"mode"`
	} `yaml:"orchestrator"`
	Access struct {
		// Operation area -> roles allowed to use it.
		Allow map[string][]string `yaml:"allow"`
	} `yaml:"access"`
	Reviews struct {
		// Roles whose review is required before a checkpoint may close.
		RequiredRoles []string `yaml:"required_roles"`
	} `yaml:"reviews"`
	// Outbound event delivery. Empty means no dispatcher is started.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Studio.Name == "" {
		return fmt.Errorf("config.studio.name is required")
	}
	if c.Orchestrator.Mode != "static" {
		return fmt.Errorf("config.orchestrator.mode must be 'static'")
	}
	if c.Access.Allow == nil {
		return fmt.Errorf("config.access.allow is required")
	}
	known := map[string]bool{}
	for _, r := range KnownRoles {
		known[r] = true
	}
	for area, roles := range c.Access.Allow {
		if area == "" {
			return fmt.Errorf("config.access.allow contains empty area")
		}
		if len(roles) == 0 {
			return fmt.Errorf("access area %s has empty role list", area)
		}
		for _, role := range roles {
			if !known[role] {
				return fmt.Errorf("access area %s references unknown role %s", area, role)
			}
		}
	}
	if len(c.Reviews.RequiredRoles) == 0 {
		return fmt.Errorf("config.reviews.required_roles is required")
	}
	for _, role := range c.Reviews.RequiredRoles {
		if !known[role] {
			return fmt.Errorf("reviews.required_roles references unknown role %s", role)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Allowed reports whether role may use the operation area. An area absent
// from the allow map is open to every authenticated role.
func (c *Config) Allowed(area, role string) bool {
	roles, ok := c.Access.Allow[area]
	if !ok {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crtvstudio.yml")
}

// Load reads and validates config from workspace, falling back to the
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

const defaultTemplate = `studio:
  name: CRTV Studio

server:
  addr: 127.0.0.1:8080
  base_path: /v0

orchestrator:
  mode: static

access:
  allow:
    idea.submit: [stakeholder, director, pm]
    idea.approve: [director, pm]
    task.update: [pm, producer]
    checkpoint.review: [director, pm, producer]
    checkpoint.close: [director, pm]
    hr.read: [hr, director]

reviews:
  required_roles: [director, pm, producer]
`
