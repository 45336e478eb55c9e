package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	TaskTypes map[string]TaskType        `yaml:"task_types"`
	Templates map[string]ServiceTemplate `yaml:"templates"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type TaskType struct {
	Description string `yaml:"description"`
}

// ServiceTemplate is a named batch of tasks created together on a project.
type ServiceTemplate struct {
	Description string         `yaml:"description"`
	Tasks       []TemplateTask `yaml:"tasks"`
}

type TemplateTask struct {
	Subject      string  `yaml:"subject"`
	TaskType     string  `yaml:"task_type"`
	ExpectedTime float64 `yaml:"expected_time"`
	Description  string  `yaml:"description"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes one outbound event subscription. An empty Events
// list subscribes to everything.
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
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
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
	if c.Project.Kind != "service-project" {
		return fmt.Errorf("config.project.kind must be 'service-project'")
	}
	if len(c.TaskTypes) == 0 {
		return fmt.Errorf("config.task_types is required")
	}
	for name := range c.TaskTypes {
		if name == "" {
			return fmt.Errorf("config.task_types contains empty type name")
		}
	}
	for name, tpl := range c.Templates {
		if name == "" {
			return fmt.Errorf("config.templates contains empty template name")
		}
		if len(tpl.Tasks) == 0 {
			return fmt.Errorf("template %s has no tasks", name)
		}
		for i, t := range tpl.Tasks {
			if t.Subject == "" {
				return fmt.Errorf("template %s task %d has empty subject", name, i)
			}
			if t.TaskType != "" {
				if _, ok := c.TaskTypes[t.TaskType]; !ok {
					return fmt.Errorf("template %s task %d uses unknown task type %s", name, i, t.TaskType)
				}
			}
			if t.ExpectedTime < 0 {
				return fmt.Errorf("template %s task %d has negative expected_time", name, i)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
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
	return nil
}

// HasTaskType reports whether name is in the configured catalog.
func (c *Config) HasTaskType(name string) bool {
	_, ok := c.TaskTypes[name]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
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
	cfg.Project.Kind = "service-project"
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
  name: Service project
  kind: service-project

task_types:
  inspection:
    description: "Initial inspection and diagnosis"
  repair:
    description: "Repair work"
  maintenance:
    description: "Scheduled maintenance"
  delivery:
    description: "Hand-over and delivery"
  admin:
    description: "Administrative follow-up"

templates:
  standard-service:
    description: "Standard service visit"
    tasks:
      - subject: "Inspect and diagnose"
        task_type: inspection
        expected_time: 1
        description: "Document findings before any repair starts"
      - subject: "Perform repair"
        task_type: repair
        expected_time: 4
      - subject: "Final check and delivery"
        task_type: delivery
        expected_time: 0.5

  maintenance-visit:
    description: "Recurring maintenance visit"
    tasks:
      - subject: "Maintenance checklist"
        task_type: maintenance
        expected_time: 2
      - subject: "Report to customer"
        task_type: admin
        expected_time: 0.5

rbac:
  roles:
    owner:
      description: "Full control over the project"
      permissions:
        - project.read
        - project.write
        - task.create
        - task.read
        - task.list
        - task.write
        - task.clock
        - events.read
        - rbac.manage
    coordinator:
      description: "Plans and edits tasks"
      permissions:
        - project.read
        - task.create
        - task.read
        - task.list
        - task.write
        - task.clock
        - events.read
    technician:
      description: "Executes assigned tasks"
      permissions:
        - project.read
        - task.read
        - task.list
        - task.clock
`
