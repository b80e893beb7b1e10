package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldcheck.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"site" json:"site"`
	Uploads struct {
		Concurrency int `yaml:"concurrency" json:"concurrency"`
		MaxFileMB   int `yaml:"max_file_mb" json:"max_file_mb"`
	} `yaml:"uploads" json:"uploads"`
	Display struct {
		DeficiencyPreview int `yaml:"deficiency_preview" json:"deficiency_preview"`
	} `yaml:"display" json:"display"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
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
			return nil, fmt.Errorf("config %s not found; import with fc site config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if c.Site.Kind != "construction-site" {
		return fmt.Errorf("config.site.kind must be 'construction-site'")
	}
	if c.Uploads.Concurrency < 0 {
		return fmt.Errorf("config.uploads.concurrency must not be negative")
	}
	if c.Uploads.MaxFileMB < 0 {
		return fmt.Errorf("config.uploads.max_file_mb must not be negative")
	}
	if c.Display.DeficiencyPreview < 0 {
		return fmt.Errorf("config.display.deficiency_preview must not be negative")
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
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// UploadConcurrency returns the configured fan-out bound, defaulted.
func (c *Config) UploadConcurrency() int {
	if c == nil || c.Uploads.Concurrency <= 0 {
		return 3
	}
	return c.Uploads.Concurrency
}

// MaxFileBytes returns the per-file upload limit in bytes, defaulted.
func (c *Config) MaxFileBytes() int64 {
	mb := 10
	if c != nil && c.Uploads.MaxFileMB > 0 {
		mb = c.Uploads.MaxFileMB
	}
	return int64(mb) << 20
}

// DeficiencyPreview returns how many deficiencies the CLI/UI should show
// before truncating with a "+N more" indicator. Truncation is cosmetic; the
// validator always returns the full list.
func (c *Config) DeficiencyPreview() int {
	if c == nil || c.Display.DeficiencyPreview <= 0 {
		return 3
	}
	return c.Display.DeficiencyPreview
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldcheck.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
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

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	cfg.Site.ID = siteID
	cfg.Site.Kind = "construction-site"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteID))).Decode(&cfg)
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

const defaultTemplate = `site:
  id: %s
  kind: construction-site

uploads:
  concurrency: 3
  max_file_mb: 10

display:
  deficiency_preview: 3

rbac:
  roles:
    owner:
      description: "Full control of the site"
      permissions:
        - site.read
        - site.update
        - site.delete
        - site.config.read
        - site.config.write
        - template.import
        - template.read
        - instance.create
        - instance.read
        - instance.assign
        - instance.submit
        - response.write
        - signature.write
        - event.read
        - rbac.manage
    manager:
      description: "Reviews inspections and submits them"
      permissions:
        - site.read
        - template.read
        - instance.create
        - instance.read
        - instance.assign
        - instance.submit
        - response.write
        - signature.write
        - event.read
    inspector:
      description: "Fills in assigned checklists in the field"
      permissions:
        - site.read
        - template.read
        - instance.read
        - response.write
        - signature.write
`
