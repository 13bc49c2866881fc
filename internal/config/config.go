package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
	"steward/internal/policy"
)

// Config models steward.yml: the static governance policy loaded once at
// process start.
type Config struct {
	Organization struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"organization"`
	Hierarchy struct {
		VetoMaxRank      int      `yaml:"veto_max_rank"`
		DefaultAuthority string   `yaml:"default_authority"`
		Order            []string `yaml:"order"`
	} `yaml:"hierarchy"`
	Agents     []AgentConfig                      `yaml:"agents"`
	Units      []UnitConfig                       `yaml:"units"`
	Roles      []RoleConfig                       `yaml:"roles"`
	Categories map[policy.Category]CategoryConfig `yaml:"categories"`
	Audit      AuditConfig                        `yaml:"audit"`
	Webhooks   []WebhookConfig                    `yaml:"webhooks"`
}

type AgentConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	RoleClass string   `yaml:"role_class"`
	Authority []string `yaml:"authority"`
	Rank      int      `yaml:"rank"`
	Units     []string `yaml:"units"`
}

type UnitConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Parent     string `yaml:"parent"`
	Primary    string `yaml:"primary"`
	Secondary  string `yaml:"secondary"`
	Execution  string `yaml:"execution"`
	Escalation string `yaml:"escalation"`
	Autonomy   string `yaml:"autonomy"`
	Regulatory string `yaml:"regulatory"`
}

type RoleConfig struct {
	ID          string             `yaml:"id"`
	Description string             `yaml:"description"`
	Permissions []string           `yaml:"permissions"`
	Level       int                `yaml:"level"`
	Agents      []string           `yaml:"agents"`
	Classes     []string           `yaml:"classes"`
	Humans      []string           `yaml:"humans"`
	Constraints []ConstraintConfig `yaml:"constraints"`
}

type ConstraintConfig struct {
	Kind     string `yaml:"kind"`
	Category string `yaml:"category"`
	Agent    string `yaml:"agent"`
}

// CategoryConfig is one row of the canonical category policy table consumed
// by role constraints, escalation routing and reviewer assignment alike.
type CategoryConfig struct {
	Authority string   `yaml:"authority"`
	Required  []string `yaml:"required"`
	Optional  []string `yaml:"optional"`
}

type AuditConfig struct {
	Capacity          int `yaml:"capacity"`
	HighRiskThreshold int `yaml:"high_risk_threshold"`
	SinkQueue         int `yaml:"sink_queue"`
}

// WebhookConfig subscribes a URL to the durable audit trail. Actions
// narrows delivery to the listed action names; MinRisk drops entries below
// the score.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Actions        []string `yaml:"actions"`
	MinRisk        int      `yaml:"min_risk"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	DefaultAuditCapacity     = 10000
	DefaultHighRiskThreshold = 70
	DefaultSinkQueue         = 1024
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stw policy init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// Validate checks field-level structure. Cross-references (dangling agent
// ids, rank ordering, duplicates) are checked when the registry is built.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must declare at least one agent")
	}
	if c.Hierarchy.DefaultAuthority == "" {
		return fmt.Errorf("config.hierarchy.default_authority is required")
	}
	if c.Hierarchy.VetoMaxRank < 0 {
		return fmt.Errorf("config.hierarchy.veto_max_rank must not be negative")
	}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agent #%d has empty id", i)
		}
		if a.Rank <= 0 {
			return fmt.Errorf("agent %s must have a positive rank", a.ID)
		}
	}
	for i, u := range c.Units {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("unit #%d has empty id", i)
		}
		if u.Primary == "" {
			return fmt.Errorf("unit %s has no primary agent", u.ID)
		}
		if _, err := policy.ParseAutonomy(u.Autonomy); err != nil {
			return fmt.Errorf("unit %s: %w", u.ID, err)
		}
		if !policy.Regulatory(strings.ToUpper(u.Regulatory)).Valid() {
			return fmt.Errorf("unit %s has unknown regulatory tag %q", u.ID, u.Regulatory)
		}
	}
	for i, r := range c.Roles {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("role #%d has empty id", i)
		}
		for _, perm := range r.Permissions {
			if perm == policy.Wildcard {
				continue
			}
			if _, err := policy.ParseAction(perm); err != nil {
				return fmt.Errorf("role %s: %w", r.ID, err)
			}
		}
		for _, con := range r.Constraints {
			kind := domain.ConstraintKind(con.Kind)
			if !kind.Valid() {
				return fmt.Errorf("role %s has unknown constraint kind %q", r.ID, con.Kind)
			}
			if kind == domain.ConstraintDeferTo {
				if (con.Category == "") == (con.Agent == "") {
					return fmt.Errorf("role %s: defer_to needs exactly one of category or agent", r.ID)
				}
				if con.Category != "" {
					if _, err := policy.ParseCategory(con.Category); err != nil {
						return fmt.Errorf("role %s: %w", r.ID, err)
					}
				}
			}
		}
	}
	if _, ok := c.Categories[policy.DefaultCategory]; !ok {
		return fmt.Errorf("config.categories must include %s", policy.DefaultCategory)
	}
	for cat, entry := range c.Categories {
		if !cat.Valid() {
			return fmt.Errorf("config.categories has unknown category %q", cat)
		}
		if entry.Authority == "" {
			return fmt.Errorf("category %s has no authority", cat)
		}
		if len(entry.Required) == 0 {
			return fmt.Errorf("category %s has no required reviewers", cat)
		}
	}
	if c.Audit.Capacity < 0 {
		return fmt.Errorf("config.audit.capacity must not be negative")
	}
	if c.Audit.HighRiskThreshold < 0 || c.Audit.HighRiskThreshold > 100 {
		return fmt.Errorf("config.audit.high_risk_threshold must be within [0,100]")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.MinRisk < 0 || hook.MinRisk > 100 {
			return fmt.Errorf("config.webhooks[%d].min_risk must be within [0,100]", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued audit settings.
func (c *Config) ApplyDefaults() {
	if c.Audit.Capacity == 0 {
		c.Audit.Capacity = DefaultAuditCapacity
	}
	if c.Audit.HighRiskThreshold == 0 {
		c.Audit.HighRiskThreshold = DefaultHighRiskThreshold
	}
	if c.Audit.SinkQueue == 0 {
		c.Audit.SinkQueue = DefaultSinkQueue
	}
}

// Default returns the built-in policy.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in policy is invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the built-in policy YAML.
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
	cfg.ApplyDefaults()
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

// Marshal renders cfg back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `organization:
  id: northwind
  name: Northwind Collective

hierarchy:
  veto_max_rank: 2
  default_authority: agent-sovereign
  order:
    - agent-sovereign
    - agent-architect
    - agent-designer
    - agent-researcher
    - agent-quant
    - agent-linguist
    - agent-operator

agents:
  - id: agent-sovereign
    name: Sovereign
    role_class: executive
    authority: [veto, final-approval, deploy]
    rank: 1
  - id: agent-architect
    name: Architect
    role_class: architecture-steward
    authority: [veto, architecture, schema]
    rank: 2
  - id: agent-designer
    name: Designer
    role_class: design-steward
    authority: [design]
    rank: 3
  - id: agent-researcher
    name: Researcher
    role_class: specialist
    authority: [research]
    rank: 4
  - id: agent-quant
    name: Quant
    role_class: specialist
    authority: [analytics, math]
    rank: 5
  - id: agent-linguist
    name: Linguist
    role_class: specialist
    authority: [localization]
    rank: 6
  - id: agent-operator
    name: Operator
    role_class: operations
    authority: [release]
    rank: 7
  - id: agent-builder
    name: Builder
    role_class: engineer
    authority: [code]
    rank: 8
  - id: agent-scribe
    name: Scribe
    role_class: writer
    authority: [content]
    rank: 9

units:
  - id: exec
    name: Executive Office
    primary: agent-sovereign
    autonomy: FULL
  - id: platform
    name: Platform Engineering
    parent: exec
    primary: agent-builder
    secondary: agent-architect
    execution: agent-operator
    escalation: agent-architect
    autonomy: PARTIAL
  - id: release
    name: Release Management
    parent: platform
    primary: agent-operator
    secondary: agent-builder
    execution: agent-operator
    escalation: agent-sovereign
    autonomy: FULL
    regulatory: REGULATED
  - id: design
    name: Design Studio
    parent: exec
    primary: agent-designer
    secondary: agent-scribe
    autonomy: PARTIAL
  - id: research
    name: Research Lab
    parent: exec
    primary: agent-researcher
    secondary: agent-quant
    autonomy: ASSIST_ONLY
  - id: finance
    name: Treasury
    parent: exec
    primary: agent-quant
    secondary: agent-sovereign
    escalation: agent-sovereign
    autonomy: ASSIST_ONLY
    regulatory: HIGHLY_REGULATED
  - id: localization
    name: Localization
    parent: design
    primary: agent-linguist
    secondary: agent-scribe
    autonomy: PARTIAL
  - id: content
    name: Content
    parent: design
    primary: agent-scribe
    secondary: agent-linguist
    autonomy: PARTIAL

roles:
  - id: sovereign
    description: Top operational authority
    permissions: ["*"]
    level: 100
    agents: [agent-sovereign]
    humans: [owner]
  - id: human-admin
    description: Human administrator
    permissions: ["*"]
    level: 95
    humans: [admin]
  - id: architecture-steward
    description: Owns system architecture and data schemas
    permissions: [code:read, code:generate, code:review, code:merge, architecture:change, schema:migrate, config:update, review:create, review:submit, review:merge, review:close, escalation:create, escalation:resolve, audit:read, chat:reply]
    level: 90
    agents: [agent-architect]
  - id: design-steward
    description: Owns visual design and UI components
    permissions: [code:read, code:review, design:update, content:publish, review:create, review:submit, review:close, escalation:create, escalation:resolve, chat:reply]
    level: 70
    classes: [design-steward]
  - id: operator
    description: Executes releases
    permissions: [code:read, deploy:execute, deploy:rollback, config:update, review:create, review:submit, review:merge, review:close, escalation:create, audit:read, chat:reply]
    level: 65
    classes: [operations]
    constraints:
      - kind: defer_to
        category: RELEASE
  - id: specialist
    description: Research, analytics and localization specialists
    permissions: [code:read, research:publish, analytics:model, localization:update, tokenomics:update, review:create, review:submit, escalation:create, escalation:resolve, audit:read, chat:reply]
    level: 60
    classes: [specialist]
  - id: engineer
    description: Generates and merges code
    permissions: [code:read, code:generate, code:review, code:merge, config:update, review:create, review:submit, review:merge, review:close, escalation:create, chat:reply]
    level: 50
    classes: [engineer]
    constraints:
      - kind: defer_to
        category: ARCHITECTURE
      - kind: no_production
  - id: writer
    description: Writes and localizes content
    permissions: [code:read, content:publish, localization:update, review:create, review:submit, escalation:create, chat:reply]
    level: 40
    classes: [writer]
    constraints:
      - kind: defer_to
        category: UI
  - id: human-reviewer
    description: Human code reviewer
    permissions: [code:read, code:review, review:submit, review:merge, review:close, audit:read]
    level: 30
    humans: [reviewer]
    constraints:
      - kind: require_human_approval
  - id: human-viewer
    description: Read-only observer
    permissions: [code:read, audit:read]
    level: 10
    humans: [viewer]
    constraints:
      - kind: read_only

categories:
  ARCHITECTURE:
    authority: agent-architect
    required: [agent-architect]
    optional: [agent-builder, agent-sovereign]
  UI:
    authority: agent-designer
    required: [agent-designer]
    optional: [agent-builder]
  RELEASE:
    authority: agent-sovereign
    required: [agent-operator, agent-sovereign]
    optional: [agent-architect]
  TOKENOMICS:
    authority: agent-sovereign
    required: [agent-sovereign, agent-quant]
    optional: [agent-architect]
  LOCALIZATION:
    authority: agent-linguist
    required: [agent-linguist]
    optional: [agent-scribe]
  RESEARCH:
    authority: agent-researcher
    required: [agent-researcher]
    optional: [agent-quant]
  ANALYTICS:
    authority: agent-quant
    required: [agent-quant]
    optional: [agent-researcher]
  CONFIG:
    authority: agent-operator
    required: [agent-operator]
    optional: [agent-architect]
  CONTENT:
    authority: agent-designer
    required: [agent-scribe]
    optional: [agent-designer]
  CODE:
    authority: agent-architect
    required: [agent-builder]
    optional: [agent-architect]
  GENERAL:
    authority: agent-sovereign
    required: [agent-builder]
    optional: [agent-architect]

audit:
  capacity: 10000
  high_risk_threshold: 70
  sink_queue: 1024
`
