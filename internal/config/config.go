package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sprintline/internal/domain"
)

// Config models sprintline.yml.
type Config struct {
	Board struct {
		ID           string            `yaml:"id"`
		Lists        map[string]string `yaml:"lists"`
		IgnoredLists []string          `yaml:"ignored_lists"`
	} `yaml:"board"`
	Labels struct {
		Goal    string `yaml:"goal"`
		Blocked string `yaml:"blocked"`
	} `yaml:"labels"`
	Requirements map[string][]string `yaml:"requirements"`
	Metrics      struct {
		VelocityWindow int  `yaml:"velocity_window"`
		CountGoalScope bool `yaml:"count_goal_scope"`
	} `yaml:"metrics"`
	Report struct {
		MaxAgeGlyphs int `yaml:"max_age_glyphs"`
		NewDays      int `yaml:"new_days"`
	} `yaml:"report"`
	Slack struct {
		ChannelID  string `yaml:"channel_id"`
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`
	Schedule struct {
		DailyAt string `yaml:"daily_at"`
	} `yaml:"schedule"`
}

// Requirement field names accepted in the per-stage requirement table.
const (
	RequireAssignee    = "assignee"
	RequireDescription = "description"
	RequireLabels      = "labels"
	RequirePullRequest = "pull-request"
)

var knownRequirements = map[string]bool{
	RequireAssignee:    true,
	RequireDescription: true,
	RequireLabels:      true,
	RequirePullRequest: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Board.Lists) == 0 {
		return fmt.Errorf("config.board.lists is required")
	}
	valid := map[string]bool{}
	for _, s := range domain.StageOrder {
		valid[s.String()] = true
	}
	for list, stage := range c.Board.Lists {
		if list == "" {
			return fmt.Errorf("config.board.lists contains empty list name")
		}
		if !valid[stage] {
			return fmt.Errorf("list %q maps to unknown stage %q", list, stage)
		}
	}
	for stage, fields := range c.Requirements {
		if !valid[stage] {
			return fmt.Errorf("requirements for unknown stage %q", stage)
		}
		for _, f := range fields {
			if !knownRequirements[f] {
				return fmt.Errorf("stage %s requires unknown field %q", stage, f)
			}
		}
	}
	if c.Metrics.VelocityWindow < 0 {
		return fmt.Errorf("config.metrics.velocity_window must be >= 0")
	}
	if c.Report.MaxAgeGlyphs < 0 {
		return fmt.Errorf("config.report.max_age_glyphs must be >= 0")
	}
	return nil
}

// StageFor resolves a board list name to a stage. The second result is false
// for unmapped lists; callers decide how to degrade.
func (c *Config) StageFor(listName string) (domain.Stage, bool) {
	s, ok := c.Board.Lists[listName]
	if !ok {
		return domain.StageInScope, false
	}
	return domain.Stage(s), true
}

// IsIgnoredList reports whether the list is outside the sprint board
// (backlog and planning lists).
func (c *Config) IsIgnoredList(listName string) bool {
	for _, l := range c.Board.IgnoredLists {
		if l == listName {
			return true
		}
	}
	return false
}

// RequiredFields returns the requirement table entry for a stage.
func (c *Config) RequiredFields(stage domain.Stage) []string {
	return c.Requirements[stage.String()]
}

// VelocityWindow returns the rolling-average window, defaulting to 3.
func (c *Config) VelocityWindow() int {
	if c.Metrics.VelocityWindow == 0 {
		return 3
	}
	return c.Metrics.VelocityWindow
}

// MaxAgeGlyphs returns the age indicator cap, defaulting to 10.
func (c *Config) MaxAgeGlyphs() int {
	if c.Report.MaxAgeGlyphs == 0 {
		return 10
	}
	return c.Report.MaxAgeGlyphs
}

// NewDays returns how many days a ticket counts as new, defaulting to 2.
func (c *Config) NewDays() int {
	if c.Report.NewDays == 0 {
		return 2
	}
	return c.Report.NewDays
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sprintline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'sl config init' to write defaults", path)
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
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config for a board.
func Default(boardID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(boardID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
}

const defaultTemplate = `board:
  id: "%s"
  lists:
    "In Scope": in_scope
    "Investigation/Discussion": investigation
    "In Progress": in_progress
    "Pending Release": pending_release
    "Demo/Final Approval": demo
    "Done": done
  ignored_lists:
    - "Backlog/Ideas"
    - "Objectives"
    - "To Do"
    - "Backlog"

labels:
  goal: Goal
  blocked: Blocked

requirements:
  investigation: [assignee]
  in_progress: [description, labels, assignee]
  pending_release: [pull-request]

metrics:
  velocity_window: 3
  count_goal_scope: true

report:
  max_age_glyphs: 10
  new_days: 2

slack:
  channel_id: ""
  webhook_url: ""

schedule:
  daily_at: "09:00"
`
