// Package agent resolves requested agent ids into effective definitions,
// modes, and composed tool policies.
package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/latticehq/lattice/internal/tools"
)

// ToolRule is one declarative policy rule from an agent definition.
type ToolRule struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"` // "enable", "disable", "require"
}

// Definition describes one agent. Custom definitions live as JSON5 files
// under `.lattice/agents/<id>.json5`; builtins are compiled in.
type Definition struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName,omitempty"`
	Description  string     `json:"description,omitempty"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	Model        string     `json:"model,omitempty"`
	Inherits     string     `json:"inherits,omitempty"`
	Disabled     *bool      `json:"disabled,omitempty"`
	ToolRules    []ToolRule `json:"tools,omitempty"`
	// ProvidesTools are tools this agent exposes beyond the shared surface.
	// An agent whose chain provides propose_plan is plan-like.
	ProvidesTools []string `json:"providesTools,omitempty"`
	// SentinelTools are answered by an external actor through the delegated
	// call registry instead of executing locally.
	SentinelTools []string `json:"sentinelTools,omitempty"`
}

// Policy compiles the definition's tool rules, skipping invalid patterns.
func (d *Definition) Policy() (tools.Policy, error) {
	var p tools.Policy
	for _, tr := range d.ToolRules {
		rule, err := tools.NewRule(tr.Pattern, tools.Action(tr.Action))
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", d.ID, err)
		}
		p = append(p, rule)
	}
	return p, nil
}

// IsDisabled reports the definition's own disabled flag.
func (d *Definition) IsDisabled() bool {
	return d.Disabled != nil && *d.Disabled
}

const (
	AgentExec    = "exec"
	AgentPlan    = "plan"
	AgentCompact = "compact"
	AgentAuto    = "auto"
)

// builtins are always resolvable and never disabled by frontmatter.
func builtinDefinitions() map[string]*Definition {
	return map[string]*Definition{
		AgentExec: {
			ID:          AgentExec,
			DisplayName: "Exec",
			Description: "Executes tasks directly with the full tool surface.",
		},
		AgentPlan: {
			ID:          AgentPlan,
			DisplayName: "Plan",
			Description: "Read-only exploration that ends with a proposed plan.",
			ToolRules: []ToolRule{
				{Pattern: "bash", Action: "disable"},
				{Pattern: "file_(write|edit|delete).*", Action: "disable"},
			},
			ProvidesTools: []string{"propose_plan"},
			SentinelTools: []string{"propose_plan"},
		},
		AgentCompact: {
			ID:          AgentCompact,
			DisplayName: "Compact",
			Description: "Summarizes history into a compaction boundary.",
			ToolRules: []ToolRule{
				{Pattern: ".*", Action: "disable"},
			},
		},
		AgentAuto: {
			ID:            AgentAuto,
			DisplayName:   "Auto",
			Description:   "Picks the right agent via switch_agent.",
			ProvidesTools: []string{"switch_agent"},
		},
	}
}

// loadDefinitionFile reads a custom agent definition from the project or
// global agents directory. Returns nil without error when no file exists.
func loadDefinitionFile(dirs []string, id string) (*Definition, error) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, ext := range []string{".json5", ".jsonc", ".json"} {
			path := filepath.Join(dir, id+ext)
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read agent %s: %w", id, err)
			}
			var def Definition
			if err := json5.Unmarshal(data, &def); err != nil {
				return nil, fmt.Errorf("parse agent %s: %w", id, err)
			}
			if def.ID == "" {
				def.ID = id
			}
			return &def, nil
		}
	}
	return nil, nil
}
