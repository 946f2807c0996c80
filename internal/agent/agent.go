// Package agent provides multi-agent configuration and management.
package agent

import (
	"github.com/hpd-ai/agentruntime/internal/permission"
)

// Agent represents an agent configuration.
type Agent struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Mode        Mode                        `json:"mode"`
	BuiltIn     bool                        `json:"builtIn"`
	Permission  permission.AgentPermissions `json:"permission"`
	Tools       map[string]bool             `json:"tools"`
	Options     map[string]any              `json:"options,omitempty"`
	Temperature float64                     `json:"temperature,omitempty"`
	TopP        float64                     `json:"topP,omitempty"`
	Model       *ModelRef                   `json:"model,omitempty"`
	Prompt      string                      `json:"prompt,omitempty"`
	Color       string                      `json:"color,omitempty"`
}

// Mode represents the agent operation mode.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
	ModeAll      Mode = "all"
)

// ModelRef references a specific model.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ToolEnabled checks if a tool is enabled for this agent.
func (a *Agent) ToolEnabled(toolID string) bool {
	if enabled, ok := a.Tools[toolID]; ok {
		return enabled
	}

	for pattern, enabled := range a.Tools {
		if permission.MatchWildcard(pattern, toolID) {
			return enabled
		}
	}

	return true
}

// IsPrimary returns true if the agent can be used as a primary agent.
func (a *Agent) IsPrimary() bool {
	return a.Mode == ModePrimary || a.Mode == ModeAll
}

// IsSubagent returns true if the agent can be used as a subagent.
func (a *Agent) IsSubagent() bool {
	return a.Mode == ModeSubagent || a.Mode == ModeAll
}

// Clone creates a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	clone := &Agent{
		Name:        a.Name,
		Description: a.Description,
		Mode:        a.Mode,
		BuiltIn:     a.BuiltIn,
		Temperature: a.Temperature,
		TopP:        a.TopP,
		Prompt:      a.Prompt,
		Color:       a.Color,
	}

	clone.Permission = permission.AgentPermissions{
		Edit:        a.Permission.Edit,
		WebFetch:    a.Permission.WebFetch,
		ExternalDir: a.Permission.ExternalDir,
		DoomLoop:    a.Permission.DoomLoop,
	}
	if a.Permission.Bash != nil {
		clone.Permission.Bash = make(map[string]permission.Action)
		for k, v := range a.Permission.Bash {
			clone.Permission.Bash[k] = v
		}
	}

	if a.Tools != nil {
		clone.Tools = make(map[string]bool)
		for k, v := range a.Tools {
			clone.Tools[k] = v
		}
	}

	if a.Options != nil {
		clone.Options = make(map[string]any)
		for k, v := range a.Options {
			clone.Options[k] = v
		}
	}

	if a.Model != nil {
		clone.Model = &ModelRef{
			ProviderID: a.Model.ProviderID,
			ModelID:    a.Model.ModelID,
		}
	}

	return clone
}

// BuiltInAgents returns the default agent configurations.
func BuiltInAgents() map[string]*Agent {
	return map[string]*Agent{
		"build": {
			Name:        "build",
			Description: "Primary agent for executing tasks, writing code, and making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionAllow,
				Bash:        map[string]permission.Action{"*": permission.ActionAllow},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionAsk,
				DoomLoop:    permission.ActionAsk,
			},
			Tools: map[string]bool{
				"*": true,
			},
		},
		"plan": {
			Name:        "plan",
			Description: "Planning agent for analysis and exploration without making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit: permission.ActionDeny,
				Bash: map[string]permission.Action{
					"grep*":      permission.ActionAllow,
					"find*":      permission.ActionAllow,
					"ls*":        permission.ActionAllow,
					"cat*":       permission.ActionAllow,
					"git status": permission.ActionAllow,
					"git diff*":  permission.ActionAllow,
					"git log*":   permission.ActionAllow,
					"*":          permission.ActionDeny,
				},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read":  true,
				"glob":  true,
				"grep":  true,
				"list":  true,
				"bash":  true,
				"edit":  false,
				"write": false,
			},
		},
		"general": {
			Name:        "general",
			Description: "General-purpose subagent for searches and exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionDeny,
				Bash:        map[string]permission.Action{"*": permission.ActionDeny},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read":     true,
				"glob":     true,
				"grep":     true,
				"webfetch": true,
				"bash":     false,
				"edit":     false,
				"write":    false,
			},
		},
		"explore": {
			Name:        "explore",
			Description: "Fast agent specialized for codebase exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionDeny,
				Bash:        map[string]permission.Action{"*": permission.ActionDeny},
				WebFetch:    permission.ActionDeny,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read": true,
				"glob": true,
				"grep": true,
				"list": true,
				"bash": false,
				"edit": false,
			},
		},
	}
}
