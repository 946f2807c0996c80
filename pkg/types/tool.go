package types

import "encoding/json"

// ToolDescriptor is the static, serializable description of a tool:
// name, description, and input JSON schema. It is what gets advertised
// to a provider; the executable behavior lives behind the tool.Tool
// interface, kept out of pkg/types to avoid an import cycle.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`

	// Container, when true, marks this tool as a collapsed group: it
	// appears as a single synthetic tool until expanded (see
	// ToolRegistry visibility rules).
	Container bool `json:"container,omitempty"`

	// Skill, when true, additionally injects SystemPromptText into the
	// prompt while expanded. Skill implies Container.
	Skill bool `json:"skill,omitempty"`

	// ReferencedTools names the tools a container reveals once expanded.
	ReferencedTools []string `json:"referencedTools,omitempty"`

	// FunctionResultText is the synthetic tool-result text substituted
	// for the container's own invocation once expanded.
	FunctionResultText string `json:"functionResultText,omitempty"`

	// SystemPromptText is injected into the system prompt while this
	// skill is expanded (ignored unless Skill is true).
	SystemPromptText string `json:"systemPromptText,omitempty"`
}
