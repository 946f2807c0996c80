package types

// RuntimeConfig is the root, layered configuration for one agent
// runtime instance: defaults, then a JSON/JSONC config file, then
// environment variables (see internal/config).
type RuntimeConfig struct {
	Model      string `json:"model,omitempty"`
	SmallModel string `json:"small_model,omitempty"`

	Tools           map[string]bool            `json:"tools,omitempty"`
	Instructions    []string                   `json:"instructions,omitempty"`
	PromptVariables map[string]string          `json:"promptVariables,omitempty"`
	Provider        map[string]ProviderConfig  `json:"provider,omitempty"`
	Agent           map[string]AgentConfig     `json:"agent,omitempty"`
	Permission      *PermissionConfig          `json:"permission,omitempty"`
	MCP             map[string]MCPConfig       `json:"mcp,omitempty"`
	History         HistoryReductionConfig     `json:"history,omitempty"`
}

// ProviderConfig configures one LLM provider adapter.
type ProviderConfig struct {
	APIKey    string   `json:"apiKey,omitempty"`
	BaseURL   string   `json:"baseURL,omitempty"`
	Model     string   `json:"model,omitempty"`
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
	Disable   bool     `json:"disable,omitempty"`
}

// AgentConfig configures one named Agent preset.
type AgentConfig struct {
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Tools       map[string]bool   `json:"tools,omitempty"`
	Permission  *PermissionConfig `json:"permission,omitempty"`
	Description string            `json:"description,omitempty"`
	Mode        string            `json:"mode,omitempty"` // "subagent"|"primary"|"all"
	Disable     bool              `json:"disable,omitempty"`
}

// PermissionConfig is the declarative shape of an agent's default
// permission posture, loaded from config and turned into
// AgentPermissions at runtime.
type PermissionConfig struct {
	Edit        string      `json:"edit,omitempty"`
	Bash        interface{} `json:"bash,omitempty"` // string or map[string]string
	WebFetch    string      `json:"webfetch,omitempty"`
	ExternalDir string      `json:"external_directory,omitempty"`
	DoomLoop    string      `json:"doom_loop,omitempty"`
}

// MCPConfig configures one external Model Context Protocol server.
type MCPConfig struct {
	Type        string            `json:"type,omitempty"` // "local"|"remote"
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
}

// HistoryReductionConfig configures HistoryReducer/HistoryReductionMiddleware.
type HistoryReductionConfig struct {
	Enabled                bool    `json:"enabled"`
	ContextWindowSize      int     `json:"contextWindowSize,omitempty"`
	TriggerPercentage      float64 `json:"triggerPercentage,omitempty"`
	PreservePercentage     float64 `json:"preservePercentage,omitempty"`
	TargetMessageCount     int     `json:"targetMessageCount,omitempty"`
	SummarizationThreshold int     `json:"summarizationThreshold,omitempty"`
}

// Model describes one selectable LLM model from a provider.
type Model struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ProviderID        string  `json:"providerID"`
	ContextLength     int     `json:"contextLength"`
	MaxOutputTokens   int     `json:"maxOutputTokens,omitempty"`
	SupportsTools     bool    `json:"supportsTools"`
	SupportsReasoning bool    `json:"supportsReasoning,omitempty"`
	SupportsVision    bool    `json:"supportsVision,omitempty"`
	InputPrice        float64 `json:"inputPrice,omitempty"`
	OutputPrice       float64 `json:"outputPrice,omitempty"`
	Options           ModelOptions `json:"options,omitempty"`
}

// ModelOptions carries provider-specific knobs that don't generalize
// across every Model (prompt caching, extended "thinking" output).
type ModelOptions struct {
	PromptCaching  bool `json:"promptCaching,omitempty"`
	ExtendedOutput bool `json:"extendedOutput,omitempty"`
}
