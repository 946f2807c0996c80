// Package config provides configuration loading, merging, and path
// management for the agent runtime.
//
// # Configuration Loading
//
// Load searches for and merges configuration from multiple sources in
// priority order:
//
//  1. Global config (~/.config/agentruntime/agentruntime.json[c])
//  2. Project config (<directory>/.agentruntime/agentruntime.json[c])
//  3. Environment variables
//
// Later sources override earlier ones field-by-field; maps (Provider,
// Agent, MCP, Tools, PromptVariables) are merged key-by-key rather than
// replaced wholesale.
//
// # Supported Formats
//
// Both plain JSON (agentruntime.json) and JSON-with-comments
// (agentruntime.jsonc) are accepted; comments in a .jsonc file are
// stripped before unmarshaling.
//
// # Environment Variable Overrides
//
//   - AGENTRUNTIME_MODEL / AGENTRUNTIME_SMALL_MODEL override the
//     configured default/small model.
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / ARK_API_KEY populate a
//     provider's APIKey when the config file left it unset.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/agentruntime (XDG_DATA_HOME)
//   - Config: ~/.config/agentruntime (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/agentruntime (XDG_CACHE_HOME)
//   - State: ~/.local/state/agentruntime (XDG_STATE_HOME)
package config
