// Package clienttool bridges tool calls the model addresses to a
// connected client (rather than a locally executable Tool) onto the
// run's EventBus: a client registers the tools it can serve, and
// AgentLoop invokes one by emitting a correlated request/response pair
// through the bus instead of calling a local Tool.Execute.
package clienttool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// ToolDefinition is a tool a client has registered, advertised to the
// model the same way a local Tool is.
type ToolDefinition struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry tracks which client owns which tool IDs. It holds no
// request/response state itself — that correlation lives on the run's
// eventbus.Bus, scoped to the run invoking the tool rather than to a
// process-wide registry.
type Registry struct {
	mu sync.RWMutex

	// clientID -> toolID -> definition
	tools map[string]map[string]ToolDefinition
}

// NewRegistry creates an empty client tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]map[string]ToolDefinition)}
}

// Register registers tools for a client and returns the registered
// tool IDs (each prefixed with the client's namespace).
func (r *Registry) Register(clientID string, tools []ToolDefinition) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tools[clientID] == nil {
		r.tools[clientID] = make(map[string]ToolDefinition)
	}

	registered := make([]string, 0, len(tools))
	for _, t := range tools {
		toolID := prefixToolID(clientID, t.ID)
		r.tools[clientID][toolID] = ToolDefinition{
			ID:          toolID,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
		registered = append(registered, toolID)
	}
	return registered
}

// Unregister removes tools for a client. If toolIDs is empty, every
// tool registered by that client is removed. Returns the tool IDs that
// were actually removed.
func (r *Registry) Unregister(clientID string, toolIDs []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientTools := r.tools[clientID]
	if clientTools == nil {
		return nil
	}

	var unregistered []string
	if len(toolIDs) == 0 {
		for id := range clientTools {
			unregistered = append(unregistered, id)
		}
		delete(r.tools, clientID)
		return unregistered
	}

	for _, id := range toolIDs {
		fullID := id
		if !IsClientTool(id) {
			fullID = prefixToolID(clientID, id)
		}
		if _, ok := clientTools[fullID]; ok {
			delete(clientTools, fullID)
			unregistered = append(unregistered, fullID)
		}
	}
	return unregistered
}

// GetTools returns the tools registered by one client.
func (r *Registry) GetTools(clientID string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientTools := r.tools[clientID]
	if clientTools == nil {
		return nil
	}
	tools := make([]ToolDefinition, 0, len(clientTools))
	for _, t := range clientTools {
		tools = append(tools, t)
	}
	return tools
}

// GetAllTools returns every registered client tool across all clients.
func (r *Registry) GetAllTools() map[string]ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make(map[string]ToolDefinition)
	for _, clientTools := range r.tools {
		for id, t := range clientTools {
			all[id] = t
		}
	}
	return all
}

// GetTool looks up a tool definition by its (prefixed) ID.
func (r *Registry) GetTool(toolID string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tools := range r.tools {
		if t, ok := tools[toolID]; ok {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// FindClientForTool returns the client owning toolID, or "" if none does.
func (r *Registry) FindClientForTool(toolID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for clientID, tools := range r.tools {
		if _, ok := tools[toolID]; ok {
			return clientID
		}
	}
	return ""
}

// Cleanup removes every tool registered by a disconnecting client.
func (r *Registry) Cleanup(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, clientID)
}

// IsClientTool reports whether a tool ID belongs to the client
// namespace rather than a locally executable Tool.
func IsClientTool(toolID string) bool {
	return strings.HasPrefix(toolID, "client_")
}

func prefixToolID(clientID, toolID string) string {
	return "client_" + clientID + "_" + toolID
}

// Invoke emits a ClientToolInvokeRequest on bus and blocks until the
// correlated ClientToolInvokeResponse arrives, ctx is cancelled, or the
// run's event stream terminates first. The transport layer connecting
// to the actual client is responsible for observing the request event
// and calling Respond with the client's answer.
func Invoke(ctx context.Context, bus *eventbus.Bus, requestID, toolName, callID string, arguments json.RawMessage) (*types.ClientToolInvokeResponseData, error) {
	bus.Emit(types.NewEvent(types.EventClientToolInvokeRequest, nil, &types.ClientToolInvokeRequestData{
		RequestID: requestID,
		ToolName:  toolName,
		CallID:    callID,
		Arguments: arguments,
	}))

	raw, err := bus.Await(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("clienttool: awaiting response for %s: %w", toolName, err)
	}

	resp, ok := raw.(*types.ClientToolInvokeResponseData)
	if !ok {
		return nil, fmt.Errorf("clienttool: unexpected response type %T for %s", raw, toolName)
	}
	if !resp.Success {
		return resp, fmt.Errorf("clienttool: %s failed: %s", toolName, resp.ErrorMessage)
	}
	return resp, nil
}

// Respond delivers a client's answer to a pending Invoke call. It
// returns false if no call is currently waiting on resp.RequestID.
func Respond(bus *eventbus.Bus, resp *types.ClientToolInvokeResponseData) bool {
	bus.Emit(types.NewEvent(types.EventClientToolInvokeResponse, nil, resp))
	return bus.Respond(resp.RequestID, resp)
}
