package tool

import (
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/hpd-ai/agentruntime/internal/agent"
)

// Registry manages tool registration and lookup. It is built once at
// startup and is safe for concurrent reads; writes (Register) are only
// expected during construction.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// findByName is the spec-named lookup; it is an alias of Get kept
// separate so callers expressing the contract in those terms read
// naturally.
func (r *Registry) findByName(name string) (Tool, bool) {
	return r.Get(name)
}

// isContainer reports whether the named tool is a Container.
func (r *Registry) isContainer(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	_, ok = t.(Container)
	return ok
}

// IsContainer is the exported form of isContainer, used by middleware
// that sits outside this package.
func (r *Registry) IsContainer(name string) bool {
	return r.isContainer(name)
}

// expansion returns the Expansion for a container tool.
func (r *Registry) expansion(name string) (Expansion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Expansion{}, false
	}
	c, ok := t.(Container)
	if !ok {
		return Expansion{}, false
	}
	return c.Expansion(), true
}

// Expansion is the exported form of expansion.
func (r *Registry) Expansion(name string) (Expansion, bool) {
	return r.expansion(name)
}

// SnapshotVisible is the exported form of snapshotVisible.
func (r *Registry) SnapshotVisible(expandedContainers map[string]bool) []Tool {
	return r.snapshotVisible(expandedContainers)
}

// snapshotVisible returns the tools visible to the model for the
// current iteration: every non-container tool, every not-yet-expanded
// container as a single synthetic entry, and the referenced tools of
// every container named in expandedContainers (with the container
// itself no longer shown).
func (r *Registry) snapshotVisible(expandedContainers map[string]bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	referenced := make(map[string]bool)
	for name, expanded := range expandedContainers {
		if !expanded {
			continue
		}
		c, ok := r.tools[name].(Container)
		if !ok {
			continue
		}
		for _, ref := range c.Expansion().ReferencedTools {
			referenced[ref] = true
		}
	}

	visible := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if _, isContainer := t.(Container); isContainer {
			if expandedContainers[name] {
				continue // expanded containers hide themselves
			}
			visible = append(visible, t)
			continue
		}
		visible = append(visible, t)
	}

	for name := range referenced {
		if t, ok := r.tools[name]; ok {
			visible = append(visible, t)
		}
	}

	return visible
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools for the full registry.
func (r *Registry) EinoTools() []einotool.BaseTool {
	return einoToolsFor(r.List())
}

// EinoToolsVisible returns Eino-compatible tools scoped to a snapshot
// of visible tools, honoring container expansion state.
func (r *Registry) EinoToolsVisible(expandedContainers map[string]bool) []einotool.BaseTool {
	return einoToolsFor(r.snapshotVisible(expandedContainers))
}

func einoToolsFor(tools []Tool) []einotool.BaseTool {
	out := make([]einotool.BaseTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.EinoTool())
	}
	return out
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string) *Registry {
	r := NewRegistry(workDir)

	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))
	r.Register(NewBatchTool(workDir, r))

	// TaskTool requires an agent registry; register separately with
	// RegisterTaskTool once one is available.

	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
		}
	}
}
