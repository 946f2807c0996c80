// Package executor wires tool.TaskExecutor to AgentLoop so the task
// tool can spawn and run subagents as first-class branches of the
// parent session, instead of the teacher's detached child sessions.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpd-ai/agentruntime/internal/agent"
	"github.com/hpd-ai/agentruntime/internal/agentloop"
	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/internal/provider"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// SubagentExecutor implements tool.TaskExecutor by running a subtask
// as a forked branch of the parent session, through the same
// AgentLoop/middleware chain a top-level turn uses.
type SubagentExecutor struct {
	Sessions  *agentloop.SessionManager
	Loop      *agentloop.AgentLoop
	Providers *provider.Registry
	Agents    *agent.Registry
	WorkDir   string

	DefaultProviderID string
	DefaultModelID    string
}

// SubagentExecutorConfig holds the dependencies for NewSubagentExecutor.
type SubagentExecutorConfig struct {
	Sessions          *agentloop.SessionManager
	Loop              *agentloop.AgentLoop
	Providers         *provider.Registry
	Agents            *agent.Registry
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string
}

// NewSubagentExecutor constructs a SubagentExecutor.
func NewSubagentExecutor(cfg SubagentExecutorConfig) *SubagentExecutor {
	return &SubagentExecutor{
		Sessions:          cfg.Sessions,
		Loop:              cfg.Loop,
		Providers:         cfg.Providers,
		Agents:            cfg.Agents,
		WorkDir:           cfg.WorkDir,
		DefaultProviderID: cfg.DefaultProviderID,
		DefaultModelID:    cfg.DefaultModelID,
	}
}

// ExecuteSubtask implements tool.TaskExecutor. It forks a new branch
// off the parent session's main branch (subagents start from an empty
// history, matching the teacher's "each agent invocation is
// stateless" contract in task.go's tool description), runs one turn
// of AgentLoop against it with the subagent's own prompt/permissions,
// and returns the assistant's final text.
func (e *SubagentExecutor) ExecuteSubtask(
	ctx context.Context,
	parentSessionID string,
	agentName string,
	prompt string,
	opts tool.TaskOptions,
) (*tool.TaskResult, error) {
	agentConfig, err := e.Agents.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("executor: agent not found: %s: %w", agentName, err)
	}
	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("executor: agent %s cannot be used as subagent (mode: %s)", agentName, agentConfig.Mode)
	}

	branch, err := e.Sessions.ForkBranchAtMessage(ctx, parentSessionID, types.MainBranchID, 0)
	if err != nil {
		return nil, fmt.Errorf("executor: forking subagent branch: %w", err)
	}

	providerID, modelID := e.resolveModel(opts.Model)
	prov, err := e.Providers.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("executor: resolving provider %s: %w", providerID, err)
	}
	model, err := e.Providers.GetModel(providerID, modelID)
	if err != nil {
		return nil, fmt.Errorf("executor: resolving model %s/%s: %w", providerID, modelID, err)
	}

	bus := eventbus.New(256)
	defer bus.Close()
	go drainBus(bus)

	run := agentloop.Run{
		SessionID: parentSessionID,
		BranchID:  branch.ID,
		AgentName: agentName,
		Agent:     agentConfig.Permission,
		Provider:  prov,
		Model:     *model,
		System:    agentConfig.Prompt,
	}

	userMsg := types.Message{
		ID:   branch.ID + "-task",
		Role: types.RoleUser,
		Content: []types.ContentItem{
			&types.TextContent{Type: "text", Text: prompt},
		},
	}

	runCtx, end, err := e.Sessions.BeginRun(ctx, parentSessionID, branch.ID)
	if err != nil {
		return nil, fmt.Errorf("executor: starting subagent run: %w", err)
	}
	defer end()

	if err := e.Loop.RunTurn(runCtx, bus, run, userMsg); err != nil {
		return &tool.TaskResult{
			Output:    fmt.Sprintf("error executing subtask: %s", err.Error()),
			SessionID: parentSessionID,
			AgentID:   agentName,
			Error:     err.Error(),
			Metadata: map[string]any{
				"branchID":    branch.ID,
				"description": opts.Description,
			},
		}, nil
	}

	finalBranch, err := e.Sessions.LoadBranch(ctx, parentSessionID, branch.ID)
	if err != nil {
		return nil, fmt.Errorf("executor: loading finished subagent branch: %w", err)
	}

	return &tool.TaskResult{
		Output:    lastAssistantText(finalBranch.Messages),
		SessionID: parentSessionID,
		AgentID:   agentName,
		Metadata: map[string]any{
			"branchID":    branch.ID,
			"description": opts.Description,
		},
	}, nil
}

// resolveModel maps the task tool's short model aliases onto concrete
// model ids, falling back to the executor's configured defaults.
func (e *SubagentExecutor) resolveModel(modelOption string) (providerID, modelID string) {
	providerID, modelID = e.DefaultProviderID, e.DefaultModelID
	switch modelOption {
	case "sonnet":
		modelID = "claude-sonnet-4-20250514"
	case "opus":
		modelID = "claude-opus-4-20250514"
	case "haiku":
		modelID = "claude-haiku-3-20240307"
	}
	return providerID, modelID
}

// lastAssistantText returns the text of the last assistant message in
// the branch, which is what the model produced once it stopped
// calling tools.
func lastAssistantText(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != types.RoleAssistant {
			continue
		}
		var parts []string
		for _, item := range messages[i].Content {
			if text, ok := item.(*types.TextContent); ok && text.Text != "" {
				parts = append(parts, text.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// drainBus discards every event from a subagent run; its AgentLoop
// turn reuses the same EventBus/middleware.Chain machinery as a
// top-level turn, but a subtask's progress is not itself streamed to
// the end user, only its final TaskResult is.
func drainBus(bus *eventbus.Bus) {
	for range bus.Subscribe() {
	}
}
