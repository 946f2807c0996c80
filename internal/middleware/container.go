package middleware

import (
	"sort"

	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// ContainerMiddleware implements the ToolRegistry container-visibility
// contract: a container tool stands in for a group of other tools
// until the model invokes it, at which point the group becomes visible
// and the container itself, along with its call and synthetic result,
// is stripped from persisted history ("immediate transparency").
type ContainerMiddleware struct {
	Base

	Registry *tool.Registry
}

// NewContainerMiddleware constructs a ContainerMiddleware.
func NewContainerMiddleware(registry *tool.Registry) *ContainerMiddleware {
	return &ContainerMiddleware{Base: NewBase("container"), Registry: registry}
}

func (m *ContainerMiddleware) BeforeIteration(tc *TurnContext) error {
	tc.VisibleTools = m.Registry.SnapshotVisible(tc.State.ExpandedContainers)

	seen := make(map[string]bool)
	var frags []string
	for name, expanded := range tc.State.ExpandedContainers {
		if !expanded {
			continue
		}
		exp, ok := m.Registry.Expansion(name)
		if !ok || exp.SystemPromptText == "" || seen[exp.SystemPromptText] {
			continue
		}
		seen[exp.SystemPromptText] = true
		frags = append(frags, exp.SystemPromptText)
	}
	sort.Strings(frags)
	for _, frag := range frags {
		if tc.SystemPrompt != "" {
			tc.SystemPrompt += "\n\n"
		}
		tc.SystemPrompt += frag
	}
	return nil
}

func (m *ContainerMiddleware) BeforeToolExecution(tc *TurnContext) error {
	for _, call := range tc.PendingCalls {
		if !m.Registry.IsContainer(call.Name) {
			continue
		}

		if tc.State.ExpandedContainers == nil {
			tc.State.ExpandedContainers = make(map[string]bool)
		}
		tc.State.ExpandedContainers[call.Name] = true

		if tc.State.ContainerCallIDs == nil {
			tc.State.ContainerCallIDs = make(map[string]bool)
		}
		tc.State.ContainerCallIDs[call.CallID] = true

		exp, ok := m.Registry.Expansion(call.Name)
		if !ok {
			continue
		}
		if tc.SyntheticResults == nil {
			tc.SyntheticResults = make(map[string]string)
		}
		tc.SyntheticResults[call.CallID] = exp.FunctionResultText

		if tc.Bus != nil {
			tc.Bus.Emit(types.NewEvent(types.EventContainerExpanded, nil, &types.ContainerExpandedData{
				ContainerName: call.Name,
				Revealed:      exp.ReferencedTools,
			}))
		}
	}
	return nil
}

// AfterMessageTurn strips every container call and its matching result
// from the branch's persisted messages. The call ids recorded by
// BeforeToolExecution across the whole turn (ExecutionState
// .ContainerCallIDs) drive both passes so a container expanded three
// iterations ago still disappears once the turn completes.
func (m *ContainerMiddleware) AfterMessageTurn(tc *TurnContext) error {
	ids := tc.State.ContainerCallIDs
	if len(ids) == 0 {
		return nil
	}

	messages := make([]types.Message, 0, len(tc.Branch.Messages))
	for _, msg := range tc.Branch.Messages {
		content := make([]types.ContentItem, 0, len(msg.Content))
		for _, item := range msg.Content {
			switch c := item.(type) {
			case *types.FunctionCallContent:
				if ids[c.CallID] {
					continue
				}
			case *types.FunctionResultContent:
				if ids[c.CallID] {
					continue
				}
			}
			content = append(content, item)
		}
		if len(content) == 0 && len(msg.Content) > 0 {
			continue // message was entirely a container call/result
		}
		msg.Content = content
		messages = append(messages, msg)
	}
	tc.Branch.Messages = messages
	return nil
}
