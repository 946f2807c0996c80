package middleware

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

type fakeContainer struct {
	*tool.BaseTool
	expansion tool.Expansion
}

func (f *fakeContainer) Expansion() tool.Expansion { return f.expansion }

func newFakeContainer(id string, referenced ...string) *fakeContainer {
	base := tool.NewBaseTool(id, "a container", json.RawMessage(`{}`), func(ctx context.Context, input json.RawMessage, tc *tool.Context) (*tool.Result, error) {
		return &tool.Result{Output: "expanded"}, nil
	})
	return &fakeContainer{
		BaseTool: base,
		expansion: tool.Expansion{
			FunctionResultText: "tools expanded",
			SystemPromptText:   "extra instructions for " + id,
			ReferencedTools:    referenced,
		},
	}
}

func TestContainerMiddleware_ExpandsAndStripsOnAfterMessageTurn(t *testing.T) {
	reg := tool.NewRegistry("")
	reg.Register(newFakeContainer("toolbox", "hammer"))
	mw := NewContainerMiddleware(reg)
	tc := newTestTurnContext()

	tc.PendingCalls = []*types.FunctionCallContent{
		{Type: "function_call", CallID: "call1", Name: "toolbox"},
	}
	require.NoError(t, mw.BeforeToolExecution(tc))

	assert.True(t, tc.State.ExpandedContainers["toolbox"])
	assert.True(t, tc.State.ContainerCallIDs["call1"])
	assert.Equal(t, "tools expanded", tc.SyntheticResults["call1"])

	require.NoError(t, mw.BeforeIteration(tc))
	assert.Contains(t, tc.SystemPrompt, "extra instructions for toolbox")

	tc.Branch.Messages = []types.Message{
		{Role: types.RoleAssistant, Content: []types.ContentItem{
			&types.FunctionCallContent{Type: "function_call", CallID: "call1", Name: "toolbox"},
		}},
		{Role: types.RoleTool, Content: []types.ContentItem{
			&types.FunctionResultContent{Type: "function_result", CallID: "call1", Result: "tools expanded"},
		}},
		{Role: types.RoleAssistant, Content: []types.ContentItem{
			&types.TextContent{Type: "text", Text: "done"},
		}},
	}

	require.NoError(t, mw.AfterMessageTurn(tc))

	require.Len(t, tc.Branch.Messages, 1)
	assert.Equal(t, "done", tc.Branch.Messages[0].Content[0].(*types.TextContent).Text)
}
