package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

func textMsg(role types.Role, text string) types.Message {
	return types.Message{Role: role, Content: []types.ContentItem{&types.TextContent{Type: "text", Text: text}}}
}

func TestHistoryReducer_NoopBelowThreshold(t *testing.T) {
	messages := []types.Message{
		textMsg(types.RoleSystem, "system"),
		textMsg(types.RoleUser, "hi"),
	}
	cfg := types.HistoryReductionConfig{Enabled: true, ContextWindowSize: 1000, TriggerPercentage: 0.75, PreservePercentage: 0.5}

	out, dropped, changed := HistoryReducer(messages, cfg)

	assert.False(t, changed)
	assert.Nil(t, dropped)
	assert.Equal(t, messages, out)
}

func TestHistoryReducer_CompactsPreservingSystemAndLatestUser(t *testing.T) {
	messages := []types.Message{textMsg(types.RoleSystem, "system prompt")}
	for i := 0; i < 50; i++ {
		messages = append(messages, textMsg(types.RoleUser, strings.Repeat("x", 400)))
		messages = append(messages, textMsg(types.RoleAssistant, strings.Repeat("y", 400)))
	}
	messages = append(messages, textMsg(types.RoleUser, "final question"))

	cfg := types.HistoryReductionConfig{Enabled: true, ContextWindowSize: 2000, TriggerPercentage: 0.5, PreservePercentage: 0.1}

	out, dropped, changed := HistoryReducer(messages, cfg)

	require.True(t, changed)
	assert.NotEmpty(t, dropped)
	assert.Equal(t, types.RoleSystem, out[0].Role)
	assert.Equal(t, "final question", types.TextOf(out[len(out)-1].Content))
	assert.Less(t, len(out), len(messages))
}

func TestHistoryReducer_PreservesPendingFunctionCallPair(t *testing.T) {
	messages := []types.Message{textMsg(types.RoleSystem, "system")}
	for i := 0; i < 30; i++ {
		messages = append(messages, textMsg(types.RoleUser, strings.Repeat("z", 500)))
	}
	messages = append(messages, types.Message{Role: types.RoleAssistant, Content: []types.ContentItem{
		&types.FunctionCallContent{Type: "function_call", CallID: "call-42", Name: "bash"},
	}})
	messages = append(messages, types.Message{Role: types.RoleTool, Content: []types.ContentItem{
		&types.FunctionResultContent{Type: "function_result", CallID: "call-42", Result: "output"},
	}})

	cfg := types.HistoryReductionConfig{Enabled: true, ContextWindowSize: 1000, TriggerPercentage: 0.3, PreservePercentage: 0.1}

	out, _, changed := HistoryReducer(messages, cfg)
	require.True(t, changed)

	foundCall := false
	for _, m := range out {
		for _, item := range m.Content {
			if c, ok := item.(*types.FunctionCallContent); ok && c.CallID == "call-42" {
				foundCall = true
			}
		}
	}
	assert.True(t, foundCall, "function-call message referenced by the trailing result must survive compaction")
}
