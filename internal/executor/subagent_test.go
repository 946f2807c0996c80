package executor

import (
	"context"
	"io"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpd-ai/agentruntime/internal/agent"
	"github.com/hpd-ai/agentruntime/internal/agentloop"
	"github.com/hpd-ai/agentruntime/internal/middleware"
	"github.com/hpd-ai/agentruntime/internal/provider"
	"github.com/hpd-ai/agentruntime/internal/storage"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

type fakeStream struct {
	events []provider.ChatEvent
	pos    int
}

func (s *fakeStream) Recv() (provider.ChatEvent, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *fakeStream) Close() {}

type fakeProvider struct {
	id     string
	models []types.Model
	text   string
}

func (p *fakeProvider) ID() string             { return p.id }
func (p *fakeProvider) Name() string            { return p.id }
func (p *fakeProvider) Models() []types.Model   { return p.models }
func (p *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }
func (p *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	return nil, nil
}

func (p *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatStream, error) {
	return &fakeStream{events: []provider.ChatEvent{
		provider.TextStartEvent{},
		provider.TextDeltaEvent{Text: p.text},
		provider.TextEndEvent{Text: p.text},
		provider.FinishEvent{Reason: "stop"},
	}}, nil
}

func newTestExecutor(t *testing.T, responseText string) (*SubagentExecutor, *agentloop.SessionManager) {
	t.Helper()

	store := storage.NewMemoryStore()
	sessions := agentloop.NewSessionManager(store)
	registry := tool.NewRegistry("")
	chain := middleware.NewChain()
	loop := agentloop.New(store, registry, chain, nil)

	providers := provider.NewRegistry(nil)
	fake := &fakeProvider{id: "fake", models: []types.Model{{ID: "fake-model"}}, text: responseText}
	providers.Register(fake)

	agents := agent.NewRegistry()

	exec := NewSubagentExecutor(SubagentExecutorConfig{
		Sessions:          sessions,
		Loop:              loop,
		Providers:         providers,
		Agents:            agents,
		DefaultProviderID: "fake",
		DefaultModelID:    "fake-model",
	})
	return exec, sessions
}

func TestSubagentExecutor_ExecuteSubtask(t *testing.T) {
	exec, sessions := newTestExecutor(t, "subtask complete")
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx)
	require.NoError(t, err)

	result, err := exec.ExecuteSubtask(ctx, session.ID, "explore", "find the bug", tool.TaskOptions{Description: "investigate"})
	require.NoError(t, err)
	assert.Equal(t, "subtask complete", result.Output)
	assert.Equal(t, "explore", result.AgentID)
	assert.Equal(t, session.ID, result.SessionID)
}

func TestSubagentExecutor_UnknownAgent(t *testing.T) {
	exec, sessions := newTestExecutor(t, "unused")
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx)
	require.NoError(t, err)

	_, err = exec.ExecuteSubtask(ctx, session.ID, "nonexistent", "do something", tool.TaskOptions{})
	assert.Error(t, err)
}

func TestSubagentExecutor_PrimaryOnlyAgentRejected(t *testing.T) {
	exec, sessions := newTestExecutor(t, "unused")
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx)
	require.NoError(t, err)

	_, err = exec.ExecuteSubtask(ctx, session.ID, "build", "do something", tool.TaskOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be used as subagent")
}
