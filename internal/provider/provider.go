// Package provider provides LLM provider abstraction using the Eino
// framework: the runtime's Provider interface (consumed by AgentLoop)
// plus the eino <-> pkg/types message and streaming-event conversion
// every concrete adapter shares.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// Provider is the runtime's Provider interface (spec §6): chat
// produces a ChatStream of content as it arrives, honoring
// cancellation through ctx.
type Provider interface {
	ID() string
	Name() string
	Models() []types.Model

	// ChatModel exposes the underlying Eino chat model, for callers
	// and tests that need direct access.
	ChatModel() model.ToolCallingChatModel

	// Chat starts a streaming completion for one AgentLoop iteration.
	Chat(ctx context.Context, req ChatRequest) (ChatStream, error)

	// CreateCompletion is the low-level, Eino-native escape hatch for
	// callers that already hold schema.Message values.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// ChatRequest is what AgentLoop hands a Provider for one iteration.
type ChatRequest struct {
	Model           string
	Messages        []types.Message
	SystemPrompt    string
	Tools           []ToolInfo
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
}

// CompletionRequest is the low-level, Eino-native counterpart to
// ChatRequest: it lets a caller (chiefly tests and diagnostics) drive
// a provider's chat model directly with schema.Message values instead
// of going through the domain-level types.Message conversion.
type CompletionRequest struct {
	Model       string
	Messages    []*schema.Message
	Tools       []*schema.ToolInfo
	MaxTokens   int
	Temperature float64
	TopP        float64
	StopWords   []string
}

// CompletionStream wraps an Eino schema.StreamReader for callers of
// CreateCompletion.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream wraps a raw Eino stream reader.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

func (s *CompletionStream) Recv() (*schema.Message, error) { return s.reader.Recv() }
func (s *CompletionStream) Close()                         { s.reader.Close() }

// createCompletionViaEino is the shared CreateCompletion implementation
// every concrete adapter delegates to.
func createCompletionViaEino(ctx context.Context, chatModel model.ToolCallingChatModel, req *CompletionRequest) (*CompletionStream, error) {
	cm := chatModel
	if len(req.Tools) > 0 {
		var err error
		cm, err = cm.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
	}

	opts := []model.Option{model.WithTemperature(float32(req.Temperature))}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	stream, err := cm.Stream(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return NewCompletionStream(stream), nil
}

// ToolInfo is a tool advertised to the provider for this call.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatEvent is the closed sum of streaming events a ChatStream
// produces, mirroring the wire events AgentLoop emits onto the
// EventBus (TextDelta, ReasoningDelta, ToolCallStart/Args/End).
type ChatEvent interface{ chatEvent() }

type TextStartEvent struct{}

func (TextStartEvent) chatEvent() {}

type TextDeltaEvent struct{ Text string }

func (TextDeltaEvent) chatEvent() {}

type TextEndEvent struct{ Text string }

func (TextEndEvent) chatEvent() {}

type ReasoningStartEvent struct{}

func (ReasoningStartEvent) chatEvent() {}

type ReasoningDeltaEvent struct{ Text string }

func (ReasoningDeltaEvent) chatEvent() {}

type ReasoningEndEvent struct{ Text string }

func (ReasoningEndEvent) chatEvent() {}

type ToolCallStartEvent struct {
	CallID string
	Name   string
}

func (ToolCallStartEvent) chatEvent() {}

type ToolCallArgsEvent struct {
	CallID string
	Delta  string
}

func (ToolCallArgsEvent) chatEvent() {}

type ToolCallEndEvent struct {
	CallID    string
	Arguments json.RawMessage
}

func (ToolCallEndEvent) chatEvent() {}

// Usage reports token accounting from the provider's final chunk, when
// it supplies one.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishEvent is the terminal ChatEvent; after it, Recv returns io.EOF.
type FinishEvent struct {
	Reason string
	Usage  *Usage
	Err    error
}

func (FinishEvent) chatEvent() {}

// ChatStream is the per-call streaming handle a Provider returns.
type ChatStream interface {
	// Recv returns the next event, or io.EOF once the stream is
	// exhausted (always preceded by a FinishEvent).
	Recv() (ChatEvent, error)
	Close()
}

// einoChatStream adapts an Eino schema.StreamReader[*schema.Message]
// to ChatStream, tracking in-flight text/reasoning/tool-call spans the
// same way the teacher's stream processor does (teacher's
// internal/session/stream.go processMessageChunk): each chunk may
// start, continue, or finish a span depending on whether its content
// is empty, a delta, or accompanied by response metadata.
type einoChatStream struct {
	reader *schema.StreamReader[*schema.Message]

	textOpen      bool
	textAccum     string
	reasoningOpen bool
	reasoningAccum string

	toolCalls map[int]*toolCallState
	toolOrder []int

	pending []ChatEvent
	done    bool
}

type toolCallState struct {
	callID string
	name   string
	args   string
	opened bool
}

func newEinoChatStream(reader *schema.StreamReader[*schema.Message]) *einoChatStream {
	return &einoChatStream{reader: reader, toolCalls: make(map[int]*toolCallState)}
}

func (s *einoChatStream) Close() { s.reader.Close() }

func (s *einoChatStream) Recv() (ChatEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		msg, err := s.reader.Recv()
		if err == io.EOF {
			s.finish("stop", nil, nil)
			continue
		}
		if err != nil {
			s.finish("error", nil, err)
			continue
		}

		s.ingest(msg)
	}
}

func (s *einoChatStream) ingest(msg *schema.Message) {
	if msg.ReasoningContent != "" {
		if !s.reasoningOpen {
			s.reasoningOpen = true
			s.pending = append(s.pending, ReasoningStartEvent{})
		}
		s.reasoningAccum += msg.ReasoningContent
		s.pending = append(s.pending, ReasoningDeltaEvent{Text: msg.ReasoningContent})
	}

	if msg.Content != "" {
		if !s.textOpen {
			s.textOpen = true
			s.pending = append(s.pending, TextStartEvent{})
		}
		s.textAccum += msg.Content
		s.pending = append(s.pending, TextDeltaEvent{Text: msg.Content})
	}

	for i, tc := range msg.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		state, ok := s.toolCalls[idx]
		if !ok {
			state = &toolCallState{}
			s.toolCalls[idx] = state
			s.toolOrder = append(s.toolOrder, idx)
		}
		if tc.ID != "" {
			state.callID = tc.ID
		}
		if tc.Function.Name != "" {
			state.name = tc.Function.Name
		}
		if !state.opened && state.callID != "" && state.name != "" {
			state.opened = true
			s.pending = append(s.pending, ToolCallStartEvent{CallID: state.callID, Name: state.name})
		}
		if tc.Function.Arguments != "" {
			state.args += tc.Function.Arguments
			if state.opened {
				s.pending = append(s.pending, ToolCallArgsEvent{CallID: state.callID, Delta: tc.Function.Arguments})
			}
		}
	}

	if resp := msg.ResponseMeta; resp != nil && resp.FinishReason != "" {
		var usage *Usage
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		s.finish(resp.FinishReason, usage, nil)
	}
}

func (s *einoChatStream) finish(reason string, usage *Usage, err error) {
	if s.done {
		return
	}
	if s.reasoningOpen {
		s.pending = append(s.pending, ReasoningEndEvent{Text: s.reasoningAccum})
		s.reasoningOpen = false
	}
	if s.textOpen {
		s.pending = append(s.pending, TextEndEvent{Text: s.textAccum})
		s.textOpen = false
	}
	for _, idx := range s.toolOrder {
		state := s.toolCalls[idx]
		if state.opened {
			s.pending = append(s.pending, ToolCallEndEvent{CallID: state.callID, Arguments: json.RawMessage(state.args)})
		}
	}
	s.pending = append(s.pending, FinishEvent{Reason: reason, Usage: usage, Err: err})
	s.done = true
}

// chatViaEino is the shared Chat() implementation every concrete
// adapter (anthropic/openai/ark) delegates to once it has built its
// model.ToolCallingChatModel.
func chatViaEino(ctx context.Context, chatModel model.ToolCallingChatModel, req ChatRequest) (ChatStream, error) {
	cm := chatModel
	if len(req.Tools) > 0 {
		einoTools := ConvertToEinoTools(req.Tools)
		var err error
		cm, err = cm.WithTools(einoTools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	messages := ConvertToEinoMessages(req.SystemPrompt, req.Messages)

	opts := []model.Option{model.WithTemperature(float32(req.Temperature))}
	if req.MaxOutputTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxOutputTokens))
	}
	if req.TopP > 0 {
		opts = append(opts, model.WithTopP(float32(req.TopP)))
	}

	reader, err := cm.Stream(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return newEinoChatStream(reader), nil
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}
	return params
}

// ConvertToEinoMessages converts a branch's messages (plus the
// system prompt MiddlewareChain assembled for this iteration) into
// Eino's schema.Message form.
func ConvertToEinoMessages(systemPrompt string, messages []types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, &schema.Message{Role: schema.System, Content: systemPrompt})
	}

	for _, msg := range messages {
		role := schema.Assistant
		switch msg.Role {
		case types.RoleUser:
			role = schema.User
		case types.RoleSystem:
			role = schema.System
		case types.RoleTool:
			role = schema.Tool
		}

		einoMsg := &schema.Message{Role: role}
		for _, item := range msg.Content {
			switch c := item.(type) {
			case *types.TextContent:
				einoMsg.Content += c.Text
			case *types.ReasoningContent:
				einoMsg.ReasoningContent += c.Text
			case *types.FunctionCallContent:
				einoMsg.ToolCalls = append(einoMsg.ToolCalls, schema.ToolCall{
					ID: c.CallID,
					Function: schema.FunctionCall{
						Name:      c.Name,
						Arguments: string(c.Arguments),
					},
				})
			case *types.FunctionResultContent:
				// Tool results are carried as separate tool-role
				// messages so each gets its own ToolCallID.
				result = append(result, &schema.Message{
					Role:       schema.Tool,
					Content:    c.Result,
					ToolCallID: c.CallID,
				})
			}
		}
		if einoMsg.Content != "" || einoMsg.ReasoningContent != "" || len(einoMsg.ToolCalls) > 0 {
			result = append(result, einoMsg)
		}
	}

	return result
}

// ConvertFromChatEvents folds a fully-drained ChatStream's events back
// into a single assistant Message, used by AgentLoop after it has
// finished re-emitting the events individually onto the EventBus.
func ConvertFromChatEvents(text, reasoning string, toolCalls []ToolCallEndEvent) types.Message {
	var content []types.ContentItem
	if reasoning != "" {
		content = append(content, &types.ReasoningContent{Type: "reasoning", Text: reasoning})
	}
	if text != "" {
		content = append(content, &types.TextContent{Type: "text", Text: text})
	}
	for _, tc := range toolCalls {
		content = append(content, &types.FunctionCallContent{
			Type:      "function_call",
			CallID:    tc.CallID,
			Name:      "", // filled in by caller, which tracks name from ToolCallStartEvent
			Arguments: tc.Arguments,
		})
	}
	return types.Message{Role: types.RoleAssistant, Content: content}
}
