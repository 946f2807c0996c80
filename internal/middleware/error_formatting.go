package middleware

import (
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// ErrorFormattingMiddleware absorbs any error surfacing from inner
// middlewares/tool invocation and substitutes a sanitized result so it
// never propagates back to AgentLoop as a failed iteration. The raw
// error is retained on TurnContext.RawError for observability.
type ErrorFormattingMiddleware struct {
	Base

	// Detailed, when true, returns the raw error string to the model
	// instead of a generic message. Only safe in trusted environments:
	// error strings can carry stack traces, paths, and secrets.
	Detailed bool
}

// NewErrorFormattingMiddleware constructs an ErrorFormattingMiddleware.
func NewErrorFormattingMiddleware(detailed bool) *ErrorFormattingMiddleware {
	return &ErrorFormattingMiddleware{Base: NewBase("error_formatting"), Detailed: detailed}
}

func (m *ErrorFormattingMiddleware) ExecuteFunction(tc *TurnContext, call *types.FunctionCallContent, next ToolExecFunc) (*tool.Result, error) {
	result, err := next(tc.Ctx, call)
	if err == nil {
		return result, nil
	}

	tc.SetRawError(call.CallID, err)

	message := "tool execution failed"
	if m.Detailed {
		message = err.Error()
	}

	return &tool.Result{
		Title:  call.Name,
		Output: message,
		Error:  err,
	}, nil
}
