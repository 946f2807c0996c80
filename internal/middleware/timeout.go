package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// TimeoutMiddleware races a tool invocation against a fixed duration,
// cancelling and raising a timeout error naming the tool and elapsed
// time on expiry.
type TimeoutMiddleware struct {
	Base

	Timeout time.Duration
}

// NewTimeoutMiddleware constructs a TimeoutMiddleware with the given
// per-call timeout.
func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{Base: NewBase("timeout"), Timeout: timeout}
}

type timeoutResult struct {
	result *tool.Result
	err    error
}

func (m *TimeoutMiddleware) ExecuteFunction(tc *TurnContext, call *types.FunctionCallContent, next ToolExecFunc) (*tool.Result, error) {
	ctx, cancel := context.WithTimeout(tc.Ctx, m.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan timeoutResult, 1)
	go func() {
		r, err := next(ctx, call)
		done <- timeoutResult{result: r, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %q timed out after %s", call.Name, time.Since(start).Round(time.Millisecond))
	}
}
