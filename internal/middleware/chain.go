// Package middleware implements the MiddlewareChain: the onion of
// interceptors AgentLoop drives on two seams, one iteration (a single
// model call plus its tool calls) and one tool execution (a single
// tool invocation). See the concrete middlewares in this package for
// the canonical outermost-to-innermost order: Retry, Timeout,
// ErrorFormatting, Permission, Container, HistoryReduction, then the
// tool invocation itself.
package middleware

import (
	"context"
	"sync"

	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/internal/permission"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// ToolExecFunc invokes one tool call and returns its result. The final
// ToolExecFunc in a chain is the actual tool invocation; every
// middleware's ExecuteFunction hook wraps the next one in registration
// order.
type ToolExecFunc func(ctx context.Context, call *types.FunctionCallContent) (*tool.Result, error)

// TurnContext carries the mutable state one MiddlewareChain traversal
// shares across its hooks, for one iteration of one AgentLoop run. It
// is not safe for concurrent use by more than the single run that owns
// it, matching the single-threaded cooperative run model.
type TurnContext struct {
	Ctx context.Context
	Bus *eventbus.Bus

	Branch   *types.Branch
	State    *types.ExecutionState
	Agent    permission.AgentPermissions
	Registry *tool.Registry

	// SystemPrompt accumulates fragments contributed by middleware
	// (e.g. ContainerMiddleware's expanded systemPromptText) on top of
	// the agent's base instructions.
	SystemPrompt string

	// VisibleTools is the tool list BeforeIteration leaves for the
	// provider call to advertise. Populated by ContainerMiddleware;
	// defaults to the registry's full set if no middleware sets it.
	VisibleTools []tool.Tool

	// PendingCalls is the set of tool calls the model just returned,
	// populated by AgentLoop before running BeforeToolExecution.
	PendingCalls []*types.FunctionCallContent

	// Denied carries a rejection for a call id that BeforeToolExecution
	// decided must not run at all; AgentLoop substitutes this error as
	// the call's result instead of invoking the ExecuteFunction chain.
	Denied map[string]error

	// SyntheticResults carries a pre-computed result for a call id that
	// BeforeToolExecution decided should not actually invoke a tool
	// (container expansion); AgentLoop uses this text as the call's
	// result instead of invoking the ExecuteFunction chain.
	SyntheticResults map[string]string

	// RawError stores a tool invocation's raw (pre-sanitization) error
	// for observability, keyed by call id. Populated by
	// ErrorFormattingMiddleware. AgentLoop runs Execute for a turn's
	// pending calls concurrently, so writes go through rawErrorMu rather
	// than assuming single-threaded access like the rest of TurnContext.
	RawError   map[string]error
	rawErrorMu sync.Mutex
}

// SetRawError records a call's pre-sanitization error. Safe to call
// concurrently from multiple in-flight tool executions.
func (tc *TurnContext) SetRawError(callID string, err error) {
	tc.rawErrorMu.Lock()
	defer tc.rawErrorMu.Unlock()
	if tc.RawError == nil {
		tc.RawError = make(map[string]error)
	}
	tc.RawError[callID] = err
}

// GetRawError reads back a call's raw error, if ErrorFormattingMiddleware
// recorded one. Safe to call concurrently.
func (tc *TurnContext) GetRawError(callID string) (error, bool) {
	tc.rawErrorMu.Lock()
	defer tc.rawErrorMu.Unlock()
	err, ok := tc.RawError[callID]
	return err, ok
}

// NewTurnContext builds a TurnContext with its maps initialized.
func NewTurnContext(ctx context.Context, bus *eventbus.Bus, branch *types.Branch, state *types.ExecutionState, agent permission.AgentPermissions, registry *tool.Registry) *TurnContext {
	return &TurnContext{
		Ctx:              ctx,
		Bus:              bus,
		Branch:           branch,
		State:            state,
		Agent:            agent,
		Registry:         registry,
		Denied:           make(map[string]error),
		SyntheticResults: make(map[string]string),
		RawError:         make(map[string]error),
	}
}

// Middleware is the interface every chain link implements. Base
// supplies no-op defaults so a concrete middleware only needs to
// override the hooks it cares about.
type Middleware interface {
	Name() string
	BeforeIteration(tc *TurnContext) error
	BeforeToolExecution(tc *TurnContext) error
	ExecuteFunction(tc *TurnContext, call *types.FunctionCallContent, next ToolExecFunc) (*tool.Result, error)
	AfterIteration(tc *TurnContext) error
	AfterMessageTurn(tc *TurnContext) error
}

// Base implements Middleware with no-op hooks. Embed it and override
// only what's needed.
type Base struct {
	name string
}

// NewBase constructs a Base carrying the given middleware name, used
// in FunctionRetry/MiddlewareProgress event payloads.
func NewBase(name string) Base { return Base{name: name} }

func (b Base) Name() string { return b.name }

func (b Base) BeforeIteration(*TurnContext) error { return nil }

func (b Base) BeforeToolExecution(*TurnContext) error { return nil }

func (b Base) ExecuteFunction(tc *TurnContext, call *types.FunctionCallContent, next ToolExecFunc) (*tool.Result, error) {
	return next(tc.Ctx, call)
}

func (b Base) AfterIteration(*TurnContext) error { return nil }

func (b Base) AfterMessageTurn(*TurnContext) error { return nil }

// Chain holds middlewares in canonical registration order (outermost
// first) and drives both seams.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a Chain in the given order. Order matters: the first
// middleware's hooks run first on the way in (BeforeIteration,
// BeforeToolExecution) and its ExecuteFunction wraps every other
// middleware's, making it outermost around the tool invocation too.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{middlewares: mws}
}

// RunBeforeIteration runs every middleware's BeforeIteration hook in
// registration order, stopping at the first error.
func (c *Chain) RunBeforeIteration(tc *TurnContext) error {
	for _, mw := range c.middlewares {
		if err := mw.BeforeIteration(tc); err != nil {
			return err
		}
	}
	return nil
}

// RunBeforeToolExecution runs every middleware's BeforeToolExecution
// hook in registration order, stopping at the first error.
func (c *Chain) RunBeforeToolExecution(tc *TurnContext) error {
	for _, mw := range c.middlewares {
		if err := mw.BeforeToolExecution(tc); err != nil {
			return err
		}
	}
	return nil
}

// Execute invokes the full executeFunction onion around invoke, the
// actual tool call. The first registered middleware is outermost.
func (c *Chain) Execute(tc *TurnContext, call *types.FunctionCallContent, invoke ToolExecFunc) (*tool.Result, error) {
	next := invoke
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		innerNext := next
		next = func(ctx context.Context, call *types.FunctionCallContent) (*tool.Result, error) {
			return mw.ExecuteFunction(tc, call, innerNext)
		}
	}
	return next(tc.Ctx, call)
}

// RunAfterIteration runs every middleware's AfterIteration hook in
// registration order, stopping at the first error.
func (c *Chain) RunAfterIteration(tc *TurnContext) error {
	for _, mw := range c.middlewares {
		if err := mw.AfterIteration(tc); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterMessageTurn runs every middleware's AfterMessageTurn hook in
// registration order, stopping at the first error.
func (c *Chain) RunAfterMessageTurn(tc *TurnContext) error {
	for _, mw := range c.middlewares {
		if err := mw.AfterMessageTurn(tc); err != nil {
			return err
		}
	}
	return nil
}
