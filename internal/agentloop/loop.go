// Package agentloop implements AgentLoop: the per-branch agentic
// iteration state machine that drives a Provider, the
// MiddlewareChain, and the tool Registry to completion for one user
// message turn, streaming every step onto the run's EventBus.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpd-ai/agentruntime/internal/classifier"
	"github.com/hpd-ai/agentruntime/internal/clienttool"
	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/internal/middleware"
	"github.com/hpd-ai/agentruntime/internal/permission"
	"github.com/hpd-ai/agentruntime/internal/provider"
	"github.com/hpd-ai/agentruntime/internal/storage"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

const (
	// DefaultMaxIterations bounds how many model/tool round trips one
	// RunTurn performs before giving up with TerminationIterationLimit.
	DefaultMaxIterations = 50
	// DefaultMaxConsecutiveErrors bounds how many iterations in a row may
	// end in every tool call failing before RunTurn gives up with
	// TerminationConsecutiveErrors.
	DefaultMaxConsecutiveErrors = 3

	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxInterval     = 30 * time.Second
	DefaultRetryMaxElapsedTime  = 2 * time.Minute
	DefaultRetryMaxAttempts     = 3

	// DefaultContinuationTimeout bounds how long RunTurn waits for a
	// ContinuationResponse after the iteration limit is reached before
	// treating the request as denied.
	DefaultContinuationTimeout = 5 * time.Minute
)

// AgentLoop drives one branch's iteration state machine: build a
// request from the branch's history, stream the model's response onto
// the bus, dispatch any tool calls through the MiddlewareChain, and
// repeat until the model stops calling tools, an error terminates the
// run, or a configured limit is hit.
type AgentLoop struct {
	Store       storage.SessionStore
	Tools       *tool.Registry
	Chain       *middleware.Chain
	ClientTools *clienttool.Registry
	Classifier  *classifier.Classifier

	MaxIterations        int
	MaxConsecutiveErrors int

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsedTime  time.Duration
	RetryMaxAttempts     int

	ContinuationTimeout time.Duration
}

// New constructs an AgentLoop with the package's default limits and
// retry schedule; callers may override any field afterward.
func New(store storage.SessionStore, tools *tool.Registry, chain *middleware.Chain, clsfr *classifier.Classifier) *AgentLoop {
	return &AgentLoop{
		Store:                store,
		Tools:                tools,
		Chain:                chain,
		Classifier:           clsfr,
		MaxIterations:        DefaultMaxIterations,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		RetryInitialInterval: DefaultRetryInitialInterval,
		RetryMaxInterval:     DefaultRetryMaxInterval,
		RetryMaxElapsedTime:  DefaultRetryMaxElapsedTime,
		RetryMaxAttempts:     DefaultRetryMaxAttempts,
		ContinuationTimeout:  DefaultContinuationTimeout,
	}
}

// Run names the provider/model/agent a single RunTurn call is bound
// to, plus the branch it operates on.
type Run struct {
	SessionID string
	BranchID  string
	AgentName string
	Agent     permission.AgentPermissions
	Provider  provider.Provider
	Model     types.Model
	System    string // the agent's base system prompt, before middleware fragments
}

// newRetryBackoff builds the exponential-with-jitter schedule RunTurn
// uses to retry a failed provider call, mirroring the teacher's
// session loop retry policy.
func (l *AgentLoop) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.RetryInitialInterval
	b.MaxInterval = l.RetryMaxInterval
	b.MaxElapsedTime = l.RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.RetryMaxAttempts)), ctx)
}

func (l *AgentLoop) classify(err error) types.ProviderErrorDetails {
	if pe, ok := err.(*types.ProviderError); ok {
		return pe.Details
	}
	if l.Classifier != nil {
		return l.Classifier.Classify(nil, "", err)
	}
	return types.ProviderErrorDetails{Category: types.ErrorUnknown, Message: err.Error()}
}

// RunTurn appends userMessage to the branch, then drives the agentic
// loop until it terminates, persisting the branch after every
// iteration and emitting the full lifecycle onto bus.
func (l *AgentLoop) RunTurn(ctx context.Context, bus *eventbus.Bus, run Run, userMessage types.Message) error {
	branch, err := l.Store.LoadBranch(ctx, run.SessionID, run.BranchID)
	if err != nil {
		return fmt.Errorf("agentloop: load branch: %w", err)
	}

	branch.Messages = append(branch.Messages, userMessage)
	state := types.NewExecutionState()
	branch.ExecutionState = state

	bus.Emit(types.NewEvent(types.EventMessageTurnStarted, nil, &types.MessageTurnStartedData{
		SessionID: run.SessionID,
		BranchID:  run.BranchID,
		MessageID: userMessage.ID,
	}))

	reason, turnErr := l.loop(ctx, bus, run, branch, state)

	state.Terminated = true
	state.TerminationReason = reason
	branch.ExecutionState = state
	if saveErr := l.Store.SaveBranch(ctx, branch); saveErr != nil && turnErr == nil {
		turnErr = fmt.Errorf("agentloop: save branch: %w", saveErr)
	}

	if turnErr != nil {
		bus.Emit(types.NewEvent(types.EventMessageTurnError, nil, &types.MessageTurnErrorData{
			SessionID: run.SessionID,
			BranchID:  run.BranchID,
			Reason:    reason,
			Message:   turnErr.Error(),
		}))
		return turnErr
	}

	bus.Emit(types.NewEvent(types.EventMessageTurnFinished, nil, &types.MessageTurnFinishedData{
		SessionID: run.SessionID,
		BranchID:  run.BranchID,
		Reason:    reason,
	}))
	return nil
}

// loop is the iteration state machine itself: one pass through it is
// one model call plus (if the model asked for tools) one round of
// tool dispatch.
func (l *AgentLoop) loop(ctx context.Context, bus *eventbus.Bus, run Run, branch *types.Branch, state *types.ExecutionState) (types.TerminationReason, error) {
	var lastTC *middleware.TurnContext
	defer func() {
		if lastTC != nil {
			l.Chain.RunAfterMessageTurn(lastTC)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return types.TerminationCancelledByUser, ctx.Err()
		default:
		}

		if state.IterationCount >= l.MaxIterations {
			shouldContinue, err := l.requestContinuation(ctx, bus, state)
			if err != nil {
				return types.TerminationCancelledByUser, err
			}
			if !shouldContinue {
				return types.TerminationIterationLimit, nil
			}
			state.IterationCount = 0
		}
		if state.ConsecutiveErrorCount >= l.MaxConsecutiveErrors {
			return types.TerminationConsecutiveErrors, fmt.Errorf("agentloop: %d consecutive tool-execution failures", state.ConsecutiveErrorCount)
		}

		tc := middleware.NewTurnContext(ctx, bus, branch, state, run.Agent, l.Tools)
		tc.SystemPrompt = run.System
		lastTC = tc
		if err := l.Chain.RunBeforeIteration(tc); err != nil {
			return types.TerminationFatal, fmt.Errorf("agentloop: before-iteration: %w", err)
		}

		bus.Emit(types.NewEvent(types.EventAgentTurnStarted, nil, &types.AgentTurnStartedData{
			SessionID: run.SessionID,
			BranchID:  run.BranchID,
			Iteration: state.IterationCount,
		}))

		assistantMsg, finishReason, err := l.callProvider(ctx, bus, run, branch, tc)
		if err != nil {
			return types.TerminationFatal, err
		}
		branch.Messages = append(branch.Messages, assistantMsg)

		if isLengthFinish(finishReason) {
			return types.TerminationFatal, fmt.Errorf("agentloop: response truncated by finish reason %q", finishReason)
		}

		calls := types.FunctionCalls(assistantMsg.Content)
		if len(calls) == 0 {
			return types.TerminationAssistantResponded, nil
		}

		tc.PendingCalls = calls
		if err := l.Chain.RunBeforeToolExecution(tc); err != nil {
			return types.TerminationFatal, fmt.Errorf("agentloop: before-tool-execution: %w", err)
		}

		results := l.dispatchCalls(ctx, run, tc, calls)
		anyFailed := false
		for _, call := range calls {
			res := results[call.CallID]
			branch.Messages = append(branch.Messages, types.Message{
				ID:   ulid.Make().String(),
				Role: types.RoleTool,
				Content: []types.ContentItem{&types.FunctionResultContent{
					Type:    "function_result",
					CallID:  call.CallID,
					Result:  res.text,
					IsError: res.isError,
				}},
				Time: types.MessageTime{Created: time.Now().UnixMilli()},
			})
			if state.CompletedToolCallIDs == nil {
				state.CompletedToolCallIDs = make(map[string]bool)
			}
			state.CompletedToolCallIDs[call.CallID] = true
			if res.isError {
				anyFailed = true
			}

			bus.Emit(types.NewEvent(types.EventToolCallResult, nil, &types.ToolCallResultData{
				CallID:  call.CallID,
				Result:  res.text,
				IsError: res.isError,
			}))
		}

		if anyFailed && allFailed(results) {
			state.ConsecutiveErrorCount++
		} else {
			state.ConsecutiveErrorCount = 0
		}

		if err := l.Chain.RunAfterIteration(tc); err != nil {
			return types.TerminationFatal, fmt.Errorf("agentloop: after-iteration: %w", err)
		}

		bus.Emit(types.NewEvent(types.EventAgentTurnFinished, nil, &types.AgentTurnFinishedData{
			SessionID: run.SessionID,
			BranchID:  run.BranchID,
			Iteration: state.IterationCount,
		}))

		state.IterationCount++
		if err := l.Store.SaveBranch(ctx, branch); err != nil {
			return types.TerminationFatal, fmt.Errorf("agentloop: checkpoint: %w", err)
		}
		bus.Emit(types.NewEvent(types.EventCheckpoint, nil, &types.CheckpointData{
			SessionID: run.SessionID,
			BranchID:  run.BranchID,
		}))
	}
}

// requestContinuation implements the §4.8 step-7 handshake: once the
// iteration limit is reached, emit a ContinuationRequest and await the
// matching ContinuationResponse via the bus's correlation table (the
// same Emit-then-Await pattern as PermissionBroker.Ask), bounded by
// ContinuationTimeout. A malformed response, an expired timeout, or a
// closed bus are treated as denial. Only the run's own context being
// cancelled is reported back as an error, so the caller can distinguish
// "denied/timed out" (IterationLimit) from "cancelled" (CancelledByUser).
func (l *AgentLoop) requestContinuation(ctx context.Context, bus *eventbus.Bus, state *types.ExecutionState) (bool, error) {
	continuationID := ulid.Make().String()

	bus.Emit(types.NewEvent(types.EventContinuationRequest, nil, &types.ContinuationRequestData{
		ContinuationID: continuationID,
		IterationCount: state.IterationCount,
	}))

	timeout := l.ContinuationTimeout
	if timeout <= 0 {
		timeout = DefaultContinuationTimeout
	}
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := bus.Await(awaitCtx, continuationID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	resp, ok := raw.(*types.ContinuationResponseData)
	if !ok {
		return false, nil
	}
	return resp.Continue, nil
}

func allFailed(results map[string]callResult) bool {
	for _, r := range results {
		if !r.isError {
			return false
		}
	}
	return len(results) > 0
}

// isLengthFinish reports whether a provider's finish reason means the
// response was cut off before completion rather than the model
// choosing to stop.
func isLengthFinish(reason string) bool {
	switch reason {
	case "length", "max_tokens":
		return true
	default:
		return false
	}
}

// callProvider drives one model call with the teacher's retry-on-
// transient-error policy, streaming every ChatEvent onto bus as it
// arrives and folding the stream back into a single assistant Message.
func (l *AgentLoop) callProvider(ctx context.Context, bus *eventbus.Bus, run Run, branch *types.Branch, tc *middleware.TurnContext) (types.Message, string, error) {
	req := provider.ChatRequest{
		Model:           run.Model.ID,
		Messages:        branch.Messages,
		SystemPrompt:    tc.SystemPrompt,
		Tools:           visibleToolInfos(tc.VisibleTools),
		MaxOutputTokens: run.Model.MaxOutputTokens,
	}

	retryBackoff := l.newRetryBackoff(ctx)
	for {
		stream, err := run.Provider.Chat(ctx, req)
		if err == nil {
			msg, finishReason, streamErr := l.consumeStream(bus, stream)
			stream.Close()
			if streamErr == nil {
				retryBackoff.Reset()
				return msg, finishReason, nil
			}
			err = streamErr
		}

		details := l.classify(err)
		if !details.Category.Retryable() {
			return types.Message{}, "", fmt.Errorf("agentloop: provider call: %w", err)
		}
		delay := retryBackoff.NextBackOff()
		if delay == backoff.Stop {
			return types.Message{}, "", fmt.Errorf("agentloop: provider call exhausted retries: %w", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return types.Message{}, "", ctx.Err()
		}
	}
}

// consumeStream drains one ChatStream, emitting each event onto bus
// and accumulating the assistant Message it represents.
func (l *AgentLoop) consumeStream(bus *eventbus.Bus, stream provider.ChatStream) (types.Message, string, error) {
	msgID := ulid.Make().String()

	var text, reasoning string
	names := make(map[string]string)
	args := make(map[string]string)
	var order []string
	var finishReason string

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Message{}, "", err
		}

		switch e := ev.(type) {
		case provider.TextStartEvent:
			bus.Emit(types.NewEvent(types.EventTextMessageStart, nil, &types.ContentStartData{MessageID: msgID}))
		case provider.TextDeltaEvent:
			text += e.Text
			bus.Emit(types.NewEvent(types.EventTextMessageDelta, nil, &types.ContentDeltaData{MessageID: msgID, Delta: e.Text}))
		case provider.TextEndEvent:
			bus.Emit(types.NewEvent(types.EventTextMessageEnd, nil, &types.ContentEndData{MessageID: msgID, Text: e.Text}))

		case provider.ReasoningStartEvent:
			bus.Emit(types.NewEvent(types.EventReasoningMessageStart, nil, &types.ContentStartData{MessageID: msgID}))
		case provider.ReasoningDeltaEvent:
			reasoning += e.Text
			bus.Emit(types.NewEvent(types.EventReasoningMessageDelta, nil, &types.ContentDeltaData{MessageID: msgID, Delta: e.Text}))
		case provider.ReasoningEndEvent:
			bus.Emit(types.NewEvent(types.EventReasoningMessageEnd, nil, &types.ContentEndData{MessageID: msgID, Text: e.Text}))

		case provider.ToolCallStartEvent:
			names[e.CallID] = e.Name
			order = append(order, e.CallID)
			bus.Emit(types.NewEvent(types.EventToolCallStart, nil, &types.ToolCallStartData{CallID: e.CallID, Name: e.Name}))
		case provider.ToolCallArgsEvent:
			bus.Emit(types.NewEvent(types.EventToolCallArgs, nil, &types.ToolCallArgsData{CallID: e.CallID, Delta: e.Delta}))
		case provider.ToolCallEndEvent:
			args[e.CallID] = string(e.Arguments)
			bus.Emit(types.NewEvent(types.EventToolCallEnd, nil, &types.ToolCallEndData{CallID: e.CallID}))

		case provider.FinishEvent:
			finishReason = e.Reason
			if e.Err != nil {
				return types.Message{}, "", e.Err
			}
		}
	}

	var content []types.ContentItem
	if reasoning != "" {
		content = append(content, &types.ReasoningContent{Type: "reasoning", Text: reasoning})
	}
	if text != "" {
		content = append(content, &types.TextContent{Type: "text", Text: text})
	}
	for _, callID := range order {
		content = append(content, &types.FunctionCallContent{
			Type:      "function_call",
			CallID:    callID,
			Name:      names[callID],
			Arguments: json.RawMessage(args[callID]),
		})
	}

	msg := types.Message{
		ID:      msgID,
		Role:    types.RoleAssistant,
		Content: content,
		Time:    types.MessageTime{Created: time.Now().UnixMilli()},
	}
	return msg, finishReason, nil
}

func visibleToolInfos(tools []tool.Tool) []provider.ToolInfo {
	infos := make([]provider.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, provider.ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return infos
}

// callResult is one tool call's outcome, folded into a tool-role
// FunctionResultContent.
type callResult struct {
	text    string
	isError bool
}

// dispatchCalls runs every pending call concurrently, mirroring the
// batch tool's errgroup + mutex + index-preserving pattern, honoring
// denials and synthetic (container-expansion) results recorded on tc
// by BeforeToolExecution before invoking the MiddlewareChain's
// ExecuteFunction onion for anything that actually needs to run.
func (l *AgentLoop) dispatchCalls(ctx context.Context, run Run, tc *middleware.TurnContext, calls []*types.FunctionCallContent) map[string]callResult {
	results := make(map[string]callResult, len(calls))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, call := range calls {
		call := call
		g.Go(func() error {
			res := l.executeOneCall(gctx, run, tc, call)
			mu.Lock()
			results[call.CallID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *AgentLoop) executeOneCall(ctx context.Context, run Run, tc *middleware.TurnContext, call *types.FunctionCallContent) callResult {
	if err, denied := tc.Denied[call.CallID]; denied {
		res := middleware.DeniedResult(call, err)
		return callResult{text: res.Output, isError: true}
	}
	if synth, ok := tc.SyntheticResults[call.CallID]; ok {
		return callResult{text: synth, isError: false}
	}

	result, err := l.Chain.Execute(tc, call, func(ctx context.Context, call *types.FunctionCallContent) (*tool.Result, error) {
		return l.invoke(ctx, run, tc, call)
	})
	if err != nil {
		return callResult{text: err.Error(), isError: true}
	}
	if result.Error != nil {
		return callResult{text: result.Output, isError: true}
	}
	return callResult{text: result.Output, isError: false}
}

// invoke is the innermost ToolExecFunc: the actual tool or client-tool
// call, once every middleware ahead of it in the chain has run.
func (l *AgentLoop) invoke(ctx context.Context, run Run, tc *middleware.TurnContext, call *types.FunctionCallContent) (*tool.Result, error) {
	if clienttool.IsClientTool(call.Name) {
		if l.ClientTools == nil {
			return nil, fmt.Errorf("agentloop: client tool %q invoked but no client-tool registry configured", call.Name)
		}
		resp, err := clienttool.Invoke(ctx, tc.Bus, ulid.Make().String(), call.Name, call.CallID, call.Arguments)
		if err != nil {
			return &tool.Result{Title: call.Name, Error: err}, nil
		}
		if resp.Augmentation != nil {
			applyAugmentation(tc, resp.Augmentation)
		}
		return &tool.Result{Title: call.Name, Output: types.TextOf(resp.Content)}, nil
	}

	t, ok := tc.Registry.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("agentloop: unknown tool %q", call.Name)
	}

	toolCtx := &tool.Context{
		SessionID: tc.Branch.SessionID,
		CallID:    call.CallID,
		Agent:     run.AgentName,
	}
	return t.Execute(ctx, call.Arguments, toolCtx)
}

// applyAugmentation folds a client tool's reported tool-visibility
// changes into the run's ExecutionState for subsequent iterations.
func applyAugmentation(tc *middleware.TurnContext, aug *types.Augmentation) {
	if tc.State.ExpandedContainers == nil {
		tc.State.ExpandedContainers = make(map[string]bool)
	}
	for _, name := range aug.ExpandContainers {
		tc.State.ExpandedContainers[name] = true
	}
	for _, name := range aug.CollapseContainers {
		delete(tc.State.ExpandedContainers, name)
	}
}
