package middleware

import (
	"time"

	"github.com/hpd-ai/agentruntime/internal/classifier"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// RetryMiddleware wraps ExecuteFunction, classifying the failure of
// each attempt and re-invoking next with a backoff delay while the
// category remains retryable and under cap. It is the outermost
// middleware in the canonical chain so retries re-run everything
// inside it (timeout, error formatting, permission, container
// expansion, history reduction) on every attempt.
type RetryMiddleware struct {
	Base

	Classifier *classifier.Classifier

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries bounds total retries across any category; a call never
	// performs more than MaxRetries+1 attempts.
	MaxRetries int

	// PerCategoryCaps optionally tightens MaxRetries for specific
	// categories (e.g. fewer retries for RateLimitRetryable than for
	// Transient). Absent entries fall back to MaxRetries.
	PerCategoryCaps map[types.ErrorCategory]int
}

// NewRetryMiddleware constructs a RetryMiddleware with the given
// classifier and backoff parameters.
func NewRetryMiddleware(c *classifier.Classifier, initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int) *RetryMiddleware {
	return &RetryMiddleware{
		Base:         NewBase("retry"),
		Classifier:   c,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
	}
}

func (m *RetryMiddleware) ExecuteFunction(tc *TurnContext, call *types.FunctionCallContent, next ToolExecFunc) (*tool.Result, error) {
	cap := m.MaxRetries
	attempt := 0

	for {
		attempt++
		result, err := next(tc.Ctx, call)
		if err == nil {
			return result, nil
		}
		if tc.Ctx.Err() != nil {
			return nil, err
		}

		details := m.classify(err)
		if c, ok := m.PerCategoryCaps[details.Category]; ok && c < cap {
			cap = c
		}
		if !details.Category.Retryable() || attempt > cap {
			return nil, err
		}

		delay, ok := m.Classifier.GetRetryDelay(details, attempt, m.InitialDelay, m.MaxDelay, m.Multiplier)
		if !ok {
			return nil, err
		}

		if tc.Bus != nil {
			tc.Bus.Emit(types.NewEvent(types.EventFunctionRetry, nil, &types.FunctionRetryData{
				CallID:  call.CallID,
				Attempt: attempt,
				Delay:   delay.Milliseconds(),
				Reason:  string(details.Category),
			}))
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-tc.Ctx.Done():
			timer.Stop()
			return nil, tc.Ctx.Err()
		}
	}
}

// classify turns a tool execution error into ProviderErrorDetails. A
// *types.ProviderError already carries its classification; anything
// else is run through the classifier's transport-error path (no HTTP
// response available from a tool invocation).
func (m *RetryMiddleware) classify(err error) types.ProviderErrorDetails {
	if pe, ok := err.(*types.ProviderError); ok {
		return pe.Details
	}
	return m.Classifier.Classify(nil, "", err)
}
