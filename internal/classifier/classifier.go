// Package classifier implements ProviderErrorClassifier: turning a raw
// provider HTTP response/exception into the runtime's internal error
// taxonomy, and computing retry delays from the result.
package classifier

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// HeaderParser extracts a provider's rate-limit hints from its
// response headers. Each provider adapter supplies its own.
type HeaderParser func(http.Header) RateLimitInfo

// RateLimitInfo is what a provider's response headers reveal about
// its current rate-limit window.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetUnix  int64
}

// Classifier classifies provider errors into types.ProviderErrorDetails
// and computes retry delays for RetryMiddleware.
type Classifier struct {
	// ContextWindowMarkers are substrings that, when found in a 400
	// response's message, indicate the failure is a context-length
	// overflow rather than a generic client error.
	ContextWindowMarkers []string
	// QuotaMarkers are substrings that, when found in a 429 response's
	// message, indicate the quota is exhausted for the billing period
	// (terminal) rather than a transient rate window (retryable).
	QuotaMarkers []string
	// ParseHeaders extracts rate-limit hints from response headers. May
	// be nil, in which case Classify never populates RetryAfter from
	// headers.
	ParseHeaders HeaderParser
}

// New constructs a Classifier with the generic context-window and
// quota markers shared across providers; callers may override either
// field afterward for provider-specific wording.
func New(parseHeaders HeaderParser) *Classifier {
	return &Classifier{
		ContextWindowMarkers: []string{
			"context length", "context_length", "maximum context", "too many tokens",
			"context window", "context_window",
		},
		QuotaMarkers: []string{"insufficient_quota", "insufficient quota"},
		ParseHeaders: parseHeaders,
	}
}

// Classify builds ProviderErrorDetails from an HTTP response and/or a
// transport-level error. resp may be nil when err is a connection
// failure that never produced a response (e.g. connection reset,
// timeout).
func (c *Classifier) Classify(resp *http.Response, body string, err error) types.ProviderErrorDetails {
	if resp == nil {
		return c.classifyTransportError(err)
	}

	details := types.ProviderErrorDetails{
		StatusCode: resp.StatusCode,
		Message:    body,
		RequestID:  resp.Header.Get("x-request-id"),
	}

	if c.ParseHeaders != nil {
		info := c.ParseHeaders(resp.Header)
		if info.RetryAfter > 0 {
			ms := info.RetryAfter.Milliseconds()
			details.RetryAfter = &ms
		}
	}

	details.Category = c.categorize(resp.StatusCode, body)
	return details
}

func (c *Classifier) classifyTransportError(err error) types.ProviderErrorDetails {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	category := types.ErrorUnknown
	if err != nil && (errors.Is(err, http.ErrHandlerTimeout) || isConnectionReset(err)) {
		category = types.ErrorTransient
	}
	return types.ProviderErrorDetails{Category: category, Message: msg}
}

func isConnectionReset(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "connection reset") ||
		strings.Contains(strings.ToLower(err.Error()), "econnreset")
}

func (c *Classifier) categorize(status int, message string) types.ErrorCategory {
	lower := strings.ToLower(message)

	switch status {
	case 400:
		if containsAny(lower, c.ContextWindowMarkers) {
			return types.ErrorContextWindow
		}
		return types.ErrorClientError
	case 401, 403:
		return types.ErrorAuthError
	case 404:
		return types.ErrorClientError
	case 408, 503, 504:
		return types.ErrorTransient
	case 429:
		if containsAny(lower, c.QuotaMarkers) {
			return types.ErrorRateLimitTerminal
		}
		return types.ErrorRateLimitRetryable
	}

	if status >= 500 {
		return types.ErrorServerError
	}
	if status >= 400 {
		return types.ErrorClientError
	}
	return types.ErrorUnknown
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// GetRetryDelay computes the delay before the next attempt, or reports
// the error is not retryable. attempt is 1-indexed (the attempt about
// to be made). The exponential schedule is produced by
// cenkalti/backoff's ExponentialBackOff, configured with a ±10%
// randomization factor per the jitter requirement.
func (c *Classifier) GetRetryDelay(details types.ProviderErrorDetails, attempt int, initialDelay, maxDelay time.Duration, multiplier float64) (time.Duration, bool) {
	if !details.Category.Retryable() {
		return 0, false
	}

	if details.RetryAfter != nil {
		return time.Duration(*details.RetryAfter) * time.Millisecond, true
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.MaxInterval = maxDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = maxDelay
	}
	return delay, true
}
