package classifier

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

func resp(status int) *http.Response {
	return &http.Response{StatusCode: status, Header: http.Header{}}
}

func TestClassify_StatusTable(t *testing.T) {
	c := New(ParseAnthropicHeaders)

	cases := []struct {
		name    string
		status  int
		message string
		want    types.ErrorCategory
	}{
		{"bad request", 400, "missing field", types.ErrorClientError},
		{"context window", 400, "request exceeds the maximum context length of 200000 tokens", types.ErrorContextWindow},
		{"unauthorized", 401, "", types.ErrorAuthError},
		{"forbidden", 403, "", types.ErrorAuthError},
		{"not found", 404, "", types.ErrorClientError},
		{"request timeout", 408, "", types.ErrorTransient},
		{"service unavailable", 503, "", types.ErrorTransient},
		{"gateway timeout", 504, "", types.ErrorTransient},
		{"rate limited", 429, "too many requests", types.ErrorRateLimitRetryable},
		{"quota exhausted", 429, "insufficient_quota", types.ErrorRateLimitTerminal},
		{"server error", 500, "", types.ErrorServerError},
		{"bad gateway", 502, "", types.ErrorServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			details := c.Classify(resp(tc.status), tc.message, nil)
			assert.Equal(t, tc.want, details.Category)
			assert.Equal(t, tc.status, details.StatusCode)
		})
	}
}

func TestClassify_RetryAfterHeaderPopulatesDetails(t *testing.T) {
	c := New(ParseAnthropicHeaders)
	r := resp(429)
	r.Header.Set("retry-after", "30")

	details := c.Classify(r, "rate limited", nil)
	require.NotNil(t, details.RetryAfter)
	assert.Equal(t, int64(30*time.Second/time.Millisecond), *details.RetryAfter)
}

func TestGetRetryDelay_NonRetryableCategories(t *testing.T) {
	c := New(nil)
	nonRetryable := []types.ErrorCategory{
		types.ErrorClientError, types.ErrorAuthError, types.ErrorContextWindow, types.ErrorRateLimitTerminal,
	}
	for _, cat := range nonRetryable {
		_, ok := c.GetRetryDelay(types.ProviderErrorDetails{Category: cat}, 1, time.Second, 30*time.Second, 2.0)
		assert.False(t, ok, "category %s should not be retryable", cat)
	}
}

func TestGetRetryDelay_HonorsRetryAfterVerbatim(t *testing.T) {
	c := New(nil)
	ms := int64(5000)
	delay, ok := c.GetRetryDelay(types.ProviderErrorDetails{Category: types.ErrorRateLimitRetryable, RetryAfter: &ms}, 1, time.Second, 30*time.Second, 2.0)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)
}

func TestGetRetryDelay_ExponentialBackoffWithinJitterBand(t *testing.T) {
	c := New(nil)
	details := types.ProviderErrorDetails{Category: types.ErrorTransient}

	for attempt := 1; attempt <= 4; attempt++ {
		delay, ok := c.GetRetryDelay(details, attempt, time.Second, 30*time.Second, 2.0)
		require.True(t, ok)

		base := time.Second
		for i := 1; i < attempt; i++ {
			base *= 2
		}
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		lower := time.Duration(float64(base) * 0.9)
		upper := time.Duration(float64(base) * 1.1)
		assert.GreaterOrEqual(t, delay, lower)
		assert.LessOrEqual(t, delay, upper)
	}
}

func TestGetRetryDelay_CapsAtMaxDelay(t *testing.T) {
	c := New(nil)
	delay, ok := c.GetRetryDelay(types.ProviderErrorDetails{Category: types.ErrorServerError}, 10, time.Second, 5*time.Second, 2.0)
	require.True(t, ok)
	assert.LessOrEqual(t, delay, time.Duration(float64(5*time.Second)*1.1))
}
