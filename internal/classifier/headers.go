package classifier

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders extracts retry hints from an Anthropic API
// response's rate-limit headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	var info RateLimitInfo
	if v := headers.Get("retry-after"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	for _, header := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if v := headers.Get(header); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetUnix = t.Unix()
				break
			}
		}
	}
	return info
}

// ParseOpenAIHeaders extracts retry hints from an OpenAI-compatible
// API response's rate-limit headers.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	var info RateLimitInfo
	if v := headers.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	for _, header := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if v := headers.Get(header); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetUnix = reset
				break
			}
		}
	}
	return info
}
