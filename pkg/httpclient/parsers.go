package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders extracts rate limit info from Anthropic API
// response headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter: retryAfterSeconds(headers),
	}

	// Reset timestamps are RFC3339; the earliest one present wins.
	for _, header := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
				info.ResetTime = resetTime.Unix()
				break
			}
		}
	}

	info.RequestsRemaining = headerInt(headers, "anthropic-ratelimit-requests-remaining")
	info.InputTokensRemaining = headerInt(headers, "anthropic-ratelimit-input-tokens-remaining")
	info.OutputTokensRemaining = headerInt(headers, "anthropic-ratelimit-output-tokens-remaining")

	return info
}

// ParseOpenAIHeaders extracts rate limit info from OpenAI-compatible API
// response headers.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter: retryAfterSeconds(headers),
	}

	for _, header := range []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	} {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
				info.ResetTime = resetTime
				break
			}
		}
	}

	info.RequestsRemaining = headerInt(headers, "x-ratelimit-remaining-requests")
	info.TokensRemaining = headerInt(headers, "x-ratelimit-remaining-tokens")

	return info
}

// ParseWatsonxHeaders extracts rate limit info from watsonx.ai response
// headers. The service only speaks Retry-After.
func ParseWatsonxHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{
		RetryAfter: retryAfterSeconds(headers),
	}
}

func retryAfterSeconds(headers http.Header) time.Duration {
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func headerInt(headers http.Header, key string) int {
	if v := headers.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
