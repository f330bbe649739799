// Package analysis produces the lifecycle verdict for a job by sending its
// scraped evidence to an OpenAI-compatible chat completion provider.
package analysis

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/partlabs/eolwatch/internal/eol"
)

// Provider rate-limit headers, Groq-compatible.
const (
	headerRemainingTokens = "x-ratelimit-remaining-tokens"
	headerLimitTokens     = "x-ratelimit-limit-tokens"
	headerResetTokens     = "x-ratelimit-reset-tokens"
)

var retryAfterPattern = regexp.MustCompile(`try again in ([0-9]+(?:\.[0-9]+)?(?:ms|h|m|s)(?:[0-9]+(?:\.[0-9]+)?(?:ms|h|m|s))*)`)

// ParseResetDuration parses a reset header value like "7.66s" or "1m30s".
// Bare numbers are read as seconds. Unparseable values yield zero.
func ParseResetDuration(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// ParseRetryDuration extracts the "try again in ..." duration embedded in a
// provider throttle message. Returns zero when the message carries none.
func ParseRetryDuration(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	d, err := time.ParseDuration(m[1])
	if err != nil {
		return 0
	}
	return d
}

// QuotaFromHeaders reads the token-quota headers off a provider response.
func QuotaFromHeaders(h http.Header) eol.QuotaSnapshot {
	remaining, _ := strconv.Atoi(strings.TrimSpace(h.Get(headerRemainingTokens)))
	limit, _ := strconv.Atoi(strings.TrimSpace(h.Get(headerLimitTokens)))
	return eol.QuotaSnapshot{
		Remaining:    remaining,
		Limit:        limit,
		ResetSeconds: ParseResetDuration(h.Get(headerResetTokens)).Seconds(),
	}
}

// ClassifyRateLimit turns a 429 message into a RateLimitError. Daily-quota
// exhaustion is recognized by the provider's wording and must not be
// retried within the process; everything else carries the parsed reset.
func ClassifyRateLimit(message string) *eol.RateLimitError {
	lower := strings.ToLower(message)
	perDay := strings.Contains(lower, "per day") || strings.Contains(message, "TPD") || strings.Contains(message, "RPD")
	return &eol.RateLimitError{
		PerDay:     perDay,
		ResetAfter: ParseRetryDuration(message),
		Message:    message,
	}
}
