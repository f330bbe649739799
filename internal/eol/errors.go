package eol

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by record stores for missing keys. Immediately
// after job creation it can also mean propagation lag, so callers treat it
// as retryable for a short window.
var ErrNotFound = errors.New("record not found")

// ErrCatalogEmpty is returned when the catalog has no items to check.
var ErrCatalogEmpty = errors.New("catalog empty")

// StatusError carries a non-2xx response from the external scraper.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scraper returned status %d", e.StatusCode)
}

// Restarting reports whether the status indicates the scraper worker is
// restarting. Restarts take longer than normal backoff, so the dispatcher
// switches to a fixed longer tier when it sees this.
func (e *StatusError) Restarting() bool {
	return e.StatusCode == 503
}

// RateLimitError classifies provider throttling. PerDay means the daily
// quota is exhausted and the call must not be retried; otherwise ResetAfter
// says how long to wait before the per-window limit clears.
type RateLimitError struct {
	PerDay     bool
	ResetAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.PerDay {
		return fmt.Sprintf("daily quota exhausted: %s", e.Message)
	}
	return fmt.Sprintf("rate limited, reset in %s: %s", e.ResetAfter, e.Message)
}

// ValidationError marks an analysis response that could not be parsed into
// a usable verdict even after fallback extraction.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("analysis response invalid: %s", e.Reason)
}

// IsDailyQuota reports whether err is a per-day quota exhaustion.
func IsDailyQuota(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl) && rl.PerDay
}

// IsRateLimited reports whether err is any provider throttle.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
