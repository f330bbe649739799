// Package storage decorates record stores with cross-cutting behavior.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/partlabs/eolwatch/internal/eol"
)

// RetryConfig tunes the retrying decorator.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	// RetryNotFound additionally retries eol.ErrNotFound on Get. The store
	// can lag reads briefly after a job is first created, so the write path
	// treats a miss as possibly transient. Read-only surfaces keep it off
	// so a genuine 404 stays fast.
	RetryNotFound bool
}

// Retrying wraps a RecordStore and retries transient failures with
// exponential backoff.
type Retrying struct {
	inner eol.RecordStore
	cfg   RetryConfig
}

// NewRetrying constructs the decorator with sane defaults.
func NewRetrying(inner eol.RecordStore, cfg RetryConfig) *Retrying {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay == 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	return &Retrying{inner: inner, cfg: cfg}
}

func (r *Retrying) opts(ctx context.Context, retryNotFound bool) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			if errors.Is(err, eol.ErrNotFound) {
				return retryNotFound
			}
			return true
		}),
	}
}

// Get retrieves key, retrying transient errors (and, if configured,
// propagation-lagged misses).
func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := retry.Do(func() error {
		var err error
		value, err = r.inner.Get(ctx, key)
		return err
	}, r.opts(ctx, r.cfg.RetryNotFound)...)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key with retries.
func (r *Retrying) Set(ctx context.Context, key string, value []byte) error {
	return retry.Do(func() error {
		return r.inner.Set(ctx, key, value)
	}, r.opts(ctx, false)...)
}

// Delete removes key with retries.
func (r *Retrying) Delete(ctx context.Context, key string) error {
	return retry.Do(func() error {
		return r.inner.Delete(ctx, key)
	}, r.opts(ctx, false)...)
}

// List enumerates keys with retries.
func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retry.Do(func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	}, r.opts(ctx, false)...)
	if err != nil {
		return nil, err
	}
	return keys, nil
}
