// Package cleanup removes aged terminal jobs from the record store.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/jobs"
)

// Sweeper deletes terminal jobs older than the retention window. Active
// jobs are never touched, whatever their age; a stuck job is an operator
// problem, not garbage.
type Sweeper struct {
	store     eol.RecordStore
	clock     eol.Clock
	retention time.Duration
	logger    *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store eol.RecordStore, clock eol.Clock, retention time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		clock:     clock,
		retention: retention,
		logger:    logger.Named("cleanup"),
	}
}

// Sweep scans all job records once and deletes the expired ones. Per-key
// failures are logged and skipped so one bad record cannot stall the
// sweep; only a failed listing aborts. Returns the number deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.store.List(ctx, jobs.KeyPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.retention)
	deleted := 0
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, eol.ErrNotFound) {
				// Raced with another deleter; already gone.
				continue
			}
			s.logger.Warn("sweep read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		var job eol.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			s.logger.Warn("sweep decode failed, skipping record", zap.String("key", key), zap.Error(err))
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		completedAt := job.CompletedAt
		if completedAt == nil {
			// Terminal without a completion stamp should not happen;
			// fall back to the creation time so it still ages out.
			completedAt = &job.CreatedAt
		}
		if completedAt.After(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("sweep delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("sweep complete",
			zap.Int("deleted", deleted),
			zap.Int("scanned", len(keys)),
		)
	}
	return deleted, nil
}
