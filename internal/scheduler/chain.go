package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/metrics"
)

// CheckRunner starts one end-to-end check. Satisfied by the pipeline.
type CheckRunner interface {
	StartCheck(ctx context.Context, subject eol.Subject) (eol.Job, error)
}

// JobReader reads back job records while the chain waits on one.
type JobReader interface {
	Get(ctx context.Context, jobID string) (eol.Job, error)
}

// ChainConfig tunes the tick loop.
type ChainConfig struct {
	// DailyCap is the maximum number of checks started per reference day.
	DailyCap int
	// PollInterval is how often a running job is re-read.
	PollInterval time.Duration
	// PollBudget bounds how long one tick waits for its job before
	// giving up on it.
	PollBudget time.Duration
	// MidPollHealthInterval is how often the scraper is probed while a
	// job is in flight; a dead scraper means the job cannot finish.
	MidPollHealthInterval time.Duration
	// MinStartInterval paces successive check starts.
	MinStartInterval time.Duration
}

// Chain executes auto-check ticks. One tick runs at most one catalog
// check to completion, then enqueues the next tick, so the chain survives
// any single invocation dying: the next cron wake re-seeds it.
type Chain struct {
	states  *StateStore
	catalog eol.Catalog
	runner  CheckRunner
	reader  JobReader
	scraper eol.Scraper
	queue   eol.TriggerQueue
	clock   eol.Clock
	loc     *time.Location
	cfg     ChainConfig
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// NewChain constructs a Chain.
func NewChain(states *StateStore, catalog eol.Catalog, runner CheckRunner, reader JobReader, scraper eol.Scraper, queue eol.TriggerQueue, clock eol.Clock, loc *time.Location, cfg ChainConfig, logger *zap.Logger) *Chain {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 3 * time.Minute
	}
	if cfg.MidPollHealthInterval <= 0 {
		cfg.MidPollHealthInterval = 30 * time.Second
	}
	if cfg.MinStartInterval <= 0 {
		cfg.MinStartInterval = 10 * time.Second
	}
	metrics.Init()
	return &Chain{
		states:  states,
		catalog: catalog,
		runner:  runner,
		reader:  reader,
		scraper: scraper,
		queue:   queue,
		clock:   clock,
		loc:     loc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinStartInterval), 1),
		sleep:   sleepContext,
		logger:  logger.Named("scheduler"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one step of the chain: reset the counter on a day boundary,
// check the gates, run exactly one catalog check, then enqueue the next
// tick if the gates still hold. Every early return leaves the persisted
// state consistent; the daily cron wake restarts a chain that stopped.
func (c *Chain) Tick(ctx context.Context) error {
	now := c.clock.Now()
	state, err := c.states.Load(ctx)
	if err != nil {
		return err
	}
	if ResetIfNewDay(&state, now, c.loc) {
		c.logger.Info("daily counter reset", zap.String("date", state.LastResetDate))
		if err := c.states.Save(ctx, state); err != nil {
			return err
		}
	}
	if !state.Enabled {
		c.logger.Debug("autocheck disabled, tick ends")
		return nil
	}
	if state.IsRunning && now.Sub(state.LastActivityTime) < c.cfg.PollBudget {
		c.logger.Info("another tick is running, dropping this one",
			zap.Time("last_activity", state.LastActivityTime))
		return nil
	}
	if state.DailyCounter >= c.cfg.DailyCap {
		c.logger.Info("daily cap reached, chain stops until next reset",
			zap.Int("counter", state.DailyCounter),
			zap.Int("cap", c.cfg.DailyCap),
		)
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	// The scraper is the slowest dependency to come back after a deploy;
	// probe it before committing a catalog slot to this tick.
	if err := c.scraper.Health(ctx); err != nil {
		c.logger.Warn("scraper unhealthy, skipping tick", zap.Error(err))
		return nil
	}

	item, err := c.catalog.NextItem(ctx)
	if err != nil {
		if errors.Is(err, eol.ErrCatalogEmpty) {
			c.logger.Info("catalog empty, chain stops")
			return nil
		}
		return err
	}

	state.IsRunning = true
	state.LastActivityTime = now
	if err := c.states.Save(ctx, state); err != nil {
		return err
	}

	job, dailyLimitHit := c.runOne(ctx, item)

	// The counter counts started checks, not successful ones; a failed
	// check consumed search and scraper budget all the same.
	state, err = c.states.Load(ctx)
	if err != nil {
		c.clearRunning(ctx)
		return err
	}
	state.DailyCounter++
	state.IsRunning = false
	state.LastActivityTime = c.clock.Now()
	if err := c.states.Save(ctx, state); err != nil {
		return err
	}

	verdict := eol.VerdictUnknown
	if job.FinalResult != nil {
		verdict = job.FinalResult.Status
	}
	metrics.ObserveAutoCheck(string(verdict))
	if err := c.catalog.MarkChecked(ctx, item.ID, c.clock.Now(), verdict); err != nil {
		c.logger.Warn("mark checked failed", zap.String("part_id", item.ID), zap.Error(err))
	}

	if dailyLimitHit {
		c.logger.Warn("provider daily quota exhausted, chain stops until next reset",
			zap.String("part_id", item.ID))
		return nil
	}
	if !state.Enabled || state.DailyCounter >= c.cfg.DailyCap {
		return nil
	}
	return c.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick})
}

// runOne starts a check for the item and waits for its job to reach a
// terminal state within the poll budget. Returns the last job snapshot
// and whether the provider's daily quota ended it.
func (c *Chain) runOne(ctx context.Context, item eol.CatalogItem) (eol.Job, bool) {
	job, err := c.runner.StartCheck(ctx, item.Subject)
	if err != nil {
		c.logger.Error("check start failed",
			zap.String("part_id", item.ID),
			zap.Error(err),
		)
		return eol.Job{}, false
	}

	deadline := c.clock.Now().Add(c.cfg.PollBudget)
	lastHealth := c.clock.Now()
	for !job.Status.Terminal() {
		if c.clock.Now().After(deadline) {
			c.logger.Warn("poll budget exhausted, abandoning wait",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
			)
			return job, false
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return job, false
		}
		if c.clock.Now().Sub(lastHealth) >= c.cfg.MidPollHealthInterval {
			lastHealth = c.clock.Now()
			if err := c.scraper.Health(ctx); err != nil {
				c.logger.Warn("scraper went unhealthy mid-job, abandoning wait",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
				return job, false
			}
		}
		refreshed, err := c.reader.Get(ctx, job.ID)
		if err != nil {
			c.logger.Warn("job poll failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		job = refreshed
		c.touchActivity(ctx)
	}
	return job, job.IsDailyLimit
}

// touchActivity refreshes the staleness marker so overlapping ticks keep
// treating this one as live.
func (c *Chain) touchActivity(ctx context.Context) {
	state, err := c.states.Load(ctx)
	if err != nil {
		return
	}
	state.LastActivityTime = c.clock.Now()
	_ = c.states.Save(ctx, state)
}

// clearRunning is the best-effort unlock on error paths.
func (c *Chain) clearRunning(ctx context.Context) {
	state, err := c.states.Load(ctx)
	if err != nil {
		return
	}
	state.IsRunning = false
	_ = c.states.Save(ctx, state)
}

// Enable turns the chain on and seeds it with a tick.
func (c *Chain) Enable(ctx context.Context) error {
	state, err := c.states.Load(ctx)
	if err != nil {
		return err
	}
	state.Enabled = true
	if err := c.states.Save(ctx, state); err != nil {
		return err
	}
	c.logger.Info("autocheck enabled")
	return c.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick})
}

// Disable turns the chain off. The in-flight tick, if any, finishes its
// current job and then stops on the flag.
func (c *Chain) Disable(ctx context.Context) error {
	state, err := c.states.Load(ctx)
	if err != nil {
		return err
	}
	state.Enabled = false
	if err := c.states.Save(ctx, state); err != nil {
		return err
	}
	c.logger.Info("autocheck disabled")
	return nil
}

// State returns the current persisted scheduler state.
func (c *Chain) State(ctx context.Context) (eol.AutoCheckState, error) {
	return c.states.Load(ctx)
}
