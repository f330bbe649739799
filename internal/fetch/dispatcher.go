package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/jobs"
	"github.com/partlabs/eolwatch/internal/metrics"
)

// DispatcherConfig tunes acknowledgement and retry behavior.
type DispatcherConfig struct {
	// CallbackBaseURL is this service's externally reachable base URL.
	CallbackBaseURL string
	// AcceptTimeout bounds how long we wait for the worker to acknowledge
	// a dispatch before assuming it was accepted anyway.
	AcceptTimeout time.Duration
	// MaxRetries is the number of re-dispatches after the first attempt.
	MaxRetries int
	// BackoffBase seeds the exponential retry delay.
	BackoffBase time.Duration
	// RestartBackoff overrides the delay schedule when the worker reports
	// it is restarting (503). The last entry repeats.
	RestartBackoff []time.Duration
}

// Dispatcher hands one UrlTask at a time to the external scraper worker.
// A task whose retries are exhausted is completed with placeholder content
// so the job never stalls on a single bad URL.
type Dispatcher struct {
	controller *jobs.Controller
	scraper    eol.Scraper
	queue      eol.TriggerQueue
	cfg        DispatcherConfig
	logger     *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(controller *jobs.Controller, scraper eol.Scraper, queue eol.TriggerQueue, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if len(cfg.RestartBackoff) == 0 {
		cfg.RestartBackoff = []time.Duration{15 * time.Second, 30 * time.Second}
	}
	metrics.Init()
	return &Dispatcher{
		controller: controller,
		scraper:    scraper,
		queue:      queue,
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
	}
}

// DispatchTask marks the task fetching and posts it to the worker. The
// worker is given AcceptTimeout to acknowledge; hitting that deadline is
// treated as accepted, because slow workers often process the request
// anyway and the callback path is idempotent either way.
func (d *Dispatcher) DispatchTask(ctx context.Context, jobID string, index int) error {
	job, err := d.controller.MarkTaskFetching(ctx, jobID, index)
	if err != nil {
		return err
	}
	task := job.URLs[index]

	req := eol.ScrapeRequest{
		URL:         task.URL,
		CallbackURL: d.cfg.CallbackBaseURL + "/v1/callbacks/scrape",
		JobID:       jobID,
		URLIndex:    index,
		Strategy:    task.Strategy,
		Params:      task.Params,
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		err := d.dispatchOnce(ctx, req)
		if err == nil {
			metrics.ObserveDispatch(string(task.Strategy), "accepted")
			d.logger.Info("dispatch accepted",
				zap.String("job_id", jobID),
				zap.Int("url_index", index),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// No acknowledgement within the race window. The worker may
			// still deliver a callback, so count this as accepted.
			metrics.ObserveDispatch(string(task.Strategy), "assumed_accepted")
			d.logger.Warn("dispatch acknowledgement timed out, assuming accepted",
				zap.String("job_id", jobID),
				zap.Int("url_index", index),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if attempt == d.cfg.MaxRetries {
			break
		}
		delay := d.retryDelay(err, attempt)
		d.logger.Warn("dispatch failed, retrying",
			zap.String("job_id", jobID),
			zap.Int("url_index", index),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return d.completeAsFailed(ctx, jobID, index, task, lastErr)
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, req eol.ScrapeRequest) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AcceptTimeout)
	defer cancel()
	return d.scraper.Dispatch(ctx, req)
}

func (d *Dispatcher) retryDelay(err error, attempt int) time.Duration {
	var statusErr *eol.StatusError
	if errors.As(err, &statusErr) && statusErr.Restarting() {
		if attempt >= len(d.cfg.RestartBackoff) {
			return d.cfg.RestartBackoff[len(d.cfg.RestartBackoff)-1]
		}
		return d.cfg.RestartBackoff[attempt]
	}
	return d.cfg.BackoffBase * (1 << attempt)
}

// completeAsFailed records a placeholder result for the task and keeps the
// pipeline moving, either to the next pending URL or to analysis.
func (d *Dispatcher) completeAsFailed(ctx context.Context, jobID string, index int, task eol.UrlTask, cause error) error {
	metrics.ObserveDispatch(string(task.Strategy), "exhausted")
	d.logger.Error("dispatch retries exhausted, completing task with placeholder",
		zap.String("job_id", jobID),
		zap.Int("url_index", index),
		zap.String("url", task.URL),
		zap.Error(cause),
	)
	placeholder := eol.ScrapedResult{
		Content:   fmt.Sprintf("[scrape unavailable] dispatch failed: %v", cause),
		SourceURL: task.URL,
		FetchedAt: time.Now().UTC(),
	}
	job, allDone, err := d.controller.SaveURLResult(ctx, jobID, index, placeholder)
	if err != nil {
		return fmt.Errorf("save placeholder result for job %s url %d: %w", jobID, index, err)
	}
	if allDone {
		if job.Status == eol.JobStatusAnalyzing || job.Status == eol.JobStatusComplete {
			return nil
		}
		return d.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerAnalyze, JobID: jobID})
	}
	if next, ok := job.NextPendingTask(); ok {
		return d.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerDispatch, JobID: jobID, URLIndex: next.Index})
	}
	return nil
}
