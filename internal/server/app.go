// Package server assembles the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/analysis"
	"github.com/partlabs/eolwatch/internal/api"
	"github.com/partlabs/eolwatch/internal/archive"
	"github.com/partlabs/eolwatch/internal/catalog"
	"github.com/partlabs/eolwatch/internal/cleanup"
	"github.com/partlabs/eolwatch/internal/clock/system"
	"github.com/partlabs/eolwatch/internal/config"
	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/fetch"
	"github.com/partlabs/eolwatch/internal/id/uuid"
	"github.com/partlabs/eolwatch/internal/jobs"
	"github.com/partlabs/eolwatch/internal/logging"
	"github.com/partlabs/eolwatch/internal/metrics"
	"github.com/partlabs/eolwatch/internal/pipeline"
	"github.com/partlabs/eolwatch/internal/scheduler"
	"github.com/partlabs/eolwatch/internal/search"
	"github.com/partlabs/eolwatch/internal/storage"
	"github.com/partlabs/eolwatch/internal/storage/badgerstore"
	"github.com/partlabs/eolwatch/internal/storage/memory"
	"github.com/partlabs/eolwatch/internal/storage/postgres"
	"github.com/partlabs/eolwatch/internal/trigger"
)

// App holds the fully wired service and the handles needed to run and
// shut it down.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	runner    *trigger.Runner
	queue     eol.TriggerQueue
	sweeper   *cleanup.Sweeper
	cron      *cron.Cron

	// closers run in reverse order on Close.
	closers []func() error
}

// Build constructs the full dependency graph from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}

	store, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := app.setupQueue(ctx)
	if err != nil {
		return nil, err
	}
	app.queue = queue
	evidence, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	clk := system.New()
	controller := jobs.NewController(store, clk, uuid.NewGenerator(), logger)
	scraper := fetch.NewScraperClient(fetch.ScraperClientConfig{
		BaseURL:       cfg.Scraper.BaseURL,
		HealthTimeout: time.Duration(cfg.Scraper.HealthTimeoutSeconds) * time.Second,
	})
	dispatcher := fetch.NewDispatcher(controller, scraper, queue, fetch.DispatcherConfig{
		CallbackBaseURL: cfg.Scraper.CallbackBaseURL,
		AcceptTimeout:   cfg.AcceptTimeout(),
		MaxRetries:      cfg.Scraper.MaxRetries,
		BackoffBase:     time.Duration(cfg.Scraper.BackoffBaseMs) * time.Millisecond,
		RestartBackoff:  secondsToDurations(cfg.Scraper.RestartBackoffSeconds),
	}, logger)
	receiver := fetch.NewReceiver(controller, dispatcher, queue, evidence, clk, logger)

	searchClient := search.NewClient(search.Config{
		BaseURL:    cfg.Search.BaseURL,
		APIKey:     cfg.Search.APIKey,
		MaxResults: cfg.Search.MaxResults,
	}, logger)
	invoker := analysis.NewInvoker(analysis.InvokerConfig{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		Model:              cfg.LLM.Model,
		MaxTokens:          cfg.LLM.MaxTokens,
		MinRemainingTokens: cfg.LLM.MinRemainingTokens,
		ResetBuffer:        time.Duration(cfg.LLM.ResetBufferSeconds * float64(time.Second)),
		MaxAttempts:        cfg.LLM.MaxAttempts,
		Timeout:            time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, analysis.TruncatingPreparer{MaxBytes: cfg.LLM.MaxContentBytes}, logger)

	pipe := pipeline.New(controller, searchClient, dispatcher, invoker, logger)

	states := scheduler.NewStateStore(store)
	cat := catalog.NewStore(store, logger)
	chain := scheduler.NewChain(states, cat, pipe, controller, scraper, queue, clk, cfg.Location(), scheduler.ChainConfig{
		DailyCap:              cfg.AutoCheck.DailyCap,
		PollInterval:          time.Duration(cfg.AutoCheck.PollIntervalSeconds) * time.Second,
		PollBudget:            time.Duration(cfg.AutoCheck.PollBudgetSeconds) * time.Second,
		MidPollHealthInterval: time.Duration(cfg.AutoCheck.MidPollHealthSeconds) * time.Second,
		MinStartInterval:      time.Duration(cfg.AutoCheck.MinStartIntervalSeconds) * time.Second,
	}, logger)

	app.sweeper = cleanup.NewSweeper(store, clk, time.Duration(cfg.Cleanup.RetentionHours)*time.Hour, logger)
	app.runner = trigger.NewRunner(queue, trigger.Handlers{
		Tick:     chain.Tick,
		Analyze:  pipe.RunAnalysis,
		Dispatch: pipe.DispatchNext,
	}, logger)
	app.apiServer = api.NewServer(pipe, controller, receiver, chain, cat, queue, scraper, logger, cfg)

	if err := app.setupCron(); err != nil {
		return nil, err
	}
	return app, nil
}

// Run starts the trigger runner, the cron schedule and the HTTP server,
// then blocks until a termination signal or a server failure.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- a.runner.Run(ctx)
	}()

	a.cron.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.ListenAndServe()
	}()
	a.logger.Info("server started", zap.Int("port", a.cfg.Server.Port))

	select {
	case err := <-serveDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cronDone := a.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("cron jobs still running at shutdown deadline")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("trigger runner stopped", zap.Error(err))
	}
	return nil
}

// Close releases infrastructure resources in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) setupStore(ctx context.Context) (eol.RecordStore, error) {
	var inner eol.RecordStore
	switch a.cfg.Store.Backend {
	case "memory":
		inner = memory.NewRecordStore()
	case "badger":
		db, err := badgerstore.New(badgerstore.Config{Path: a.cfg.Store.BadgerPath})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		inner = db
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Store.PostgresDSN,
			Table:    a.cfg.Store.Table,
			MaxConns: int32(a.cfg.Store.MaxConns),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		inner = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	return storage.NewRetrying(inner, storage.RetryConfig{
		Attempts:      uint(a.cfg.Store.RetryMax),
		Delay:         time.Duration(a.cfg.Store.RetryDelayMs) * time.Millisecond,
		RetryNotFound: true,
	}), nil
}

func (a *App) setupQueue(ctx context.Context) (eol.TriggerQueue, error) {
	var queue eol.TriggerQueue
	switch a.cfg.Trigger.Backend {
	case "memory":
		queue = trigger.NewMemoryQueue(a.cfg.Trigger.QueueDepth)
	case "pubsub":
		q, err := trigger.NewPubSubQueue(ctx, trigger.PubSubConfig{
			ProjectID:      a.cfg.Trigger.ProjectID,
			TopicID:        a.cfg.Trigger.TopicID,
			SubscriptionID: a.cfg.Trigger.SubscriptionID,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		queue = q
	default:
		return nil, fmt.Errorf("unknown trigger backend %q", a.cfg.Trigger.Backend)
	}
	if a.cfg.Trigger.WebhookURL != "" {
		webhook := trigger.NewWebhook(trigger.WebhookConfig{
			Endpoint: a.cfg.Trigger.WebhookURL,
			Retries:  a.cfg.Trigger.HTTPRetries,
			Delay:    time.Duration(a.cfg.Trigger.HTTPDelayMs) * time.Millisecond,
		}, a.logger)
		queue = trigger.NewMirrored(queue, webhook)
	}
	return queue, nil
}

func (a *App) setupArchive(ctx context.Context) (eol.EvidenceArchive, error) {
	switch a.cfg.Archive.Backend {
	case "none":
		return nil, nil
	case "memory":
		return archive.NewMemory(), nil
	case "local":
		return archive.NewLocal(a.cfg.Archive.BaseDir)
	case "gcs":
		g, err := archive.NewGCS(ctx, a.cfg.Archive.Bucket, a.cfg.Archive.Prefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

// setupCron registers the auto-check wake and the cleanup sweep. The
// wake only publishes a tick; all gating lives in the scheduler chain.
func (a *App) setupCron() error {
	c := cron.New()
	if _, err := c.AddFunc(a.cfg.AutoCheck.WakeCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick}); err != nil {
			a.logger.Warn("wake tick publish failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("autocheck.wake_cron: %w", err)
	}
	if _, err := c.AddFunc(a.cfg.Cleanup.SweepCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		deleted, err := a.sweeper.Sweep(ctx)
		if err != nil {
			a.logger.Warn("sweep failed", zap.Error(err))
			return
		}
		metrics.AddSweeperDeleted(deleted)
	}); err != nil {
		return fmt.Errorf("cleanup.sweep_cron: %w", err)
	}
	a.cron = c
	return nil
}

func secondsToDurations(seconds []int) []time.Duration {
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
