// Package pipeline orchestrates the end-to-end check flow: plan the
// scrape via search, dispatch URLs, and adjudicate once evidence is in.
// Each step loads the job record, acts, and persists; nothing here holds
// state across invocations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/fetch"
	"github.com/partlabs/eolwatch/internal/jobs"
)

// Pipeline wires the check stages together.
type Pipeline struct {
	controller *jobs.Controller
	search     eol.SearchProvider
	dispatcher *fetch.Dispatcher
	analyzer   eol.Analyzer
	logger     *zap.Logger
}

// New constructs a Pipeline.
func New(controller *jobs.Controller, search eol.SearchProvider, dispatcher *fetch.Dispatcher, analyzer eol.Analyzer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		controller: controller,
		search:     search,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		logger:     logger.Named("pipeline"),
	}
}

// StartCheck creates a job for the subject and pushes it as far as the
// first dispatch. Failures after the job exists are recorded on the job
// itself, so callers get a job back even when the check is already dead;
// only pre-creation problems surface as errors.
func (p *Pipeline) StartCheck(ctx context.Context, subject eol.Subject) (eol.Job, error) {
	if strings.TrimSpace(subject.Maker) == "" || strings.TrimSpace(subject.Model) == "" {
		return eol.Job{}, &eol.ValidationError{Reason: "maker and model are required"}
	}
	job, err := p.controller.Create(ctx, subject)
	if err != nil {
		return eol.Job{}, err
	}

	tasks, err := p.search.Search(ctx, subject)
	if err != nil {
		return p.failJob(ctx, job.ID, fmt.Sprintf("search failed: %v", err))
	}
	if len(tasks) == 0 {
		return p.failJob(ctx, job.ID, "search returned no candidate pages")
	}

	job, err = p.controller.SetURLs(ctx, job.ID, tasks)
	if err != nil {
		return eol.Job{}, err
	}
	if err := p.dispatcher.DispatchTask(ctx, job.ID, 0); err != nil {
		return p.failJob(ctx, job.ID, fmt.Sprintf("dispatch failed: %v", err))
	}
	return p.controller.Get(ctx, job.ID)
}

// DispatchNext hands one URL to the scraper. Used by the trigger runner
// to continue a job after a placeholder completion.
func (p *Pipeline) DispatchNext(ctx context.Context, jobID string, index int) error {
	return p.dispatcher.DispatchTask(ctx, jobID, index)
}

// RunAnalysis adjudicates a job whose evidence is complete. Redelivered
// or premature triggers are dropped; analysis failures are recorded on
// the job rather than returned, so the trigger is never redelivered for
// an error that will just repeat.
func (p *Pipeline) RunAnalysis(ctx context.Context, jobID string) error {
	job, err := p.controller.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == eol.JobStatusAnalyzing || job.Status.Terminal() {
		p.logger.Info("dropping duplicate analysis trigger",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}
	if !job.AllURLsComplete() {
		p.logger.Warn("analysis trigger before evidence complete, dropping",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}
	if _, err := p.controller.SetStatus(ctx, jobID, eol.JobStatusAnalyzing, "", nil); err != nil {
		return err
	}

	result, err := p.analyzer.Analyze(ctx, &job)
	if err != nil {
		meta := failureMeta(err)
		if _, serr := p.controller.SetStatus(ctx, jobID, eol.JobStatusError, err.Error(), meta); serr != nil {
			return serr
		}
		return nil
	}
	_, err = p.controller.Finalize(ctx, jobID, result)
	return err
}

func (p *Pipeline) failJob(ctx context.Context, jobID, reason string) (eol.Job, error) {
	job, err := p.controller.SetStatus(ctx, jobID, eol.JobStatusError, reason, nil)
	if err != nil {
		return eol.Job{}, err
	}
	return job, nil
}

// failureMeta extracts quota context from an analysis failure so the
// scheduler can see a daily-limit stop on the job record.
func failureMeta(err error) *jobs.FailureMeta {
	var rl *eol.RateLimitError
	if !errors.As(err, &rl) {
		return nil
	}
	return &jobs.FailureMeta{
		IsDailyLimit: rl.PerDay,
		RetrySeconds: int(rl.ResetAfter.Seconds()),
	}
}
