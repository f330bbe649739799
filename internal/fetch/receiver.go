package fetch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/jobs"
	"github.com/partlabs/eolwatch/internal/metrics"
)

// Receiver handles scrape callbacks from the external worker. Callbacks
// may arrive late, twice, or after a dispatch timeout already advanced the
// job, so every path here has to be safe to replay.
type Receiver struct {
	controller *jobs.Controller
	dispatcher *Dispatcher
	queue      eol.TriggerQueue
	archive    eol.EvidenceArchive
	clock      eol.Clock
	logger     *zap.Logger
}

// NewReceiver constructs a Receiver. archive may be nil to disable
// evidence archiving.
func NewReceiver(controller *jobs.Controller, dispatcher *Dispatcher, queue eol.TriggerQueue, archive eol.EvidenceArchive, clock eol.Clock, logger *zap.Logger) *Receiver {
	return &Receiver{
		controller: controller,
		dispatcher: dispatcher,
		queue:      queue,
		archive:    archive,
		clock:      clock,
		logger:     logger.Named("receiver"),
	}
}

// HandleCallback records the scraped content, then advances the pipeline:
// dispatch the next pending URL, or enqueue analysis once every task is
// complete. Late callbacks against a job that already moved past fetching
// are acknowledged and dropped.
func (r *Receiver) HandleCallback(ctx context.Context, cb eol.ScrapeCallback) error {
	if cb.JobID == "" {
		return &eol.ValidationError{Reason: "job_id is required"}
	}
	job, err := r.controller.Get(ctx, cb.JobID)
	if err != nil {
		return err
	}
	if cb.URLIndex < 0 || cb.URLIndex >= len(job.URLs) {
		return &eol.ValidationError{Reason: fmt.Sprintf("url_index %d out of range", cb.URLIndex)}
	}
	if job.Status.Terminal() || job.Status == eol.JobStatusAnalyzing {
		metrics.ObserveCallback("late_dropped")
		r.logger.Info("dropping late callback",
			zap.String("job_id", cb.JobID),
			zap.Int("url_index", cb.URLIndex),
			zap.String("status", string(job.Status)),
		)
		return nil
	}

	result := eol.ScrapedResult{
		Content:   cb.Content,
		Title:     cb.Title,
		SourceURL: job.URLs[cb.URLIndex].URL,
		FetchedAt: r.clock.Now(),
	}
	result.ArchiveURI = r.archiveContent(ctx, cb)

	job, allDone, err := r.controller.SaveURLResult(ctx, cb.JobID, cb.URLIndex, result)
	if err != nil {
		return err
	}
	metrics.ObserveCallback("saved")

	if allDone {
		// Guard again after the save: a concurrent callback may have won
		// the race and already pushed the job into analysis.
		if job.Status == eol.JobStatusAnalyzing || job.Status == eol.JobStatusComplete {
			return nil
		}
		return r.queue.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerAnalyze, JobID: cb.JobID})
	}
	if next, ok := job.NextPendingTask(); ok {
		return r.dispatcher.DispatchTask(ctx, cb.JobID, next.Index)
	}
	// Remaining tasks are in flight; their callbacks will drive progress.
	return nil
}

func (r *Receiver) archiveContent(ctx context.Context, cb eol.ScrapeCallback) string {
	if r.archive == nil || cb.Content == "" {
		return ""
	}
	path := fmt.Sprintf("%s/%d.html", cb.JobID, cb.URLIndex)
	uri, err := r.archive.Put(ctx, path, "text/html; charset=utf-8", []byte(cb.Content))
	if err != nil {
		// Archiving is best effort; the content itself is already in the
		// job record.
		r.logger.Warn("evidence archive failed",
			zap.String("job_id", cb.JobID),
			zap.Int("url_index", cb.URLIndex),
			zap.Error(err),
		)
		return ""
	}
	return uri
}
