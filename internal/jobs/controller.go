// Package jobs owns the job state machine over the durable record store.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/metrics"
)

// KeyPrefix namespaces job records in the store.
const KeyPrefix = "job:"

// Key returns the record-store key for a job ID.
func Key(jobID string) string {
	return KeyPrefix + jobID
}

var statusRank = map[eol.JobStatus]int{
	eol.JobStatusCreated:   0,
	eol.JobStatusURLsReady: 1,
	eol.JobStatusFetching:  2,
	eol.JobStatusAnalyzing: 3,
	eol.JobStatusComplete:  4,
	eol.JobStatusError:     4,
}

// FailureMeta carries structured failure context merged into the record on
// SetStatus so it survives invocation boundaries.
type FailureMeta struct {
	IsDailyLimit bool
	RetrySeconds int
}

// Controller creates, reads and transitions job records.
type Controller struct {
	store  eol.RecordStore
	clock  eol.Clock
	idGen  eol.IDGenerator
	logger *zap.Logger
}

// NewController constructs a Controller.
func NewController(store eol.RecordStore, clock eol.Clock, idGen eol.IDGenerator, logger *zap.Logger) *Controller {
	metrics.Init()
	return &Controller{
		store:  store,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
	}
}

// Create persists a new job in created status and returns it.
func (c *Controller) Create(ctx context.Context, subject eol.Subject) (eol.Job, error) {
	jobID, err := c.idGen.NewID()
	if err != nil {
		return eol.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := eol.Job{
		ID:         jobID,
		Subject:    subject,
		Status:     eol.JobStatusCreated,
		URLResults: map[int]eol.ScrapedResult{},
		CreatedAt:  c.clock.Now(),
	}
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, err
	}
	c.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("maker", subject.Maker),
		zap.String("model", subject.Model),
	)
	return job, nil
}

// Get fetches a job by ID. Returns eol.ErrNotFound when missing; callers
// must treat that as possibly transient right after creation.
func (c *Controller) Get(ctx context.Context, jobID string) (eol.Job, error) {
	raw, err := c.store.Get(ctx, Key(jobID))
	if err != nil {
		return eol.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job eol.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return eol.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if job.URLResults == nil {
		job.URLResults = map[int]eol.ScrapedResult{}
	}
	return job, nil
}

// SetURLs installs the scrape plan and transitions to urls_ready. Any
// previous url results are discarded.
func (c *Controller) SetURLs(ctx context.Context, jobID string, urls []eol.UrlTask) (eol.Job, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return eol.Job{}, err
	}
	if err := checkTransition(job.Status, eol.JobStatusURLsReady); err != nil {
		return eol.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	for i := range urls {
		urls[i].Index = i
		if urls[i].Status == "" {
			urls[i].Status = eol.TaskPending
		}
		if urls[i].Strategy == "" {
			urls[i].Strategy = eol.StrategyGeneric
		}
	}
	job.URLs = urls
	job.URLResults = map[int]eol.ScrapedResult{}
	job.Status = eol.JobStatusURLsReady
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, err
	}
	c.logger.Info("job urls ready", zap.String("job_id", jobID), zap.Int("url_count", len(urls)))
	return job, nil
}

// SetStatus transitions a job and merges failure metadata. Terminal error
// never carries a final result; terminal states stamp CompletedAt.
func (c *Controller) SetStatus(ctx context.Context, jobID string, status eol.JobStatus, errText string, meta *FailureMeta) (eol.Job, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return eol.Job{}, err
	}
	if err := checkTransition(job.Status, status); err != nil {
		return eol.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	job.Status = status
	job.ErrorText = errText
	if meta != nil {
		job.IsDailyLimit = meta.IsDailyLimit
		job.RetrySeconds = meta.RetrySeconds
	}
	if status == eol.JobStatusError {
		// No partial verdicts: an errored job must not carry one.
		job.FinalResult = nil
	}
	if status.Terminal() {
		now := c.clock.Now()
		job.CompletedAt = &now
		metrics.ObserveJobTerminal(string(status), now.Sub(job.CreatedAt))
	}
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, err
	}
	c.logger.Info("job status changed",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.String("error", errText),
	)
	return job, nil
}

// MarkTaskFetching flips one task to fetching and, on the first task, the
// job itself to fetching.
func (c *Controller) MarkTaskFetching(ctx context.Context, jobID string, index int) (eol.Job, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return eol.Job{}, err
	}
	if index < 0 || index >= len(job.URLs) {
		return eol.Job{}, fmt.Errorf("job %s: url index %d out of range", jobID, index)
	}
	if job.Status == eol.JobStatusURLsReady {
		if err := checkTransition(job.Status, eol.JobStatusFetching); err != nil {
			return eol.Job{}, fmt.Errorf("job %s: %w", jobID, err)
		}
		job.Status = eol.JobStatusFetching
	}
	if job.URLs[index].Status == eol.TaskPending {
		job.URLs[index].Status = eol.TaskFetching
	}
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, err
	}
	return job, nil
}

// SaveURLResult records a scraped result and marks the task complete.
// Saving the same index twice is an idempotent overwrite; the second save
// does not change the all-done determination. Returns the updated job and
// whether every task is now complete.
func (c *Controller) SaveURLResult(ctx context.Context, jobID string, index int, result eol.ScrapedResult) (eol.Job, bool, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return eol.Job{}, false, err
	}
	if index < 0 || index >= len(job.URLs) {
		return eol.Job{}, false, fmt.Errorf("job %s: url index %d out of range", jobID, index)
	}
	job.URLResults[index] = result
	job.URLs[index].Status = eol.TaskComplete
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, false, err
	}
	allDone := job.AllURLsComplete()
	c.logger.Debug("url result saved",
		zap.String("job_id", jobID),
		zap.Int("url_index", index),
		zap.Bool("all_done", allDone),
	)
	return job, allDone, nil
}

// Finalize stores the verdict and completes the job.
func (c *Controller) Finalize(ctx context.Context, jobID string, result eol.AnalysisResult) (eol.Job, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return eol.Job{}, err
	}
	if err := checkTransition(job.Status, eol.JobStatusComplete); err != nil {
		return eol.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	job.Status = eol.JobStatusComplete
	job.FinalResult = &result
	job.ErrorText = ""
	now := c.clock.Now()
	job.CompletedAt = &now
	metrics.ObserveJobTerminal(string(eol.JobStatusComplete), now.Sub(job.CreatedAt))
	if err := c.write(ctx, &job); err != nil {
		return eol.Job{}, err
	}
	c.logger.Info("job complete",
		zap.String("job_id", jobID),
		zap.String("verdict", string(result.Status)),
	)
	return job, nil
}

func (c *Controller) write(ctx context.Context, job *eol.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := c.store.Set(ctx, Key(job.ID), raw); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func checkTransition(from, to eol.JobStatus) error {
	fromRank, ok := statusRank[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("unknown status %q", to)
	}
	if from.Terminal() {
		return fmt.Errorf("status %q is terminal", from)
	}
	// Same-state writes are allowed so overlapping invocations can merge
	// metadata without fighting the monotonic rule. Error is reachable from
	// any active state; everything else advances exactly one step.
	switch {
	case to == eol.JobStatusError:
		return nil
	case toRank == fromRank && to == from:
		return nil
	case to == eol.JobStatusComplete && from != eol.JobStatusAnalyzing:
		return fmt.Errorf("cannot transition %q -> %q", from, to)
	case toRank == fromRank+1:
		return nil
	default:
		return fmt.Errorf("cannot transition %q -> %q", from, to)
	}
}
