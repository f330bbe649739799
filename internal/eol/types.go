// Package eol defines core types shared across subsystems.
package eol

import "time"

// JobStatus represents the lifecycle state of a check job.
type JobStatus string

// Job status values persisted in the record store. Transitions are
// one-directional: created -> urls_ready -> fetching -> analyzing ->
// complete or error. No state is revisited.
const (
	JobStatusCreated   JobStatus = "created"
	JobStatusURLsReady JobStatus = "urls_ready"
	JobStatusFetching  JobStatus = "fetching"
	JobStatusAnalyzing JobStatus = "analyzing"
	JobStatusComplete  JobStatus = "complete"
	JobStatusError     JobStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// Subject identifies the catalog part a job evaluates.
type Subject struct {
	Maker string `json:"maker"`
	Model string `json:"model"`
}

// TaskStatus is the sub-status of one UrlTask within a job.
type TaskStatus string

// Task status values. TaskComplete covers both successful scrapes and
// exhausted-retry failures; failed tasks carry placeholder content so the
// pipeline always progresses.
const (
	TaskPending  TaskStatus = "pending"
	TaskFetching TaskStatus = "fetching"
	TaskComplete TaskStatus = "complete"
)

// Strategy selects the scraping method for a URL.
type Strategy string

// Dispatch strategies. StrategyGeneric is the default; the vendor
// strategies drive interactive flows on the respective catalog sites.
const (
	StrategyGeneric   Strategy = "generic"
	StrategyOmron     Strategy = "omron"
	StrategyKeyence   Strategy = "keyence"
	StrategyMitsubishi Strategy = "mitsubishi"
)

// UrlTask is one candidate page within a job's scrape plan.
type UrlTask struct {
	Index    int               `json:"index"`
	URL      string            `json:"url"`
	Title    string            `json:"title,omitempty"`
	Snippet  string            `json:"snippet,omitempty"`
	Strategy Strategy          `json:"strategy"`
	Params   map[string]string `json:"params,omitempty"`
	Status   TaskStatus        `json:"status"`
}

// ScrapedResult holds the content delivered for one UrlTask.
type ScrapedResult struct {
	Content    string    `json:"content"`
	Title      string    `json:"title,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	SourceURL  string    `json:"source_url"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Verdict is the lifecycle determination for a part.
type Verdict string

// Verdict values produced by analysis.
const (
	VerdictActive       Verdict = "active"
	VerdictDiscontinued Verdict = "discontinued"
	VerdictUnknown      Verdict = "unknown"
)

// Successor describes a replacement part named by the analysis.
type Successor struct {
	Exists bool   `json:"exists"`
	Maker  string `json:"maker,omitempty"`
	Model  string `json:"model,omitempty"`
	Note   string `json:"note,omitempty"`
}

// QuotaSnapshot records the provider rate-limit headers observed on the
// analysis response, kept for observability.
type QuotaSnapshot struct {
	Remaining    int     `json:"remaining"`
	Limit        int     `json:"limit"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// AnalysisResult is the final verdict for a job.
type AnalysisResult struct {
	Status      Verdict        `json:"status"`
	Explanation string         `json:"explanation"`
	Successor   Successor      `json:"successor"`
	Quota       *QuotaSnapshot `json:"quota,omitempty"`
}

// Job is the durable record tracking one end-to-end lifecycle check.
// It is the single source of truth for the pipeline: every step reads it,
// acts, and writes it back through the record store.
type Job struct {
	ID           string                `json:"id"`
	Subject      Subject               `json:"subject"`
	Status       JobStatus             `json:"status"`
	URLs         []UrlTask             `json:"urls"`
	URLResults   map[int]ScrapedResult `json:"url_results,omitempty"`
	FinalResult  *AnalysisResult       `json:"final_result,omitempty"`
	ErrorText    string                `json:"error,omitempty"`
	IsDailyLimit bool                  `json:"is_daily_limit,omitempty"`
	RetrySeconds int                   `json:"retry_seconds,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// AllURLsComplete reports whether every task has reached TaskComplete.
func (j *Job) AllURLsComplete() bool {
	if len(j.URLs) == 0 {
		return false
	}
	for i := range j.URLs {
		if j.URLs[i].Status != TaskComplete {
			return false
		}
	}
	return true
}

// NextPendingTask returns the lowest-index pending task, if any.
func (j *Job) NextPendingTask() (UrlTask, bool) {
	for i := range j.URLs {
		if j.URLs[i].Status == TaskPending {
			return j.URLs[i], true
		}
	}
	return UrlTask{}, false
}

// AutoCheckState is the persisted scheduler state shared across ticks.
type AutoCheckState struct {
	Enabled          bool      `json:"enabled"`
	IsRunning        bool      `json:"is_running"`
	DailyCounter     int       `json:"daily_counter"`
	LastResetDate    string    `json:"last_reset_date"`
	LastActivityTime time.Time `json:"last_activity_time"`
}

// CatalogItem is one part tracked by the auto-check scheduler.
type CatalogItem struct {
	ID            string     `json:"id"`
	Subject       Subject    `json:"subject"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastVerdict   Verdict    `json:"last_verdict,omitempty"`
}

// ScrapeRequest is the payload handed to the external scraper worker.
type ScrapeRequest struct {
	URL         string            `json:"url"`
	CallbackURL string            `json:"callback_url"`
	JobID       string            `json:"job_id"`
	URLIndex    int               `json:"url_index"`
	Strategy    Strategy          `json:"strategy"`
	Params      map[string]string `json:"params,omitempty"`
}

// ScrapeCallback is the asynchronous completion notification posted back
// by the external scraper.
type ScrapeCallback struct {
	JobID    string `json:"job_id"`
	URLIndex int    `json:"url_index"`
	Content  string `json:"content"`
	Title    string `json:"title,omitempty"`
}

// TriggerKind discriminates continuation messages on the trigger queue.
type TriggerKind string

// Trigger message kinds.
const (
	TriggerTick     TriggerKind = "tick"
	TriggerAnalyze  TriggerKind = "analyze"
	TriggerDispatch TriggerKind = "dispatch"
)

// TriggerMessage advances the pipeline across invocation boundaries.
// All real state lives in the record store; the message only says which
// record to pick up and what step to attempt next.
type TriggerMessage struct {
	Kind     TriggerKind `json:"kind"`
	JobID    string      `json:"job_id,omitempty"`
	URLIndex int         `json:"url_index,omitempty"`
	Attempt  int         `json:"attempt,omitempty"`
}
