package eol

import (
	"context"
	"time"
)

// RecordStore is the durable key-value store acting as the single source
// of truth for jobs, scheduler state, and catalog entries. Read-after-write
// consistency is assumed for single-key operations.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Scraper is the client for the external scraper worker. Dispatch returns
// once the worker acknowledges; content arrives later via callback.
type Scraper interface {
	Dispatch(ctx context.Context, req ScrapeRequest) error
	Health(ctx context.Context) error
}

// Analyzer produces the final verdict for a job from its scraped evidence.
type Analyzer interface {
	Analyze(ctx context.Context, job *Job) (AnalysisResult, error)
}

// SearchProvider returns ranked candidate pages for a part, consumed once
// per job to build the scrape plan.
type SearchProvider interface {
	Search(ctx context.Context, subject Subject) ([]UrlTask, error)
}

// Catalog selects the next part to check and records check outcomes.
// NextItem prefers parts never checked, then the least recently checked.
type Catalog interface {
	NextItem(ctx context.Context) (CatalogItem, error)
	MarkChecked(ctx context.Context, id string, at time.Time, verdict Verdict) error
	Upsert(ctx context.Context, item CatalogItem) error
}

// TriggerQueue chains pipeline steps with at-least-once delivery. The ack
// function must be called once the message has been handled; redelivery
// after a missed ack is tolerated because every handler is guarded by a
// status check against the record store.
type TriggerQueue interface {
	Publish(ctx context.Context, msg TriggerMessage) error
	Receive(ctx context.Context) (TriggerMessage, func(), error)
}

// EvidenceArchive stores raw scraped content and returns a URI.
type EvidenceArchive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ContentPreparer shrinks scraped content before it is sent for analysis.
// The real truncation and table-filtering heuristics live outside this
// engine; implementations only have to be deterministic.
type ContentPreparer interface {
	Prepare(content string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
