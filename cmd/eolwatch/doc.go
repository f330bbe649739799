// Package main hosts the lifecycle-check service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, manual check submission, job reads, scraper
//     callbacks, auto-check controls, and catalog upserts. Requests are validated and persisted via the
//     record store before any asynchronous work starts.
//   - Trigger queue: internal work continues through typed trigger messages (tick, dispatch, analyze) on a
//     queue (in-memory channel or Pub/Sub). The runner consumes messages and invokes the pipeline; the
//     record store holds the durable truth, so redelivered messages are absorbed by status guards.
//   - Check pipeline: a check searches for candidate pages, dispatches them one at a time to the external
//     scraper worker (results return via HTTP callback), and once all evidence is in, adjudicates the part's
//     lifecycle status with an LLM under provider quota gating.
//   - Auto-check: a cron wake publishes a tick; the scheduler chain resets the daily counter at the reference
//     day boundary, enforces the daily cap, probes scraper health, picks the next catalog part, runs one
//     check, and chains the next tick until the cap or an empty catalog stops it.
//   - Cleanup: a cron sweep deletes terminal jobs older than the retention window.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler. Evidence blobs can be
//     archived to memory/local/GCS storage.
//
// Run locally: go run ./cmd/eolwatch -config config.yaml (or rely solely on EOLWATCH_* env overrides).
package main
