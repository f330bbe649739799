package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/storage/memory"
)

var tokyo = mustLocation("Asia/Tokyo")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCatalog struct {
	mu      sync.Mutex
	item    eol.CatalogItem
	empty   bool
	checked []string
}

func (f *fakeCatalog) NextItem(context.Context) (eol.CatalogItem, error) {
	if f.empty {
		return eol.CatalogItem{}, eol.ErrCatalogEmpty
	}
	return f.item, nil
}

func (f *fakeCatalog) MarkChecked(_ context.Context, id string, _ time.Time, _ eol.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, id)
	return nil
}

func (f *fakeCatalog) Upsert(context.Context, eol.CatalogItem) error { return nil }

type fakeRunner struct {
	mu    sync.Mutex
	job   eol.Job
	calls int
}

func (f *fakeRunner) StartCheck(context.Context, eol.Subject) (eol.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = f.calls + 1
	return f.job, nil
}

func (f *fakeRunner) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReader struct {
	mu    sync.Mutex
	jobs  []eol.Job
	reads int
}

func (f *fakeReader) Get(context.Context, string) (eol.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[f.reads]
	if f.reads < len(f.jobs)-1 {
		f.reads++
	}
	return job, nil
}

type healthScraper struct {
	mu  sync.Mutex
	err error
}

func (s *healthScraper) Dispatch(context.Context, eol.ScrapeRequest) error { return nil }
func (s *healthScraper) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type captureQueue struct {
	mu   sync.Mutex
	msgs []eol.TriggerMessage
}

func (q *captureQueue) Publish(_ context.Context, msg eol.TriggerMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *captureQueue) Receive(context.Context) (eol.TriggerMessage, func(), error) {
	return eol.TriggerMessage{}, nil, context.Canceled
}

func (q *captureQueue) published() []eol.TriggerMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]eol.TriggerMessage(nil), q.msgs...)
}

type chainHarness struct {
	states  *StateStore
	catalog *fakeCatalog
	runner  *fakeRunner
	reader  *fakeReader
	scraper *healthScraper
	queue   *captureQueue
	clock   *fakeClock
	chain   *Chain
}

func newChainHarness(t *testing.T, cap int) *chainHarness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 31, 10, 0, 0, 0, tokyo)}
	states := NewStateStore(memory.NewRecordStore())
	completed := eol.Job{ID: "job-1", Status: eol.JobStatusComplete, FinalResult: &eol.AnalysisResult{
		Status: eol.VerdictActive, Explanation: "in catalog",
	}}
	h := &chainHarness{
		states:  states,
		catalog: &fakeCatalog{item: eol.CatalogItem{ID: "p-1", Subject: eol.Subject{Maker: "Omron", Model: "E3X-NA11"}}},
		runner:  &fakeRunner{job: completed},
		reader:  &fakeReader{jobs: []eol.Job{completed}},
		scraper: &healthScraper{},
		queue:   &captureQueue{},
		clock:   clock,
	}
	h.chain = NewChain(h.states, h.catalog, h.runner, h.reader, h.scraper, h.queue, clock, tokyo, ChainConfig{
		DailyCap:              cap,
		PollInterval:          time.Millisecond,
		PollBudget:            time.Minute,
		MidPollHealthInterval: 30 * time.Second,
		MinStartInterval:      time.Nanosecond,
	}, zap.NewNop())
	h.chain.sleep = func(_ context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	}
	return h
}

func (h *chainHarness) enable(t *testing.T) {
	t.Helper()
	require.NoError(t, h.chain.Enable(context.Background()))
	h.queue.mu.Lock()
	h.queue.msgs = nil
	h.queue.mu.Unlock()
}

func TestResetIfNewDay(t *testing.T) {
	t.Parallel()

	state := eol.AutoCheckState{DailyCounter: 7, LastResetDate: "2026-08-30"}

	// 16:05 UTC on Aug 30 is already Aug 31 in Tokyo.
	now := time.Date(2026, 8, 30, 16, 5, 0, 0, time.UTC)
	require.True(t, ResetIfNewDay(&state, now, tokyo))
	require.Zero(t, state.DailyCounter)
	require.Equal(t, "2026-08-31", state.LastResetDate)

	// second observer of the same boundary sees no reset
	state.DailyCounter = 3
	require.False(t, ResetIfNewDay(&state, now.Add(time.Hour), tokyo))
	require.Equal(t, 3, state.DailyCounter)
}

func TestChain_DisabledTickDoesNothing(t *testing.T) {
	t.Parallel()
	h := newChainHarness(t, 50)

	require.NoError(t, h.chain.Tick(context.Background()))
	require.Zero(t, h.runner.started())
	require.Empty(t, h.queue.published())
}

func TestChain_TickRunsOneCheckAndChains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, 1, h.runner.started())
	require.Equal(t, []string{"p-1"}, h.catalog.checked)

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state.DailyCounter)
	require.False(t, state.IsRunning)

	msgs := h.queue.published()
	require.Len(t, msgs, 1)
	require.Equal(t, eol.TriggerTick, msgs[0].Kind)
}

func TestChain_CapStopsTheChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 2)
	h.enable(t)

	require.NoError(t, h.chain.Tick(ctx))
	require.NoError(t, h.chain.Tick(ctx))
	// third tick hits the cap before selecting anything
	require.NoError(t, h.chain.Tick(ctx))

	require.Equal(t, 2, h.runner.started())
	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, state.DailyCounter)
	// only the first run chains a tick; the second already sees the cap
	require.Len(t, h.queue.published(), 1)
}

func TestChain_CounterResetsNextDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 1)
	h.enable(t)

	require.NoError(t, h.chain.Tick(ctx))
	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, 1, h.runner.started())

	// next day in Tokyo: the cap gate opens again
	h.clock.advance(24 * time.Hour)
	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, 2, h.runner.started())
}

func TestChain_DailyQuotaStopsChainButCountsTheRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	h.runner.job = eol.Job{
		ID:           "job-1",
		Status:       eol.JobStatusError,
		ErrorText:    "daily quota exhausted",
		IsDailyLimit: true,
		RetrySeconds: 3723,
	}

	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, 1, h.runner.started())

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state.DailyCounter)
	require.True(t, state.Enabled)
	require.False(t, state.IsRunning)
	// no follow-up tick: the chain waits for the next cron wake
	require.Empty(t, h.queue.published())
	// the item still counts as checked so the rotation moves on
	require.Equal(t, []string{"p-1"}, h.catalog.checked)
}

func TestChain_OverlappingTickIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	state.IsRunning = true
	state.LastActivityTime = h.clock.Now()
	require.NoError(t, h.states.Save(ctx, state))

	require.NoError(t, h.chain.Tick(ctx))
	require.Zero(t, h.runner.started())
}

func TestChain_StaleRunningFlagIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	state.IsRunning = true
	state.LastActivityTime = h.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, h.states.Save(ctx, state))

	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, 1, h.runner.started())
}

func TestChain_UnhealthyScraperSkipsTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)
	h.scraper.err = errors.New("connection refused")

	require.NoError(t, h.chain.Tick(ctx))
	require.Zero(t, h.runner.started())
	require.Empty(t, h.queue.published())

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Zero(t, state.DailyCounter)
}

func TestChain_EmptyCatalogStops(t *testing.T) {
	t.Parallel()
	h := newChainHarness(t, 50)
	h.enable(t)
	h.catalog.empty = true

	require.NoError(t, h.chain.Tick(context.Background()))
	require.Zero(t, h.runner.started())
	require.Empty(t, h.queue.published())
}

func TestChain_PollsUntilJobTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	h.runner.job = eol.Job{ID: "job-1", Status: eol.JobStatusFetching}
	h.reader.jobs = []eol.Job{
		{ID: "job-1", Status: eol.JobStatusFetching},
		{ID: "job-1", Status: eol.JobStatusAnalyzing},
		{ID: "job-1", Status: eol.JobStatusComplete, FinalResult: &eol.AnalysisResult{
			Status: eol.VerdictDiscontinued, Explanation: "vendor page says so",
		}},
	}

	require.NoError(t, h.chain.Tick(ctx))
	require.Equal(t, []string{"p-1"}, h.catalog.checked)

	state, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state.DailyCounter)
	require.Len(t, h.queue.published(), 1)
}

func TestChain_DisableStopsFutureTicks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newChainHarness(t, 50)
	h.enable(t)

	require.NoError(t, h.chain.Disable(ctx))
	require.NoError(t, h.chain.Tick(ctx))
	require.Zero(t, h.runner.started())
}
