package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/jobs"
	"github.com/partlabs/eolwatch/internal/storage/memory"
)

type memArchive struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func (a *memArchive) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.blobs == nil {
		a.blobs = map[string][]byte{}
	}
	a.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

type receiverHarness struct {
	controller *jobs.Controller
	scraper    *scriptedScraper
	queue      *captureQueue
	archive    *memArchive
	receiver   *Receiver
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	store := memory.NewRecordStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	controller := jobs.NewController(store, clock, &fakeIDGen{}, zap.NewNop())
	scraper := &scriptedScraper{}
	queue := &captureQueue{}
	archive := &memArchive{}
	dispatcher := newDispatcher(controller, scraper, queue, DispatcherConfig{MaxRetries: 1})
	receiver := NewReceiver(controller, dispatcher, queue, archive, clock, zap.NewNop())
	return &receiverHarness{
		controller: controller,
		scraper:    scraper,
		queue:      queue,
		archive:    archive,
		receiver:   receiver,
	}
}

func TestReceiver_CallbackChainsNextDispatchThenAnalysis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)

	job := newTestJob(t, h.controller, "https://omron.com/a", "https://keyence.com/b")
	require.NoError(t, h.receiver.dispatcher.DispatchTask(ctx, job.ID, 0))

	// First callback saves the result and dispatches the second URL inline.
	err := h.receiver.HandleCallback(ctx, eol.ScrapeCallback{
		JobID:    job.ID,
		URLIndex: 0,
		Content:  "<html>discontinued notice</html>",
		Title:    "E3X-NA11",
	})
	require.NoError(t, err)
	require.Len(t, h.scraper.seen(), 2)
	require.Empty(t, h.queue.published())

	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, eol.JobStatusFetching, got.Status)
	require.Equal(t, "mem://"+job.ID+"/0.html", got.URLResults[0].ArchiveURI)
	require.Equal(t, "https://omron.com/a", got.URLResults[0].SourceURL)

	// Second callback completes the plan and enqueues analysis.
	err = h.receiver.HandleCallback(ctx, eol.ScrapeCallback{
		JobID:    job.ID,
		URLIndex: 1,
		Content:  "<html>catalog page</html>",
	})
	require.NoError(t, err)
	msgs := h.queue.published()
	require.Len(t, msgs, 1)
	require.Equal(t, eol.TriggerAnalyze, msgs[0].Kind)
	require.Equal(t, job.ID, msgs[0].JobID)
}

func TestReceiver_DuplicateCallbackDoesNotDoubleTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)

	job := newTestJob(t, h.controller, "https://omron.com/a")
	require.NoError(t, h.receiver.dispatcher.DispatchTask(ctx, job.ID, 0))

	cb := eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "<html>page</html>"}
	require.NoError(t, h.receiver.HandleCallback(ctx, cb))
	require.Len(t, h.queue.published(), 1)

	// Simulate the analysis trigger being consumed before the duplicate
	// arrives: the job is already analyzing, so the copy is dropped.
	_, err := h.controller.SetStatus(ctx, job.ID, eol.JobStatusAnalyzing, "", nil)
	require.NoError(t, err)
	require.NoError(t, h.receiver.HandleCallback(ctx, cb))
	require.Len(t, h.queue.published(), 1)
}

func TestReceiver_DuplicateBeforeTriggerConsumedOverwritesInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)

	job := newTestJob(t, h.controller, "https://omron.com/a")
	require.NoError(t, h.receiver.dispatcher.DispatchTask(ctx, job.ID, 0))

	require.NoError(t, h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "first"}))
	require.NoError(t, h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "second"}))

	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.URLResults, 1)
	require.Equal(t, "second", got.URLResults[0].Content)
}

func TestReceiver_LateCallbackAfterCompletionIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)

	job := newTestJob(t, h.controller, "https://omron.com/a")
	require.NoError(t, h.receiver.dispatcher.DispatchTask(ctx, job.ID, 0))
	require.NoError(t, h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "page"}))
	_, err := h.controller.SetStatus(ctx, job.ID, eol.JobStatusAnalyzing, "", nil)
	require.NoError(t, err)
	_, err = h.controller.Finalize(ctx, job.ID, eol.AnalysisResult{Status: eol.VerdictActive, Explanation: "listed in current catalog"})
	require.NoError(t, err)

	require.NoError(t, h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "stale"}))
	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "page", got.URLResults[0].Content)
	require.Equal(t, eol.JobStatusComplete, got.Status)
}

func TestReceiver_RejectsMalformedCallbacks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)

	var verr *eol.ValidationError
	err := h.receiver.HandleCallback(ctx, eol.ScrapeCallback{URLIndex: 0})
	require.ErrorAs(t, err, &verr)

	err = h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: "job-missing", URLIndex: 0})
	require.ErrorIs(t, err, eol.ErrNotFound)

	job := newTestJob(t, h.controller, "https://omron.com/a")
	err = h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 9, Content: "x"})
	require.ErrorAs(t, err, &verr)
}

func TestReceiver_ArchiveFailureIsBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newReceiverHarness(t)
	h.archive.err = errors.New("bucket unavailable")

	job := newTestJob(t, h.controller, "https://omron.com/a")
	require.NoError(t, h.receiver.dispatcher.DispatchTask(ctx, job.ID, 0))
	require.NoError(t, h.receiver.HandleCallback(ctx, eol.ScrapeCallback{JobID: job.ID, URLIndex: 0, Content: "page"}))

	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, got.URLResults[0].ArchiveURI)
	require.Equal(t, "page", got.URLResults[0].Content)
}
