package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

type countingHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
	bodies   []eol.TriggerMessage
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	var msg eol.TriggerMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.bodies = append(h.bodies, msg)
	if h.calls <= h.failures {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestWebhook_RetriesThenDelivers(t *testing.T) {
	t.Parallel()
	handler := &countingHandler{failures: 1}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	w := NewWebhook(WebhookConfig{Endpoint: ts.URL, Retries: 2, Delay: time.Millisecond}, zap.NewNop())
	w.Notify(context.Background(), eol.TriggerMessage{Kind: eol.TriggerAnalyze, JobID: "job-1"})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, 2, handler.calls)
	require.Equal(t, "job-1", handler.bodies[1].JobID)
}

func TestWebhook_DeadLetterAfterExhaustion(t *testing.T) {
	t.Parallel()
	handler := &countingHandler{failures: 10}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	w := NewWebhook(WebhookConfig{Endpoint: ts.URL, Retries: 2, Delay: time.Millisecond}, zap.NewNop())
	// exhausted delivery is swallowed, only logged
	w.Notify(context.Background(), eol.TriggerMessage{Kind: eol.TriggerTick})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, 3, handler.calls)
}

func TestMirrored_PublishesAndNotifies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	handler := &countingHandler{}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	inner := NewMemoryQueue(4)
	q := NewMirrored(inner, NewWebhook(WebhookConfig{Endpoint: ts.URL, Retries: 0, Delay: time.Millisecond}, zap.NewNop()))

	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerDispatch, JobID: "job-9", URLIndex: 2}))

	msg, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, eol.TriggerDispatch, msg.Kind)
	require.Equal(t, "job-9", msg.JobID)
	ack()

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, 1, handler.calls)
	require.Equal(t, 2, handler.bodies[0].URLIndex)
}
