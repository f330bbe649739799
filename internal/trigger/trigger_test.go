package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemoryQueue(4)

	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick}))
	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerAnalyze, JobID: "job-1"}))

	msg, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, eol.TriggerTick, msg.Kind)
	ack()

	msg, ack, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, eol.TriggerAnalyze, msg.Kind)
	require.Equal(t, "job-1", msg.JobID)
	ack()
}

func TestMemoryQueue_ReceiveHonorsContext(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := q.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_PublishBlocksWhenFull(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), eol.TriggerMessage{Kind: eol.TriggerTick}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_RoutesMessages(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(8)

	var mu sync.Mutex
	var got []string
	handlers := Handlers{
		Tick: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "tick")
			return nil
		},
		Analyze: func(_ context.Context, jobID string) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "analyze:"+jobID)
			return nil
		},
		Dispatch: func(_ context.Context, jobID string, index int) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "dispatch:"+jobID)
			require.Equal(t, 1, index)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := NewRunner(q, handlers, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick}))
	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerDispatch, JobID: "job-1", URLIndex: 1}))
	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerAnalyze, JobID: "job-1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"tick", "dispatch:job-1", "analyze:job-1"}, got)
}

func TestRunner_SurvivesHandlerErrors(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(8)

	var mu sync.Mutex
	calls := 0
	handlers := Handlers{
		Tick: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
		Analyze:  func(context.Context, string) error { return nil },
		Dispatch: func(context.Context, string, int) error { return nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := NewRunner(q, handlers, zap.NewNop())
	go func() { _ = runner.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick}))
	require.NoError(t, q.Publish(ctx, eol.TriggerMessage{Kind: eol.TriggerTick}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}
