// Package trigger moves continuation messages between pipeline steps.
// Delivery is at-least-once; every consumer guards itself against the
// record store before acting.
package trigger

import (
	"context"

	"github.com/partlabs/eolwatch/internal/eol"
)

// MemoryQueue is the in-process TriggerQueue used by single-node
// deployments and tests.
type MemoryQueue struct {
	ch chan eol.TriggerMessage
}

// NewMemoryQueue constructs a MemoryQueue with the given depth.
func NewMemoryQueue(depth int) *MemoryQueue {
	if depth <= 0 {
		depth = 64
	}
	return &MemoryQueue{ch: make(chan eol.TriggerMessage, depth)}
}

// Publish enqueues a message, blocking when the queue is full.
func (q *MemoryQueue) Publish(ctx context.Context, msg eol.TriggerMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next message. The ack is a no-op; an in-process
// channel cannot redeliver.
func (q *MemoryQueue) Receive(ctx context.Context) (eol.TriggerMessage, func(), error) {
	select {
	case msg := <-q.ch:
		return msg, func() {}, nil
	case <-ctx.Done():
		return eol.TriggerMessage{}, nil, ctx.Err()
	}
}
