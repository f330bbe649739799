package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

// PubSubConfig identifies the topic and subscription for the queue.
type PubSubConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

type delivered struct {
	msg eol.TriggerMessage
	ack func()
}

// PubSubQueue is the TriggerQueue for multi-node deployments, backed by
// Google Cloud Pub/Sub. Unacked messages redeliver, which the consumers'
// status guards absorb.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	msgs      chan delivered
}

// NewPubSubQueue connects to Pub/Sub. The topic and subscription must
// already exist; provisioning is a deployment concern.
func NewPubSubQueue(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSubQueue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubQueue{
		client: client,
		topic:  client.Topic(cfg.TopicID),
		sub:    client.Subscription(cfg.SubscriptionID),
		logger: logger.Named("trigger"),
		msgs:   make(chan delivered),
	}, nil
}

// Publish sends a message and waits for the server acknowledgement.
func (q *PubSubQueue) Publish(ctx context.Context, msg eol.TriggerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode trigger message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish trigger message: %w", err)
	}
	return nil
}

// Receive returns the next message and its ack. The streaming pull starts
// lazily on first call and runs until Close.
func (q *PubSubQueue) Receive(ctx context.Context) (eol.TriggerMessage, func(), error) {
	q.startOnce.Do(q.startPull)
	select {
	case d := <-q.msgs:
		return d.msg, d.ack, nil
	case <-ctx.Done():
		return eol.TriggerMessage{}, nil, ctx.Err()
	}
}

func (q *PubSubQueue) startPull() {
	pullCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		err := q.sub.Receive(pullCtx, func(ctx context.Context, m *pubsub.Message) {
			var msg eol.TriggerMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				q.logger.Warn("dropping undecodable trigger message", zap.Error(err))
				m.Ack()
				return
			}
			select {
			case q.msgs <- delivered{msg: msg, ack: m.Ack}:
			case <-ctx.Done():
				m.Nack()
			}
		})
		if err != nil && pullCtx.Err() == nil {
			q.logger.Error("pubsub pull stopped", zap.Error(err))
		}
	}()
}

// Close stops the pull and releases the client.
func (q *PubSubQueue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.topic.Stop()
	return q.client.Close()
}
