package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

// Webhook announces continuation messages to an external HTTP endpoint.
// Delivery is best effort: the record store holds the durable truth and
// the cron wake re-seeds anything a lost notification stalled, so an
// exhausted delivery is logged as a dead letter, never surfaced.
type Webhook struct {
	endpoint   string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
	logger     *zap.Logger
}

// WebhookConfig controls the webhook notifier.
type WebhookConfig struct {
	Endpoint string
	// Retries is the number of re-posts after the first attempt.
	Retries int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
}

// NewWebhook constructs a Webhook.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) *Webhook {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	return &Webhook{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{},
		attempts:   uint(cfg.Retries) + 1,
		delay:      cfg.Delay,
		logger:     logger.Named("webhook"),
	}
}

// Notify posts msg to the endpoint with fixed-delay retries. A delivery
// that still fails after all attempts is logged with the full message so
// it can be replayed by hand.
func (w *Webhook) Notify(ctx context.Context, msg eol.TriggerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("encode trigger notification", zap.Error(err))
		return
	}
	err = retry.Do(func() error {
		return w.post(ctx, payload)
	},
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.Delay(w.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.logger.Error("trigger notification dead letter",
			zap.String("kind", string(msg.Kind)),
			zap.String("job_id", msg.JobID),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
	}
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &eol.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Mirrored decorates a TriggerQueue so every published continuation is
// also announced over the webhook.
type Mirrored struct {
	inner   eol.TriggerQueue
	webhook *Webhook
}

// NewMirrored constructs a Mirrored queue.
func NewMirrored(inner eol.TriggerQueue, webhook *Webhook) *Mirrored {
	return &Mirrored{inner: inner, webhook: webhook}
}

// Publish enqueues on the inner queue, then notifies the webhook.
func (m *Mirrored) Publish(ctx context.Context, msg eol.TriggerMessage) error {
	if err := m.inner.Publish(ctx, msg); err != nil {
		return err
	}
	m.webhook.Notify(ctx, msg)
	return nil
}

// Receive delegates to the inner queue.
func (m *Mirrored) Receive(ctx context.Context) (eol.TriggerMessage, func(), error) {
	return m.inner.Receive(ctx)
}
