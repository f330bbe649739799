package trigger

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

// Handlers are the step entrypoints the runner routes messages to.
type Handlers struct {
	Tick     func(ctx context.Context) error
	Analyze  func(ctx context.Context, jobID string) error
	Dispatch func(ctx context.Context, jobID string, urlIndex int) error
}

// Runner consumes the trigger queue and invokes the matching handler.
// Handler errors are logged, not fatal: the record store holds the truth
// and the next cron wake re-seeds anything that stalled.
type Runner struct {
	queue    eol.TriggerQueue
	handlers Handlers
	logger   *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(queue eol.TriggerQueue, handlers Handlers, logger *zap.Logger) *Runner {
	return &Runner{
		queue:    queue,
		handlers: handlers,
		logger:   logger.Named("runner"),
	}
}

// Run consumes messages until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, ack, err := r.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Error("trigger receive failed", zap.Error(err))
			continue
		}
		r.dispatch(ctx, msg)
		// Ack after handling: a crash mid-handler redelivers, and the
		// handlers' status guards make the replay harmless.
		ack()
	}
}

func (r *Runner) dispatch(ctx context.Context, msg eol.TriggerMessage) {
	var err error
	switch msg.Kind {
	case eol.TriggerTick:
		err = r.handlers.Tick(ctx)
	case eol.TriggerAnalyze:
		err = r.handlers.Analyze(ctx, msg.JobID)
	case eol.TriggerDispatch:
		err = r.handlers.Dispatch(ctx, msg.JobID, msg.URLIndex)
	default:
		r.logger.Warn("unknown trigger kind", zap.String("kind", string(msg.Kind)))
		return
	}
	if err != nil {
		r.logger.Error("trigger handler failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("job_id", msg.JobID),
			zap.Error(err),
		)
	}
}
