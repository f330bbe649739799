package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/metrics"
)

// completionClient is the slice of the provider SDK the invoker needs.
// The response headers ride along because the quota gate reads them.
type completionClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, *http.Response, error)
}

type sdkClient struct {
	client openai.Client
}

func (c sdkClient) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, *http.Response, error) {
	var httpResp *http.Response
	completion, err := c.client.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpResp))
	return completion, httpResp, err
}

// InvokerConfig tunes the quota gate and retry behavior.
type InvokerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens caps the completion length.
	MaxTokens int
	// MinRemainingTokens is the floor below which the invoker waits for
	// the window to reset before calling again.
	MinRemainingTokens int
	// ResetBuffer is added to every quota wait to absorb clock skew
	// between us and the provider.
	ResetBuffer time.Duration
	// MaxAttempts bounds per-window throttle and parse retries. Daily
	// quota exhaustion is never retried.
	MaxAttempts int
	// Timeout bounds a single completion call.
	Timeout time.Duration
}

// Invoker adjudicates jobs against an OpenAI-compatible provider. It
// implements eol.Analyzer.
type Invoker struct {
	client   completionClient
	cfg      InvokerConfig
	preparer eol.ContentPreparer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger

	mu        sync.Mutex
	lastQuota *eol.QuotaSnapshot
}

// NewInvoker constructs an Invoker backed by the real provider SDK.
// SDK-internal retries are disabled; throttling policy lives here.
func NewInvoker(cfg InvokerConfig, preparer eol.ContentPreparer, logger *zap.Logger) *Invoker {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return newInvoker(sdkClient{client: openai.NewClient(opts...)}, cfg, preparer, logger)
}

func newInvoker(client completionClient, cfg InvokerConfig, preparer eol.ContentPreparer, logger *zap.Logger) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ResetBuffer <= 0 {
		cfg.ResetBuffer = 2 * time.Second
	}
	metrics.Init()
	return &Invoker{
		client:   client,
		cfg:      cfg,
		preparer: preparer,
		sleep:    sleepContext,
		logger:   logger.Named("analysis"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Analyze sends the job's evidence for adjudication and returns the
// validated verdict with the observed quota snapshot attached.
//
// Per-window throttles (429 with a reset) are waited out and retried up to
// MaxAttempts, as are unparseable responses. A daily-quota 429 aborts
// immediately; callers surface it on the job so the scheduler can stand
// down until the next day.
func (i *Invoker) Analyze(ctx context.Context, job *eol.Job) (eol.AnalysisResult, error) {
	prompt := BuildPrompt(job, i.preparer)
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(i.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
	}
	if i.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(i.cfg.MaxTokens))
	}

	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		if err := i.waitForQuota(ctx, job.ID); err != nil {
			return eol.AnalysisResult{}, err
		}

		completion, httpResp, err := i.callOnce(ctx, params)
		quota := i.recordQuota(httpResp)
		if err != nil {
			rl, fatal := i.classifyCallError(err)
			if fatal != nil {
				if eol.IsDailyQuota(fatal) {
					metrics.ObserveLLMCall("daily_limit")
				} else {
					metrics.ObserveLLMCall("error")
				}
				return eol.AnalysisResult{}, fatal
			}
			metrics.ObserveLLMCall("throttled")
			lastErr = rl
			wait := rl.ResetAfter + i.cfg.ResetBuffer
			i.logger.Warn("provider throttled, waiting for window reset",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
			if err := i.sleep(ctx, wait); err != nil {
				return eol.AnalysisResult{}, err
			}
			continue
		}

		if len(completion.Choices) == 0 {
			lastErr = &eol.ValidationError{Reason: "no completion choices"}
			continue
		}
		result, err := ParseAnalysisResponse(completion.Choices[0].Message.Content)
		if err != nil {
			metrics.ObserveLLMCall("invalid_response")
			lastErr = err
			i.logger.Warn("analysis response rejected",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if quota != nil {
			result.Quota = quota
		}
		metrics.ObserveLLMCall("ok")
		i.logger.Info("verdict produced",
			zap.String("job_id", job.ID),
			zap.String("verdict", string(result.Status)),
			zap.Int("attempt", attempt),
		)
		return result, nil
	}
	return eol.AnalysisResult{}, fmt.Errorf("analysis failed after %d attempts: %w", i.cfg.MaxAttempts, lastErr)
}

func (i *Invoker) callOnce(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, *http.Response, error) {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}
	return i.client.New(ctx, params)
}

// classifyCallError splits call failures into retryable per-window
// throttles and fatal errors (daily quota, transport, provider 5xx).
func (i *Invoker) classifyCallError(err error) (*eol.RateLimitError, error) {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	message := apiErr.Message
	if message == "" {
		message = apiErr.Error()
	}
	rl := ClassifyRateLimit(message)
	if rl.PerDay {
		return nil, rl
	}
	return rl, nil
}

// waitForQuota blocks when the previous response showed the token window
// nearly exhausted, instead of burning an attempt on a guaranteed 429.
func (i *Invoker) waitForQuota(ctx context.Context, jobID string) error {
	i.mu.Lock()
	quota := i.lastQuota
	i.mu.Unlock()
	if quota == nil || i.cfg.MinRemainingTokens <= 0 || quota.Remaining >= i.cfg.MinRemainingTokens {
		return nil
	}
	wait := time.Duration(quota.ResetSeconds*float64(time.Second)) + i.cfg.ResetBuffer
	i.logger.Info("token window low, waiting for reset",
		zap.String("job_id", jobID),
		zap.Int("remaining", quota.Remaining),
		zap.Duration("wait", wait),
	)
	if err := i.sleep(ctx, wait); err != nil {
		return err
	}
	metrics.ObserveQuotaWait(wait)
	i.mu.Lock()
	i.lastQuota = nil
	i.mu.Unlock()
	return nil
}

func (i *Invoker) recordQuota(httpResp *http.Response) *eol.QuotaSnapshot {
	if httpResp == nil {
		return nil
	}
	quota := QuotaFromHeaders(httpResp.Header)
	i.mu.Lock()
	i.lastQuota = &quota
	i.mu.Unlock()
	return &quota
}
