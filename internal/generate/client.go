package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/generate"

var (
	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid generation config")

	// ErrEmptyCompletion is returned when the model produced no usable
	// text. Treated as transient: the next attempt may succeed.
	ErrEmptyCompletion = errors.New("model returned an empty completion")
)

// Config holds LLM client configuration.
type Config struct {
	// BaseURL is the OpenAI-compatible API endpoint.
	// For OpenAI: https://api.openai.com/v1
	// For a local server (ollama, vllm): http://localhost:11434/v1
	BaseURL string

	// Model is the chat model to request.
	Model string

	// APIKey authenticates the endpoint. Optional for local servers.
	APIKey string

	// RequestsPerSecond and Burst bound the request rate.
	RequestsPerSecond float64
	Burst             int

	// Temperature is the default sampling temperature when a request
	// does not set its own.
	Temperature float64

	// MaxTokens caps completion length.
	MaxTokens int

	// MaxRetries is the number of extra attempts after a transient
	// failure; BaseBackoff seeds the exponential backoff between them.
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultConfig returns sensible client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o-mini",
		RequestsPerSecond: 2,
		Burst:             4,
		Temperature:       0.2,
		MaxTokens:         4096,
		MaxRetries:        2,
		BaseBackoff:       500 * time.Millisecond,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second cannot be negative", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature out of range: %v", ErrInvalidConfig, c.Temperature)
	}
	return nil
}

// applyDefaults fills zero-valued tuning knobs.
func (c *Config) applyDefaults() {
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
}

// CompletionRequest is one prompt pair sent to the model.
type CompletionRequest struct {
	// System sets the system message; empty omits it.
	System string

	// Prompt is the user message. Required.
	Prompt string

	// Temperature applies when >= 0; negative falls back to the
	// configured default.
	Temperature float64

	// MaxTokens overrides the configured cap when positive.
	MaxTokens int
}

// Completer produces one completion per request. *Client implements it;
// generators depend on this interface so tests can substitute fakes.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// contentModel is the slice of langchaingo's model surface the client
// uses.
type contentModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Client is a rate-limited completion client over an OpenAI-compatible
// endpoint. Transient failures (rate limits, server errors, truncated
// responses) are retried with exponential backoff.
type Client struct {
	config  Config
	llm     contentModel
	limiter *rate.Limiter
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	completionsCounter metric.Int64Counter
	retriesCounter     metric.Int64Counter
}

// NewClient creates a completion client for the configured endpoint.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local servers ignore it
		apiKey = "unused"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	return newClient(cfg, llm, logger), nil
}

// newClient wires a client around an existing model.
func newClient(cfg Config, llm contentModel, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	c := &Client{
		config:  cfg,
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	c.initMetrics()

	return c
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Client) initMetrics() {
	var err error

	c.completionsCounter, err = c.meter.Int64Counter(
		"containerassist.generate.completions_total",
		metric.WithDescription("Total number of completion requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		c.logger.Warn("failed to create completions counter", zap.Error(err))
	}

	c.retriesCounter, err = c.meter.Int64Counter(
		"containerassist.generate.completion_retries_total",
		metric.WithDescription("Total number of completion retries after transient failures"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create retries counter", zap.Error(err))
	}
}

// Complete sends one prompt pair and returns the model's text.
//
// The call waits on the rate limiter first, then retries transient
// failures up to MaxRetries times with exponential backoff. Context
// cancellation interrupts both the wait and the backoff.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "generate.complete")
	defer span.End()

	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = c.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}

	span.SetAttributes(
		attribute.String("generate.model", c.config.Model),
		attribute.Float64("generate.temperature", temperature),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if c.retriesCounter != nil {
				c.retriesCounter.Add(ctx, 1)
			}
		}

		text, err := c.completeOnce(ctx, messages, opts)
		if err == nil {
			if c.completionsCounter != nil {
				c.completionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
			}
			return text, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return "", c.fail(ctx, span, err)
		}
		c.logger.Warn("completion attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return "", c.fail(ctx, span, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// completeOnce performs a single model call.
func (c *Client) completeOnce(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	resp, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// fail records the terminal error on the span and metrics.
func (c *Client) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if c.completionsCounter != nil {
		c.completionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
	}
	return err
}

// isRetryable reports whether a completion error is worth another
// attempt. Context cancellation never is; rate limits, server errors,
// and connection failures are.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"status code: 429",
		"status code: 5",
		"rate limit",
		"timeout",
		"connection refused",
		"connection reset",
		"unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
