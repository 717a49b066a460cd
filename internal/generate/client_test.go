package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type fakeModel struct {
	calls    int
	messages [][]llms.MessageContent
	temps    []float64
	fn       func(call int) (*llms.ContentResponse, error)
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.messages = append(f.messages, messages)

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	f.temps = append(f.temps, opts.Temperature)

	if f.fn != nil {
		return f.fn(f.calls)
	}
	return textResponse("FROM alpine:3.20"), nil
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text}},
	}
}

func newTestClient(t *testing.T, cfg Config, model *fakeModel) *Client {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	require.NoError(t, cfg.Validate())
	return newClient(cfg, model, zap.NewNop())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	missing := cfg
	missing.BaseURL = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidConfig)

	missing = cfg
	missing.Model = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidConfig)

	bad := cfg
	bad.Temperature = 3
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, float64(2), cfg.RequestsPerSecond)
	assert.Equal(t, 0.2, cfg.Temperature)
	assert.Equal(t, 4096, cfg.MaxTokens)
}

func TestClient_Complete(t *testing.T) {
	model := &fakeModel{}
	c := newTestClient(t, DefaultConfig(), model)

	text, err := c.Complete(context.Background(), CompletionRequest{
		System: "you write dockerfiles",
		Prompt: "write one",
	})
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine:3.20", text)

	require.Equal(t, 1, model.calls)
	require.Len(t, model.messages[0], 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0][0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[0][1].Role)
}

func TestClient_CompleteRequiresPrompt(t *testing.T) {
	c := newTestClient(t, DefaultConfig(), &fakeModel{})

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt is required")
}

func TestClient_CompleteOmitsEmptySystem(t *testing.T) {
	model := &fakeModel{}
	c := newTestClient(t, DefaultConfig(), model)

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "write one"})
	require.NoError(t, err)
	require.Len(t, model.messages[0], 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[0][0].Role)
}

func TestClient_TemperatureHandling(t *testing.T) {
	model := &fakeModel{}
	cfg := DefaultConfig()
	cfg.Temperature = 0.2
	c := newTestClient(t, cfg, model)
	ctx := context.Background()

	_, err := c.Complete(ctx, CompletionRequest{Prompt: "p", Temperature: 0.9})
	require.NoError(t, err)
	_, err = c.Complete(ctx, CompletionRequest{Prompt: "p", Temperature: -1})
	require.NoError(t, err)
	_, err = c.Complete(ctx, CompletionRequest{Prompt: "p", Temperature: 0})
	require.NoError(t, err)

	require.Len(t, model.temps, 3)
	assert.Equal(t, 0.9, model.temps[0])
	assert.Equal(t, 0.2, model.temps[1]) // negative falls back to configured default
	assert.Equal(t, 0.0, model.temps[2]) // zero is a real temperature
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		fn: func(call int) (*llms.ContentResponse, error) {
			if call == 1 {
				return nil, errors.New("API returned unexpected status code: 429")
			}
			return textResponse("ok"), nil
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseBackoff = time.Millisecond
	c := newTestClient(t, cfg, model)

	text, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, model.calls)
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	model := &fakeModel{
		fn: func(int) (*llms.ContentResponse, error) {
			return nil, errors.New("API returned unexpected status code: 401")
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseBackoff = time.Millisecond
	c := newTestClient(t, cfg, model)

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 1, model.calls)
	assert.NotContains(t, err.Error(), "max retries")
}

func TestClient_ExhaustsRetries(t *testing.T) {
	model := &fakeModel{
		fn: func(int) (*llms.ContentResponse, error) {
			return nil, errors.New("API returned unexpected status code: 503")
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseBackoff = time.Millisecond
	c := newTestClient(t, cfg, model)

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 3, model.calls) // first try plus two retries
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestClient_EmptyCompletionIsRetried(t *testing.T) {
	model := &fakeModel{
		fn: func(call int) (*llms.ContentResponse, error) {
			if call == 1 {
				return &llms.ContentResponse{}, nil
			}
			return textResponse("late but present"), nil
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.BaseBackoff = time.Millisecond
	c := newTestClient(t, cfg, model)

	text, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "late but present", text)
	assert.Equal(t, 2, model.calls)
}

func TestClient_PersistentlyEmptyCompletionFails(t *testing.T) {
	model := &fakeModel{
		fn: func(int) (*llms.ContentResponse, error) {
			return textResponse("   "), nil
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.BaseBackoff = time.Millisecond
	c := newTestClient(t, cfg, model)

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestClient_CancellationInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeModel{
		fn: func(int) (*llms.ContentResponse, error) {
			cancel()
			return nil, errors.New("API returned unexpected status code: 503")
		},
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseBackoff = time.Hour
	c := newTestClient(t, cfg, model)

	start := time.Now()
	_, err := c.Complete(ctx, CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, model.calls)
}

func TestClient_RateLimiterSpacesRequests(t *testing.T) {
	model := &fakeModel{}
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 20
	cfg.Burst = 1
	c := newTestClient(t, cfg, model)
	ctx := context.Background()

	start := time.Now()
	_, err := c.Complete(ctx, CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	_, err = c.Complete(ctx, CompletionRequest{Prompt: "p"})
	require.NoError(t, err)

	// 20 rps with burst 1 forces ~50ms between the two calls
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(errors.New("API returned unexpected status code: 400")))

	assert.True(t, isRetryable(ErrEmptyCompletion))
	assert.True(t, isRetryable(errors.New("API returned unexpected status code: 429")))
	assert.True(t, isRetryable(errors.New("API returned unexpected status code: 500")))
	assert.True(t, isRetryable(errors.New("Post \"http://localhost:11434/v1\": connection refused")))
	assert.True(t, isRetryable(errors.New("request timeout exceeded")))
}
