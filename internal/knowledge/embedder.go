package knowledge

import (
	"context"
	"fmt"

	fastembed "github.com/anush008/fastembed-go"
	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultOpenAIModel    = "text-embedding-3-small"
	defaultFastembedModel = "BAAI/bge-small-en-v1.5"
)

// embedder pairs the two embedding spaces chromem needs: a query
// function handed to the collection and a batch document function used
// to precompute embeddings before AddDocuments.
type embedder struct {
	query     chromem.EmbeddingFunc
	documents func(ctx context.Context, texts []string) ([][]float32, error)
	close     func() error
}

func newEmbedder(cfg Config) (embedder, error) {
	switch cfg.Embedder {
	case "openai":
		return newOpenAIEmbedder(cfg)
	case "fastembed":
		return newFastembedEmbedder(cfg)
	default:
		return embedder{}, fmt.Errorf("unsupported embedder: %s (supported: openai, fastembed)", cfg.Embedder)
	}
}

// newOpenAIEmbedder targets any OpenAI-compatible embeddings endpoint.
// Local servers such as TEI ignore the token, so a placeholder keeps
// the client happy when none is configured.
func newOpenAIEmbedder(cfg Config) (embedder, error) {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		token = "unused"
	}

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return embedder{}, fmt.Errorf("failed to create openai client: %w", err)
	}
	impl, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return embedder{}, fmt.Errorf("failed to create openai embedder: %w", err)
	}

	return embedder{
		query: func(ctx context.Context, text string) ([]float32, error) {
			return impl.EmbedQuery(ctx, text)
		},
		documents: func(ctx context.Context, texts []string) ([][]float32, error) {
			return impl.EmbedDocuments(ctx, texts)
		},
	}, nil
}

// newFastembedEmbedder runs ONNX models locally. Queries and passages
// are embedded in their respective spaces, which matters for the
// asymmetric BGE models.
func newFastembedEmbedder(cfg Config) (embedder, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultFastembedModel
	}
	model, ok := fastembedModels[modelName]
	if !ok {
		return embedder{}, fmt.Errorf("unsupported fastembed model: %s", modelName)
	}

	showProgress := false
	impl, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cfg.CacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return embedder{}, fmt.Errorf("failed to initialize fastembed model %s: %w", modelName, err)
	}

	return embedder{
		query: func(_ context.Context, text string) ([]float32, error) {
			return impl.QueryEmbed(text)
		},
		documents: func(_ context.Context, texts []string) ([][]float32, error) {
			return impl.PassageEmbed(texts, 256)
		},
		close: func() error {
			return impl.Destroy()
		},
	}, nil
}

var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}
