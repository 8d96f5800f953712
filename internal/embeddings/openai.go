package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// OpenAIProvider embeds text through any OpenAI-compatible /embeddings
// endpoint via langchaingo.
type OpenAIProvider struct {
	embedder  lcembeddings.Embedder
	model     string
	dimension int
	timeout   time.Duration
	metrics   *Metrics
}

// NewOpenAIProvider creates the provider. metrics may be nil.
func NewOpenAIProvider(cfg OpenAIConfig, metrics *Metrics) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}

	// langchaingo requires a token; local OpenAI-compatible servers ignore it.
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedOpts := []lcembeddings.Option{lcembeddings.WithStripNewLines(false)}
	if cfg.BatchSize > 0 {
		embedOpts = append(embedOpts, lcembeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := lcembeddings.NewEmbedder(client, embedOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAIProvider{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		timeout:   cfg.Timeout,
		metrics:   metrics,
	}, nil
}

func (p *OpenAIProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// EmbedDocuments implements Provider.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vectors, err = p.embedder.EmbedDocuments(callCtx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != p.dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrEmbeddingFailed, i, len(v), p.dimension)
		}
	}
	return vectors, nil
}

// EmbedQuery implements Provider.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vector, err = p.embedder.EmbedQuery(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("%w: query vector has dimension %d, want %d", ErrEmbeddingFailed, len(vector), p.dimension)
	}
	return vector, nil
}

// Dimension implements Provider.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op; the client is plain HTTP.
func (p *OpenAIProvider) Close() error {
	return nil
}
