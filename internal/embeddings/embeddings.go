package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider maps text to vectors.
type Provider interface {
	// EmbedDocuments returns one vector per text, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of every returned vector.
	Dimension() int

	Close() error
}

// knownDimensions lists output sizes for remote models.
var knownDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// DimensionFor returns the embedding size of model, or false if unknown.
func DimensionFor(model string) (int, bool) {
	if d, ok := knownDimensions[model]; ok {
		return d, true
	}
	return fastEmbedModelDimension(model)
}

// New builds the provider selected by cfg. meter may be nil.
func New(cfg config.EmbeddingsConfig, meter metric.Meter, logger *logging.Logger) (Provider, error) {
	metrics := NewMetrics(meter, logger)

	switch cfg.Provider {
	case "openai", "":
		dim := cfg.Dimension
		if dim == 0 {
			var ok bool
			if dim, ok = DimensionFor(cfg.Model); !ok {
				return nil, fmt.Errorf("%w: unknown dimension for model %q, set embeddings.dimension", ErrInvalidConfig, cfg.Model)
			}
		}
		return NewOpenAIProvider(OpenAIConfig{
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout,
		}, metrics)
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "hash":
		dim := cfg.Dimension
		if dim == 0 {
			dim = DefaultHashDimension
		}
		return NewHashProvider(dim), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
