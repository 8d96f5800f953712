package embeddings

import (
	"testing"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensionFor(t *testing.T) {
	tests := []struct {
		model string
		want  int
		ok    bool
	}{
		{"text-embedding-3-large", 3072, true},
		{"text-embedding-3-small", 1536, true},
		{"text-embedding-ada-002", 1536, true},
		{"BAAI/bge-small-en-v1.5", 384, true},
		{"BAAI/bge-base-en-v1.5", 768, true},
		{"unknown-model", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := DimensionFor(tt.model)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_OpenAI(t *testing.T) {
	cfg := config.Default().Embeddings
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.IsType(t, &OpenAIProvider{}, p)
	assert.Equal(t, 3072, p.Dimension())
}

func TestNew_OpenAIExplicitDimension(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Model = "nomic-embed-text"
	_, err := New(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Dimension = 768
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
}

func TestNew_Hash(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Provider = "hash"
	cfg.Dimension = 0
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultHashDimension, p.Dimension())

	cfg.Dimension = 48
	p, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 48, p.Dimension())
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Provider = "tei"
	_, err := New(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
