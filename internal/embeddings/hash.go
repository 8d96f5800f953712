package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector size of the hash provider when none is
// configured.
const DefaultHashDimension = 256

// HashProvider is an offline, deterministic embedder: each lowercase word is
// hashed into one of dim buckets and the counts are L2-normalized. Texts that
// share rare words score high under cosine similarity, which is enough for
// local runs and tests but carries no semantics.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a hash embedder producing dim-sized vectors.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashProvider{dim: dim}
}

// EmbedDocuments implements Provider.
func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

// EmbedQuery implements Provider.
func (h *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *HashProvider) embed(text string) []float32 {
	v := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[f.Sum32()%uint32(h.dim)]++
	}
	// Keep blank or symbol-only text off the zero vector.
	v[0] += 0.01

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Dimension implements Provider.
func (h *HashProvider) Dimension() int {
	return h.dim
}

// Close implements Provider.
func (h *HashProvider) Close() error {
	return nil
}
