package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestMetrics_RecordGeneration(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewMetrics(tel.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.RecordGeneration(ctx, "text-embedding-3-large", "embed_documents", 120*time.Millisecond, 16, nil)
	m.RecordGeneration(ctx, "text-embedding-3-large", "embed_query", 10*time.Millisecond, 1, errors.New("boom"))

	assert.Equal(t, uint64(2), tel.HistogramCount(t, "pdfrag.embedding.generation_duration_seconds"))
	assert.Equal(t, int64(1), tel.Int64Sum(t, "pdfrag.embedding.errors_total",
		attribute.String("operation", "embed_query")))
	assert.Equal(t, int64(0), tel.Int64Sum(t, "pdfrag.embedding.errors_total",
		attribute.String("operation", "embed_documents")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordGeneration(context.Background(), "m", "embed_query", time.Millisecond, 1, nil)
	})
}

func TestOpenAIProvider_RecordsMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	srv := &embeddingServer{dim: 2}
	p := newOpenAITestProvider(t, srv, OpenAIConfig{})
	p.metrics = NewMetrics(tel.Meter(instrumentationName), nil)

	_, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "")
	assert.Error(t, err)

	assert.Equal(t, uint64(2), tel.HistogramCount(t, "pdfrag.embedding.generation_duration_seconds"))
	assert.Equal(t, int64(1), tel.Int64Sum(t, "pdfrag.embedding.errors_total"))
}
