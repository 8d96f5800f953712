package ingest

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pdfrag/internal/ingest"

type metrics struct {
	stageDuration metric.Float64Histogram
	batches       metric.Int64Counter
	chunks        metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	ctx := context.Background()
	m := &metrics{}

	var err error
	m.stageDuration, err = meter.Float64Histogram(
		"pdfrag.ingest.stage_duration_seconds",
		metric.WithDescription("Duration of each ingestion state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create stage duration histogram", zap.Error(err))
	}

	m.batches, err = meter.Int64Counter(
		"pdfrag.ingest.batches_total",
		metric.WithDescription("Ingested batches by outcome (indexed, empty, failed)"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create batches counter", zap.Error(err))
	}

	m.chunks, err = meter.Int64Counter(
		"pdfrag.ingest.chunks_total",
		metric.WithDescription("Chunks written to the vector index"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create chunks counter", zap.Error(err))
	}
	return m
}

func (m *metrics) stage(ctx context.Context, s State, d time.Duration, failed bool) {
	if m.stageDuration != nil {
		m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("state", string(s)),
			attribute.Bool("failed", failed),
		))
	}
}

func (m *metrics) batch(ctx context.Context, outcome string, chunks int) {
	if m.batches != nil {
		m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if chunks > 0 && m.chunks != nil {
		m.chunks.Add(ctx, int64(chunks))
	}
}
