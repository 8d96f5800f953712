package vectorstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/vectorstore")

var (
	// OperationsTotal counts index operations.
	// Labels: backend (qdrant, chromem), op, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfrag",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector index operations",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks index operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfrag",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// observe starts a span for op and returns a func that ends it, recording
// err on both the span and the prometheus series.
func observe(ctx context.Context, backend, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "vectorstore."+op,
		trace.WithAttributes(append(attrs, attribute.String("backend", backend))...))
	return ctx, func(errp *error) {
		result := "success"
		if errp != nil && *errp != nil {
			result = "error"
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		OperationsTotal.WithLabelValues(backend, op, result).Inc()
		OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
		span.End()
	}
}
