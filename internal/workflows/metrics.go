package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/pdfrag/internal/workflows"

// Metrics for job activities
var (
	activityCounter      metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityCounter, err = meter.Int64Counter(
		"pdfrag.workflows.activity.executions",
		metric.WithDescription("Total number of job activity executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"pdfrag.workflows.activity.duration",
		metric.WithDescription("Duration of job activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"pdfrag.workflows.activity.errors",
		metric.WithDescription("Number of job activity errors, labeled by whether they are retried"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordActivity(ctx context.Context, activity string, start time.Time, err error, permanent bool) {
	attrs := metric.WithAttributes(attribute.String("activity", activity))
	activityCounter.Add(ctx, 1, attrs)
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("activity", activity),
			attribute.Bool("permanent", permanent),
		))
	}
}
