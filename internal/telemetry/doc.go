// Package telemetry provides OpenTelemetry tracing and metrics for pdfrag.
//
// Spans cover ingestion stages, cleanup and retrieval. Meters record stage
// durations and embedding latency. Export is OTLP over gRPC (default) or HTTP.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	defer tel.Shutdown(context.Background())
//	tracer := tel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/ingest")
//
// Failures to build a provider leave the instance degraded with no-op
// providers; the service keeps running.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
