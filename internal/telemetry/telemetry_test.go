package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func metricAttr(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledWithInMemoryExporter(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false
	exp := tracetest.NewInMemoryExporter()

	tel, err := New(context.Background(), cfg, WithSpanExporter(exp))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := tel.Tracer("test").Start(context.Background(), "ingest.embed")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "ingest.embed", spans[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.True(t, tel.Health().Degraded)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure", func(c *Config) { c.Enabled = true }, false},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"http scheme loopback", func(c *Config) {
			c.Enabled = true
			c.Protocol = "http/protobuf"
			c.Endpoint = "http://127.0.0.1:4318"
		}, false},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "collector.example.com:4317"
			c.Insecure = false
		}, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:       true,
		Endpoint:      "otel:4318",
		Protocol:      "http/protobuf",
		TLSSkipVerify: true,
		ServiceName:   "pdfrag-worker",
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "otel:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.True(t, cfg.TLSSkipVerify)
	assert.Equal(t, "pdfrag-worker", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "retrieval.search")
	span.SetAttributes(attribute.Int("k", 5), attribute.Bool("fallback", false))
	span.End()

	counter, err := tt.Meter("test").Int64Counter("pdfrag.chunks")
	require.NoError(t, err)
	counter.Add(ctx, 3, metricAttr("ingest"))
	counter.Add(ctx, 4, metricAttr("ingest"))
	counter.Add(ctx, 1, metricAttr("other"))

	hist, err := tt.Meter("test").Float64Histogram("pdfrag.embed.duration")
	require.NoError(t, err)
	hist.Record(ctx, 0.2)
	hist.Record(ctx, 0.4)

	tt.AssertSpanExists(t, "retrieval.search")
	tt.AssertSpanAttribute(t, "retrieval.search", "k", int64(5))
	tt.AssertSpanAttribute(t, "retrieval.search", "fallback", false)
	assert.Equal(t, int64(7), tt.Int64Sum(t, "pdfrag.chunks", attribute.String("kind", "ingest")))
	assert.Equal(t, int64(8), tt.Int64Sum(t, "pdfrag.chunks"))
	assert.Equal(t, uint64(2), tt.HistogramCount(t, "pdfrag.embed.duration"))
}
