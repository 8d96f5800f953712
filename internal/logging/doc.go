// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - correlation fields pulled from context (trace_id, request.id,
//     owner.id, batch.id, job.kind)
//   - secret redaction by field name and value pattern
//   - per-level sampling (errors are never sampled)
//
// # Usage
//
//	cfg, err := logging.FromAppConfig(appCfg.Logging, appCfg.Telemetry.Enabled)
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	defer logger.Sync()
//
//	ctx = logging.WithOwnerID(ctx, ownerID)
//	ctx = logging.WithBatchID(ctx, batchID)
//	logger.Info(ctx, "upload accepted", zap.Int("files", n))
//
// produces
//
//	{"level":"info","ts":"...","msg":"upload accepted","service":"pdfrag",
//	 "owner.id":"user-1","batch.id":"0192...","files":2}
//
// Context setters silently ignore values that are empty, longer than 128
// bytes or that contain whitespace or control characters, since owner and
// request IDs come straight from HTTP headers.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	svc := upload.New(..., tl.Logger)
//	tl.AssertLogged(t, zapcore.InfoLevel, "upload accepted")
//	tl.AssertField(t, "upload accepted", "files", 2)
package logging
