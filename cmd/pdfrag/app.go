package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/blobstore"
	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/embeddings"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"github.com/fyrsmithlabs/pdfrag/internal/telemetry"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
	"github.com/fyrsmithlabs/pdfrag/internal/workflows"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pdfrag/cmd/pdfrag"

// app holds the infrastructure shared by the API and the workers.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	blobs    blobstore.Store
	index    vectorstore.Index
	embedder embeddings.Provider

	// producer is always set. consumer is nil for the temporal backend,
	// where temporal is set instead.
	producer queue.Producer
	consumer queue.Consumer
	temporal client.Client

	closers []func() error
}

// newApp loads configuration and connects every backend it names. On error
// whatever was already opened is closed again.
func newApp(ctx context.Context, path string) (_ *app, err error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logCfg, err := logging.FromAppConfig(cfg.Logging, cfg.Telemetry.Enabled)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, tel: tel}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	a.blobs, err = blobstore.Open(ctx, cfg.Blob, cfg.Queue.Retention, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	a.closers = append(a.closers, a.blobs.Close)

	a.embedder, err = embeddings.New(cfg.Embeddings, tel.Meter(instrumentationName), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.closers = append(a.closers, a.embedder.Close)

	a.index, err = vectorstore.Open(cfg.VectorStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)
	if err := a.index.EnsureCollection(ctx, a.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare collection %q: %w", cfg.VectorStore.Collection, err)
	}

	if cfg.Queue.Backend == "temporal" {
		c, err := workflows.Dial(cfg.Queue.Temporal)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		a.temporal = c
		a.producer = workflows.NewScheduler(c, cfg.Queue.Temporal.TaskQueue, logger)
	} else {
		q, err := queue.Open(ctx, cfg.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open job queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		a.producer = q
		a.consumer = q
	}

	logger.Info(ctx, "dependencies initialized",
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("collection", cfg.VectorStore.Collection),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Int("dimension", a.embedder.Dimension()),
		zap.Duration("retention", cfg.Queue.Retention))
	return a, nil
}

// close releases backends in reverse order of opening, then flushes
// telemetry and the logger.
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(ctx, "error closing dependencies", zap.Error(err))
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
