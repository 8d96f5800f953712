package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/chunking"
	"github.com/fyrsmithlabs/pdfrag/internal/cleanup"
	"github.com/fyrsmithlabs/pdfrag/internal/generation"
	httpserver "github.com/fyrsmithlabs/pdfrag/internal/http"
	"github.com/fyrsmithlabs/pdfrag/internal/ingest"
	"github.com/fyrsmithlabs/pdfrag/internal/pdftext"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/upload"
	"github.com/fyrsmithlabs/pdfrag/internal/worker"
	"github.com/fyrsmithlabs/pdfrag/internal/workflows"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// run starts the API, the workers, or both, and blocks until ctx is
// cancelled or one of them fails.
func run(ctx context.Context, api, workers bool) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if a.cfg.Queue.NATS.Embedded && a.cfg.Queue.Backend == "nats" && !(api && workers) {
		a.logger.Warn(ctx, "embedded NATS is private to this process; run 'pdfrag all' or point queue.nats.url at a shared server")
	}

	g, ctx := errgroup.WithContext(ctx)
	if workers {
		if err := startWorkers(ctx, g, a); err != nil {
			return err
		}
	}
	if api {
		if err := startAPI(ctx, g, a); err != nil {
			return err
		}
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error(ctx, "pdfrag stopped with error", zap.Error(err))
		return err
	}
	a.logger.Info(context.WithoutCancel(ctx), "pdfrag shutdown complete")
	return nil
}

func startAPI(ctx context.Context, g *errgroup.Group, a *app) error {
	gen, err := generation.New(a.cfg.Generation, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}
	asks := retrieval.New(a.embedder, a.index, gen, retrieval.OptionsFromConfig(a.cfg.Retrieval), a.logger).
		WithTracer(a.tel.Tracer(instrumentationName))
	uploads := upload.New(a.blobs, a.producer, upload.Options{
		KeyPrefix: a.cfg.Blob.KeyPrefix,
		Retention: a.cfg.Queue.Retention,
	}, a.logger)

	srv, err := httpserver.NewServer(httpserver.Deps{
		Uploads: uploads,
		Asks:    asks,
		Checks: map[string]httpserver.HealthCheck{
			"vectorstore": a.index.Health,
			"telemetry": func(context.Context) error {
				if h := a.tel.Health(); !h.Healthy {
					return fmt.Errorf("telemetry unhealthy: %v", h.Reasons)
				}
				return nil
			},
		},
		Meter: a.tel.Meter(instrumentationName),
	}, a.logger, a.cfg.Server)
	if err != nil {
		return err
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func startWorkers(ctx context.Context, g *errgroup.Group, a *app) error {
	extractor, err := pdftext.New(a.cfg.PDF.ToolPath,
		pdftext.WithTempDir(a.cfg.PDF.TempDir),
		pdftext.WithTimeout(a.cfg.PDF.Timeout))
	if err != nil {
		return err
	}
	splitter, err := chunking.New(chunking.Options{Size: a.cfg.Chunking.Size, Overlap: a.cfg.Chunking.Overlap})
	if err != nil {
		return err
	}
	ing, err := ingest.New(ingest.Config{
		Blobs:     a.blobs,
		Extractor: extractor,
		Splitter:  splitter,
		Embedder:  a.embedder,
		Index:     a.index,
		Logger:    a.logger,
		Meter:     a.tel.Meter(instrumentationName),
		Tracer:    a.tel.Tracer(instrumentationName),
	})
	if err != nil {
		return err
	}
	cl, err := cleanup.New(a.blobs, a.index, a.logger)
	if err != nil {
		return err
	}
	cl = cl.WithTracer(a.tel.Tracer(instrumentationName))

	if a.temporal != nil {
		w := workflows.NewWorker(a.temporal, a.cfg.Queue.Temporal.TaskQueue,
			&workflows.Activities{Ingest: ing, Cleanup: cl}, a.cfg.Queue.Concurrency)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start temporal worker: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			w.Stop()
			return nil
		})
		return nil
	}

	d, err := worker.NewDispatcher(ing, cl, a.logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return worker.Run(ctx, a.consumer, d) })
	return nil
}
