// Package ingest implements the ingestion worker: it turns an uploaded PDF
// into owner-tagged vector records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/blobstore"
	"github.com/fyrsmithlabs/pdfrag/internal/chunking"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/pdftext"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Extractor returns the text of each page of a PDF.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]pdftext.Page, error)
}

// Embedder maps chunk texts to vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Result summarizes one ingestion run.
type Result struct {
	BatchID string
	State   State
	Pages   int
	Chunks  int
}

// Config holds the worker's collaborators.
type Config struct {
	Blobs     blobstore.Store
	Extractor Extractor
	Splitter  *chunking.Splitter
	Embedder  Embedder
	Index     vectorstore.Index
	Logger    *logging.Logger
	Meter     metric.Meter
	Tracer    trace.Tracer
	// StageTimeout bounds each network-bound state. Zero means no limit.
	StageTimeout time.Duration
}

// Worker runs the Fetching, Parsing, Splitting, Embedding, Upserting
// sequence for ingest jobs. It is safe for concurrent use.
type Worker struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	ensured bool
}

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Blobs == nil:
		return nil, errors.New("ingest: blob store is required")
	case cfg.Extractor == nil:
		return nil, errors.New("ingest: extractor is required")
	case cfg.Splitter == nil:
		return nil, errors.New("ingest: splitter is required")
	case cfg.Embedder == nil:
		return nil, errors.New("ingest: embedder is required")
	case cfg.Index == nil:
		return nil, errors.New("ingest: vector index is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	logger := cfg.Logger.Named("ingest")
	return &Worker{cfg: cfg, logger: logger, metrics: newMetrics(cfg.Meter, logger), tracer: cfg.Tracer}, nil
}

// Process ingests one batch. Errors are *StageError values; failures that
// redelivery cannot fix are also marked queue.Permanent.
func (w *Worker) Process(ctx context.Context, job queue.IngestJob) (Result, error) {
	ctx = logging.WithBatchID(logging.WithOwnerID(ctx, job.OwnerID), job.BatchID)
	ctx, span := w.tracer.Start(ctx, "ingest.Process", trace.WithAttributes(
		attribute.String("batch.id", job.BatchID),
		attribute.String("file.name", job.FileName),
	))
	defer span.End()

	res, err := w.process(ctx, job)
	if err != nil {
		res.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.batch(ctx, "failed", 0)

		var se *StageError
		state := StateFailed
		if errors.As(err, &se) {
			state = se.State
		}
		w.logger.Error(ctx, "ingestion failed",
			zap.String("batch_id", job.BatchID),
			zap.String("file_name", job.FileName),
			zap.String("state", string(state)),
			zap.Error(err))
		return res, err
	}

	res.State = StateDone
	span.SetAttributes(attribute.Int("chunks", res.Chunks))
	return res, nil
}

func (w *Worker) process(ctx context.Context, job queue.IngestJob) (Result, error) {
	res := Result{BatchID: job.BatchID}
	if err := job.Validate(); err != nil {
		return res, queue.Permanent(&StageError{State: StateFetching, Err: err})
	}

	var data []byte
	err := w.stage(ctx, StateFetching, true, func(ctx context.Context) error {
		var err error
		data, err = w.cfg.Blobs.Get(ctx, job.BlobKey)
		return err
	})
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return res, queue.Permanent(err)
		}
		return res, err
	}

	var pages []pdftext.Page
	err = w.stage(ctx, StateParsing, false, func(ctx context.Context) error {
		var err error
		pages, err = w.cfg.Extractor.Extract(ctx, data)
		return err
	})
	if err != nil {
		if errors.Is(err, pdftext.ErrNotPDF) {
			return res, queue.Permanent(err)
		}
		return res, err
	}
	res.Pages = len(pages)

	var chunks []chunking.Chunk
	_ = w.stage(ctx, StateSplitting, false, func(context.Context) error {
		segments := make([]chunking.Segment, len(pages))
		for i, p := range pages {
			segments[i] = chunking.Segment{Page: p.Number, Text: p.Text}
		}
		chunks = w.cfg.Splitter.Split(segments)
		return nil
	})
	res.Chunks = len(chunks)

	if len(chunks) == 0 {
		w.metrics.batch(ctx, "empty", 0)
		w.logger.Info(ctx, "no extractable text, nothing to index",
			zap.String("batch_id", job.BatchID),
			zap.String("file_name", job.FileName),
			zap.Int("pages", res.Pages))
		return res, nil
	}

	var vectors [][]float32
	err = w.stage(ctx, StateEmbedding, true, func(ctx context.Context) error {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		var err error
		vectors, err = w.cfg.Embedder.EmbedDocuments(ctx, texts)
		if err == nil && len(vectors) != len(chunks) {
			err = fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
		}
		return err
	})
	if err != nil {
		return res, err
	}

	err = w.stage(ctx, StateUpserting, true, func(ctx context.Context) error {
		if err := w.ensureCollection(ctx); err != nil {
			return err
		}
		records := make([]vectorstore.Record, len(chunks))
		for i, c := range chunks {
			records[i] = vectorstore.Record{
				OwnerID:        job.OwnerID,
				BatchID:        job.BatchID,
				SourceFileName: job.FileName,
				PageNumber:     c.Page,
				SequenceIndex:  c.Index,
				Text:           c.Text,
				Vector:         vectors[i],
			}
		}
		return w.cfg.Index.Upsert(ctx, records)
	})
	if err != nil {
		return res, err
	}

	w.metrics.batch(ctx, "indexed", len(chunks))
	w.logger.Info(ctx, "batch indexed",
		zap.String("batch_id", job.BatchID),
		zap.String("file_name", job.FileName),
		zap.Int("pages", res.Pages),
		zap.Int("chunks", len(chunks)))
	return res, nil
}

// stage runs fn as state s, wrapping any failure in a StageError.
func (w *Worker) stage(ctx context.Context, s State, bounded bool, fn func(context.Context) error) error {
	ctx, span := w.tracer.Start(ctx, "ingest."+string(s))
	defer span.End()
	w.logger.Debug(ctx, "entering state", zap.String("state", string(s)))

	if bounded && w.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	w.metrics.stage(ctx, s, time.Since(start), err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{State: s, Err: err}
	}
	return nil
}

// ensureCollection creates the collection once per worker. Failures are
// retried on the next job.
func (w *Worker) ensureCollection(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ensured {
		return nil
	}
	if err := w.cfg.Index.EnsureCollection(ctx, w.cfg.Embedder.Dimension()); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	w.ensured = true
	return nil
}
