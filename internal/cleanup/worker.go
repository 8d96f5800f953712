// Package cleanup purges a batch once its retention window has passed.
package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/blobstore"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Worker deletes the vector records and the blob of a batch. Deletion is
// idempotent: a missing blob or an empty match is not an error.
type Worker struct {
	blobs  blobstore.Store
	index  vectorstore.Index
	logger *logging.Logger
	tracer trace.Tracer
}

// New returns a cleanup worker. logger may be nil.
func New(blobs blobstore.Store, index vectorstore.Index, logger *logging.Logger) (*Worker, error) {
	if blobs == nil {
		return nil, errors.New("cleanup: blob store is required")
	}
	if index == nil {
		return nil, errors.New("cleanup: vector index is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Worker{
		blobs:  blobs,
		index:  index,
		logger: logger.Named("cleanup"),
		tracer: otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/cleanup"),
	}, nil
}

// WithTracer replaces the tracer used for purge spans.
func (w *Worker) WithTracer(t trace.Tracer) *Worker {
	w.tracer = t
	return w
}

// Process purges job's batch. Vector records go first so that a failed
// blob delete never leaves searchable chunks behind a missing file.
func (w *Worker) Process(ctx context.Context, job queue.CleanupJob) (err error) {
	ctx = logging.WithBatchID(logging.WithOwnerID(ctx, job.OwnerID), job.BatchID)
	ctx, span := w.tracer.Start(ctx, "cleanup.Process", trace.WithAttributes(
		attribute.String("batch.id", job.BatchID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.logger.Error(ctx, "batch cleanup failed",
				zap.String("batch_id", job.BatchID),
				zap.String("blob_key", job.BlobKey),
				zap.Error(err))
		}
		span.End()
	}()

	if err := job.Validate(); err != nil {
		return queue.Permanent(err)
	}

	if err := w.index.DeleteBatch(ctx, job.OwnerID, job.BatchID); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}

	blobDeleted := false
	if job.BlobKey != "" {
		if err := w.blobs.Delete(ctx, job.BlobKey); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("deleting blob %s: %w", job.BlobKey, err)
		}
		blobDeleted = true
	}

	w.logger.Info(ctx, "batch purged",
		zap.String("batch_id", job.BatchID),
		zap.String("file_name", job.FileName),
		zap.String("blob_key", job.BlobKey),
		zap.Bool("blob_deleted", blobDeleted))
	return nil
}
