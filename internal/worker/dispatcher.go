// Package worker routes dequeued jobs to the ingestion and cleanup workers.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/ingest"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"go.uber.org/zap"
)

// IngestProcessor runs ingest jobs.
type IngestProcessor interface {
	Process(ctx context.Context, job queue.IngestJob) (ingest.Result, error)
}

// CleanupProcessor runs cleanup jobs.
type CleanupProcessor interface {
	Process(ctx context.Context, job queue.CleanupJob) error
}

// Dispatcher is a queue.Handler over the closed set of job kinds.
type Dispatcher struct {
	ingest  IngestProcessor
	cleanup CleanupProcessor
	logger  *logging.Logger
}

// NewDispatcher returns a Dispatcher. logger may be nil.
func NewDispatcher(ing IngestProcessor, cl CleanupProcessor, logger *logging.Logger) (*Dispatcher, error) {
	if ing == nil || cl == nil {
		return nil, errors.New("worker: ingest and cleanup processors are required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{ingest: ing, cleanup: cl, logger: logger.Named("worker")}, nil
}

// Handle implements queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	switch j := job.(type) {
	case queue.IngestJob:
		res, err := d.ingest.Process(ctx, j)
		if err != nil {
			return err
		}
		d.logger.Debug(ctx, "ingest job done", zap.Int("chunks", res.Chunks))
		return nil
	case queue.CleanupJob:
		return d.cleanup.Process(ctx, j)
	default:
		return queue.Permanent(fmt.Errorf("%w: %T", queue.ErrUnknownJob, job))
	}
}

// Run consumes from c until ctx is cancelled.
func Run(ctx context.Context, c queue.Consumer, d *Dispatcher) error {
	d.logger.Info(ctx, "worker started")
	err := c.Consume(ctx, d.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error(ctx, "worker stopped", zap.Error(err))
		return err
	}
	d.logger.Info(ctx, "worker stopped")
	return nil
}
