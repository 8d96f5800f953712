package workflows

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/ingest"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
)

// IngestProcessor runs the ingestion state machine for one batch.
type IngestProcessor interface {
	Process(ctx context.Context, job queue.IngestJob) (ingest.Result, error)
}

// CleanupProcessor purges one batch.
type CleanupProcessor interface {
	Process(ctx context.Context, job queue.CleanupJob) error
}

// IngestOutcome is the activity result recorded in workflow history.
type IngestOutcome struct {
	Pages  int
	Chunks int
}

// Activities runs jobs inside Temporal activities. Register a pointer with
// the worker; workflows refer to the methods through a nil *Activities.
type Activities struct {
	Ingest  IngestProcessor
	Cleanup CleanupProcessor
}

// IngestBatch runs the ingestion worker.
func (a *Activities) IngestBatch(ctx context.Context, job queue.IngestJob) (IngestOutcome, error) {
	start := time.Now()
	res, err := a.Ingest.Process(ctx, job)
	recordActivity(ctx, "ingest", start, err, queue.IsPermanent(err))
	if err != nil {
		return IngestOutcome{}, activityError("ingest", err)
	}
	return IngestOutcome{Pages: res.Pages, Chunks: res.Chunks}, nil
}

// PurgeBatch runs the cleanup worker.
func (a *Activities) PurgeBatch(ctx context.Context, job queue.CleanupJob) error {
	start := time.Now()
	err := a.Cleanup.Process(ctx, job)
	recordActivity(ctx, "cleanup", start, err, queue.IsPermanent(err))
	return activityError("cleanup", err)
}
