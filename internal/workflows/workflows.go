// Package workflows runs ingestion and cleanup jobs as Temporal workflows.
// It is the alternative to the queue transports: Temporal provides the
// durable delay, the retries and the at-most-one-running guarantee per
// batch through workflow ids.
package workflows

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// CleanupInput schedules a purge for NotBefore.
type CleanupInput struct {
	Job       queue.CleanupJob
	NotBefore time.Time
}

// CleanupResult reports when the purge ran, in workflow time.
type CleanupResult struct {
	PurgedAt time.Time
}

// activityOptions mirror the queue transports: five attempts with
// doubling backoff from ten seconds.
func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{permanentErrorType},
		},
	}
}

// IngestWorkflow runs the ingestion activity for one batch.
func IngestWorkflow(ctx workflow.Context, job queue.IngestJob) (*IngestOutcome, error) {
	logger := workflow.GetLogger(ctx)
	if err := job.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%v: %v", ErrInvalidInput, err), permanentErrorType, err)
	}
	logger.Info("Starting ingestion", "batch_id", job.BatchID, "file_name", job.FileName)

	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities
	var out IngestOutcome
	if err := workflow.ExecuteActivity(ctx, a.IngestBatch, job).Get(ctx, &out); err != nil {
		logger.Error("Ingestion failed", "batch_id", job.BatchID, "error", err)
		return nil, NewWorkflowError("ingest", job.BatchID, err)
	}

	logger.Info("Ingestion complete", "batch_id", job.BatchID, "chunks", out.Chunks)
	return &out, nil
}

// CleanupWorkflow sleeps until input.NotBefore, then purges the batch.
func CleanupWorkflow(ctx workflow.Context, input CleanupInput) (*CleanupResult, error) {
	logger := workflow.GetLogger(ctx)
	job := input.Job
	if err := job.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%v: %v", ErrInvalidInput, err), permanentErrorType, err)
	}

	if wait := input.NotBefore.Sub(workflow.Now(ctx)); wait > 0 {
		logger.Info("Waiting for retention window", "batch_id", job.BatchID, "wait", wait.String())
		if err := workflow.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.PurgeBatch, job).Get(ctx, nil); err != nil {
		logger.Error("Cleanup failed", "batch_id", job.BatchID, "error", err)
		return nil, NewWorkflowError("cleanup", job.BatchID, err)
	}

	logger.Info("Batch purged", "batch_id", job.BatchID)
	return &CleanupResult{PurgedAt: workflow.Now(ctx)}, nil
}
