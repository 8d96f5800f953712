package workflows

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"go.temporal.io/sdk/temporal"
)

// permanentErrorType marks application errors that Temporal must not retry.
const permanentErrorType = "PermanentJobError"

// ErrInvalidInput indicates workflow input validation failed.
var ErrInvalidInput = errors.New("invalid workflow input")

// WorkflowError represents a failed step of a job workflow.
type WorkflowError struct {
	Operation string // "ingest" or "cleanup"
	BatchID   string
	Err       error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s failed for batch %s: %s", e.Operation, e.BatchID, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error.
func NewWorkflowError(operation, batchID string, err error) *WorkflowError {
	return &WorkflowError{Operation: operation, BatchID: batchID, Err: err}
}

// activityError converts a job error into what Temporal understands:
// queue.Permanent errors become non-retryable application errors.
func activityError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if queue.IsPermanent(err) {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %v", operation, err), permanentErrorType, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
