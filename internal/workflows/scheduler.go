package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// DefaultTaskQueue is used when the configuration names none.
const DefaultTaskQueue = "pdfrag-jobs"

// starter is the part of client.Client the scheduler needs.
type starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Scheduler starts one workflow per job. It implements queue.Producer.
// Workflow ids are the job keys, so enqueuing the same job twice while its
// workflow runs is a no-op.
type Scheduler struct {
	client    starter
	taskQueue string
	now       func() time.Time
	logger    *logging.Logger
}

// NewScheduler returns a Scheduler on taskQueue. logger may be nil.
func NewScheduler(c client.Client, taskQueue string, logger *logging.Logger) *Scheduler {
	return newScheduler(c, taskQueue, time.Now, logger)
}

func newScheduler(c starter, taskQueue string, now func() time.Time, logger *logging.Logger) *Scheduler {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{client: c, taskQueue: taskQueue, now: now, logger: logger.Named("temporal")}
}

// Enqueue implements queue.Producer.
func (s *Scheduler) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", queue.ErrInvalidJob)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:        job.Key(),
		TaskQueue: s.taskQueue,
	}

	var run client.WorkflowRun
	var err error
	switch j := job.(type) {
	case queue.IngestJob:
		if delay > 0 {
			opts.StartDelay = delay
		}
		run, err = s.client.ExecuteWorkflow(ctx, opts, IngestWorkflow, j)
	case queue.CleanupJob:
		run, err = s.client.ExecuteWorkflow(ctx, opts, CleanupWorkflow, CleanupInput{
			Job:       j,
			NotBefore: s.now().Add(delay),
		})
	default:
		return fmt.Errorf("%w: %T", queue.ErrUnknownJob, job)
	}
	if err != nil {
		return fmt.Errorf("starting %s workflow: %w", job.Kind(), err)
	}

	s.logger.Debug(ctx, "workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.Duration("delay", delay))
	return nil
}

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker registers the job workflows and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities, concurrency int) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	w.RegisterWorkflow(IngestWorkflow)
	w.RegisterWorkflow(CleanupWorkflow)
	w.RegisterActivity(acts)
	return w
}
