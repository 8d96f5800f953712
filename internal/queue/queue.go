package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/queue")

// Handler processes one job. The context is not cancelled when the consumer
// shuts down; a dequeued job runs to completion.
type Handler func(ctx context.Context, job Job) error

// Producer enqueues jobs. A positive delay defers delivery by that long.
type Producer interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Consumer delivers due jobs to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Queue is a transport that both produces and consumes.
type Queue interface {
	Producer
	Consumer
	Close() error
}

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 5
	defaultRetryDelay  = 10 * time.Second
	maxRetryDelay      = 10 * time.Minute
)

// Options holds settings shared by all transports.
type Options struct {
	// Concurrency bounds the number of handlers running at once.
	Concurrency int
	// MaxAttempts is how many times a failing job runs before it is dead-lettered.
	MaxAttempts int
	// RetryDelay is the base backoff; it doubles per attempt.
	RetryDelay time.Duration
	// Now is the clock used for delays. Defaults to time.Now.
	Now    func() time.Time
	Logger *logging.Logger
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// backoff returns the delay before attempt+1 runs.
func (o *Options) backoff(attempt int) time.Duration {
	d := o.RetryDelay
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// verdict is what a transport must do with a delivery after the handler ran.
type verdict int

const (
	verdictAck verdict = iota
	verdictRetry
	verdictDead
)

// dispatcher runs handlers on a bounded pool and classifies their results.
type dispatcher struct {
	opts    Options
	backend string
	pool    *ants.Pool
	wg      sync.WaitGroup
	logger  *logging.Logger
}

func newDispatcher(backend string, opts Options) (*dispatcher, error) {
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, err
	}
	return &dispatcher{
		opts:    opts,
		backend: backend,
		pool:    pool,
		logger:  opts.Logger.Named("queue").With(zap.String("backend", backend)),
	}, nil
}

// submit runs fn on the pool, blocking while all workers are busy.
func (d *dispatcher) submit(fn func()) error {
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		fn()
	})
	if err != nil {
		d.wg.Done()
	}
	return err
}

// drain waits for in-flight handlers and releases the pool.
func (d *dispatcher) drain() {
	d.wg.Wait()
	d.pool.Release()
}

// run invokes h for a due job and decides the delivery's fate.
func (d *dispatcher) run(ctx context.Context, env *Envelope, job Job, h Handler) verdict {
	ctx = context.WithoutCancel(env.Context(ctx))
	owner, batch := identify(job)
	ctx = logging.WithJobKind(ctx, string(env.Kind))
	ctx = logging.WithBatchID(logging.WithOwnerID(ctx, owner), batch)
	ctx, span := tracer.Start(ctx, "queue.handle", trace.WithAttributes(
		attribute.String("job.kind", string(env.Kind)),
		attribute.String("job.id", env.ID),
		attribute.Int("job.attempt", env.Attempt),
		attribute.String("queue.backend", d.backend),
	))
	defer span.End()

	start := time.Now()
	err := h(ctx, job)
	JobDuration.WithLabelValues(string(env.Kind)).Observe(time.Since(start).Seconds())

	if err == nil {
		JobsTotal.WithLabelValues(string(env.Kind), OutcomeSucceeded).Inc()
		return verdictAck
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsPermanent(err) || env.Attempt >= d.opts.MaxAttempts {
		JobsTotal.WithLabelValues(string(env.Kind), OutcomeDead).Inc()
		d.logger.Error(ctx, "job failed permanently",
			zap.String("job_id", env.ID),
			zap.Int("attempt", env.Attempt),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err))
		return verdictDead
	}

	JobsTotal.WithLabelValues(string(env.Kind), OutcomeRetried).Inc()
	d.logger.Warn(ctx, "job failed, scheduling retry",
		zap.String("job_id", env.ID),
		zap.Int("attempt", env.Attempt),
		zap.Duration("backoff", d.opts.backoff(env.Attempt)),
		zap.Error(err))
	return verdictRetry
}

// retryEnvelope returns the envelope for the next attempt of env.
func (d *dispatcher) retryEnvelope(env *Envelope) *Envelope {
	next := *env
	next.NotBefore = d.opts.Now().Add(d.opts.backoff(env.Attempt)).UTC()
	next.Attempt = env.Attempt + 1
	return &next
}

// reject records a delivery that could not be decoded.
func (d *dispatcher) reject(ctx context.Context, env *Envelope, err error) {
	JobsTotal.WithLabelValues(kindLabel(env), OutcomeRejected).Inc()
	fields := []zap.Field{zap.Error(err)}
	if env != nil {
		fields = append(fields, zap.String("job_id", env.ID))
	}
	d.logger.Error(ctx, "rejecting undecodable job", fields...)
}

func identify(job Job) (owner, batch string) {
	switch j := job.(type) {
	case IngestJob:
		return j.OwnerID, j.BatchID
	case CleanupJob:
		return j.OwnerID, j.BatchID
	}
	return "", ""
}
