package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a Handler that records jobs and fails according to fail.
type recorder struct {
	mu   sync.Mutex
	jobs []Job
	fail func(n int) error
}

func (r *recorder) handle(_ context.Context, job Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	n := len(r.jobs)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(n)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *recorder) all() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func TestOptions_Backoff(t *testing.T) {
	o := Options{RetryDelay: time.Second}
	o.applyDefaults()

	assert.Equal(t, time.Second, o.backoff(1))
	assert.Equal(t, 2*time.Second, o.backoff(2))
	assert.Equal(t, 4*time.Second, o.backoff(3))
	assert.Equal(t, maxRetryDelay, o.backoff(30))
}

func TestDispatcher_Verdicts(t *testing.T) {
	logger := logging.NewTestLogger()
	clock := newFakeClock()
	opts := Options{MaxAttempts: 3, RetryDelay: time.Second, Now: clock.Now, Logger: logger.Logger}
	opts.applyDefaults()
	d, err := newDispatcher("test", opts)
	require.NoError(t, err)
	defer d.drain()

	env, err := NewEnvelope(context.Background(), ingestJob(), clock.Now(), clock.Now())
	require.NoError(t, err)
	ctx := context.Background()

	succeeded := testutil.ToFloat64(JobsTotal.WithLabelValues("ingest", OutcomeSucceeded))
	assert.Equal(t, verdictAck, d.run(ctx, env, ingestJob(), func(context.Context, Job) error { return nil }))
	assert.Equal(t, succeeded+1, testutil.ToFloat64(JobsTotal.WithLabelValues("ingest", OutcomeSucceeded)))

	transient := func(context.Context, Job) error { return errors.New("qdrant unavailable") }
	assert.Equal(t, verdictRetry, d.run(ctx, env, ingestJob(), transient))
	logger.AssertLogged(t, zapcore.WarnLevel, "job failed, scheduling retry")

	next := d.retryEnvelope(env)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "ingest-batch-1#2", next.MsgID())
	assert.True(t, next.NotBefore.Equal(clock.Now().Add(time.Second)))
	assert.Equal(t, 1, env.Attempt, "original envelope is untouched")

	last := *env
	last.Attempt = 3
	assert.Equal(t, verdictDead, d.run(ctx, &last, ingestJob(), transient))

	permanent := func(context.Context, Job) error { return Permanent(errors.New("corrupt pdf")) }
	assert.Equal(t, verdictDead, d.run(ctx, env, ingestJob(), permanent))
	logger.AssertLogged(t, zapcore.ErrorLevel, "job failed permanently")
	logger.AssertField(t, "job failed permanently", "batch.id", "batch-1")
}

func TestDispatcher_HandlerContextSurvivesCancel(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()
	d, err := newDispatcher("test", opts)
	require.NoError(t, err)
	defer d.drain()

	env, err := NewEnvelope(context.Background(), ingestJob(), time.Now(), time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var handlerErr error
	d.run(ctx, env, ingestJob(), func(ctx context.Context, _ Job) error {
		handlerErr = ctx.Err()
		return nil
	})
	assert.NoError(t, handlerErr)
}

func TestDispatcher_SubmitBoundsConcurrency(t *testing.T) {
	opts := Options{Concurrency: 2}
	opts.applyDefaults()
	d, err := newDispatcher("test", opts)
	require.NoError(t, err)

	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 8; i++ {
		require.NoError(t, d.submit(func() {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	d.drain()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 0, running)
}
