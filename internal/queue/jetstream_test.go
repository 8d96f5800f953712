package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestJetStream starts an embedded JetStream server and connects to it.
func startTestJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func newTestJetStreamQueue(t *testing.T, nc *nats.Conn, opts Options) *JetStreamQueue {
	t.Helper()
	q, err := NewJetStreamQueue(nc, JetStreamConfig{
		AckWait:     5 * time.Second,
		MaxDeferral: 50 * time.Millisecond,
		FetchWait:   100 * time.Millisecond,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// runConsumer runs c in the background until the test ends.
func runConsumer(t *testing.T, c Consumer, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("consumer did not stop")
		}
	})
}

func TestJetStreamQueue_DeliversImmediateJob(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{Concurrency: 2})

	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))

	rec := &recorder{}
	runConsumer(t, q, rec.handle)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, ingestJob(), rec.all()[0])

	info, err := q.js.StreamInfo(defaultStream)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		info, err = q.js.StreamInfo(defaultStream)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 20*time.Millisecond, "acked job leaves the work queue")
}

func TestJetStreamQueue_DeduplicatesEnqueue(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{})

	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))
	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))

	info, err := q.js.StreamInfo(defaultStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestJetStreamQueue_DelayedDelivery(t *testing.T) {
	nc := startTestJetStream(t)
	clock := newFakeClock()
	q := newTestJetStreamQueue(t, nc, Options{Now: clock.Now})

	deferred := testutil.ToFloat64(JobsTotal.WithLabelValues("cleanup", OutcomeDeferred))
	require.NoError(t, q.Enqueue(context.Background(), cleanupJob(), 24*time.Hour))

	rec := &recorder{}
	runConsumer(t, q, rec.handle)

	clock.Advance(24*time.Hour - time.Second)
	assert.Never(t, func() bool { return rec.count() > 0 }, 500*time.Millisecond, 20*time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(JobsTotal.WithLabelValues("cleanup", OutcomeDeferred)), deferred)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, cleanupJob(), rec.all()[0])
}

func TestJetStreamQueue_ParkedJobsDoNotBlockImmediateJobs(t *testing.T) {
	nc := startTestJetStream(t)
	q, err := NewJetStreamQueue(nc, JetStreamConfig{
		AckWait:     5 * time.Second,
		MaxDeferral: time.Hour,
		FetchWait:   100 * time.Millisecond,
	}, Options{Concurrency: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	// More parked jobs than the work consumer's ack-pending budget.
	for i := range 4*q.opts.Concurrency + 2 {
		job := cleanupJob()
		job.BatchID = fmt.Sprintf("batch-parked-%d", i)
		require.NoError(t, q.Enqueue(context.Background(), job, 24*time.Hour))
	}

	rec := &recorder{}
	runConsumer(t, q, rec.handle)

	// Let the scheduler take and defer every parked job first.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, ingestJob(), rec.all()[0])
}

func TestJetStreamQueue_RoutesBySchedule(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{})

	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))
	require.NoError(t, q.Enqueue(context.Background(), cleanupJob(), time.Hour))

	_, err := q.js.GetLastMsg(defaultStream, JobSubject(KindIngest))
	assert.NoError(t, err)
	_, err = q.js.GetLastMsg(defaultStream, DelayedSubject(KindCleanup))
	assert.NoError(t, err)
	_, err = q.js.GetLastMsg(defaultStream, JobSubject(KindCleanup))
	assert.ErrorIs(t, err, nats.ErrMsgNotFound)
}

func TestEnsureStream_AddsDelayedSubjectToExistingStream(t *testing.T) {
	nc := startTestJetStream(t)
	js, err := nc.JetStream()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      defaultStream,
		Subjects:  []string{jobSubjectPrefix + ">", deadSubjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
	})
	require.NoError(t, err)

	require.NoError(t, ensureStream(js, defaultStream))

	info, err := js.StreamInfo(defaultStream)
	require.NoError(t, err)
	assert.Contains(t, info.Config.Subjects, delayedSubjectPrefix+">")
}

func TestJetStreamQueue_RetriesThenSucceeds(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{RetryDelay: 10 * time.Millisecond, MaxAttempts: 5})

	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))

	rec := &recorder{fail: func(n int) error {
		if n < 3 {
			return errors.New("embedding service timeout")
		}
		return nil
	}}
	runConsumer(t, q, rec.handle)

	require.Eventually(t, func() bool { return rec.count() == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return rec.count() > 3 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestJetStreamQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{RetryDelay: 10 * time.Millisecond, MaxAttempts: 2})

	require.NoError(t, q.Enqueue(context.Background(), ingestJob(), 0))

	rec := &recorder{fail: func(int) error { return errors.New("always fails") }}
	runConsumer(t, q, rec.handle)

	require.Eventually(t, func() bool {
		_, err := q.js.GetLastMsg(defaultStream, DeadSubject(KindIngest))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestJetStreamQueue_PermanentErrorIsNotRetried(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{RetryDelay: 10 * time.Millisecond})

	require.NoError(t, q.Enqueue(context.Background(), cleanupJob(), 0))

	rec := &recorder{fail: func(int) error { return Permanent(errors.New("bad payload")) }}
	runConsumer(t, q, rec.handle)

	require.Eventually(t, func() bool {
		_, err := q.js.GetLastMsg(defaultStream, DeadSubject(KindCleanup))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return rec.count() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestJetStreamQueue_RejectsUndecodableMessages(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{})

	_, err := q.js.Publish(JobSubject(KindIngest), []byte("not an envelope"))
	require.NoError(t, err)

	rec := &recorder{}
	runConsumer(t, q, rec.handle)

	require.Eventually(t, func() bool {
		m, err := q.js.GetLastMsg(defaultStream, DeadSubject("unknown"))
		return err == nil && string(m.Data) == "not an envelope"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestJetStreamQueue_EnqueueValidatesAndClose(t *testing.T) {
	nc := startTestJetStream(t)
	q := newTestJetStreamQueue(t, nc, Options{})

	err := q.Enqueue(context.Background(), IngestJob{BatchID: "b"}, 0)
	assert.ErrorIs(t, err, ErrInvalidJob)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), ingestJob(), 0), ErrClosed)
	assert.True(t, nc.IsConnected(), "queue does not own the connection")
}

func TestNewJetStreamQueue_RequiresConn(t *testing.T) {
	_, err := NewJetStreamQueue(nil, JetStreamConfig{}, Options{})
	assert.Error(t, err)
}
