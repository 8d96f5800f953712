package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	jobSubjectPrefix     = "pdfrag.jobs."
	delayedSubjectPrefix = "pdfrag.delayed."
	deadSubjectPrefix    = "pdfrag.dead."

	defaultStream       = "PDFRAG_JOBS"
	defaultDurable      = "pdfrag-workers"
	defaultAckWait      = 5 * time.Minute
	defaultMaxDeferral  = time.Hour
	defaultFetchWait    = time.Second
	defaultMaxScheduled = 100_000
	schedulerBatch      = 256
	publishTimeout      = 5 * time.Second
)

// JobSubject is the subject jobs of kind k are published on.
func JobSubject(k Kind) string { return jobSubjectPrefix + string(k) }

// DelayedSubject holds jobs of kind k that are not yet due.
func DelayedSubject(k Kind) string { return delayedSubjectPrefix + string(k) }

// DeadSubject is the subject dead-lettered jobs of kind k are published on.
func DeadSubject(k Kind) string { return deadSubjectPrefix + string(k) }

// JetStreamConfig configures a JetStreamQueue.
type JetStreamConfig struct {
	Stream  string
	Durable string
	// AckWait is how long a delivery may stay unacknowledged. Running
	// handlers extend it with progress acks.
	AckWait time.Duration
	// MaxDeferral caps a single delayed-delivery nak. Jobs due further out
	// are redelivered and deferred again until due.
	MaxDeferral time.Duration
	// FetchWait bounds each pull request.
	FetchWait time.Duration
	// MaxScheduled bounds how many delayed jobs the scheduler consumer may
	// hold deferred at once.
	MaxScheduled int
}

func (c *JetStreamConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Durable == "" {
		c.Durable = defaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.MaxDeferral <= 0 {
		c.MaxDeferral = defaultMaxDeferral
	}
	if c.FetchWait <= 0 {
		c.FetchWait = defaultFetchWait
	}
	if c.MaxScheduled <= 0 {
		c.MaxScheduled = defaultMaxScheduled
	}
}

// JetStreamQueue is a Queue on a NATS JetStream work-queue stream.
//
// Jobs that are not yet due go to a delayed subject read by a separate
// scheduler consumer. It naks them until due and then republishes them on the
// work subject, so parked jobs never hold the work consumer's ack-pending
// slots.
type JetStreamQueue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	cfg     JetStreamConfig
	opts    Options
	closed  atomic.Bool
	onClose []func()
}

// NewJetStreamQueue creates the stream if missing. The queue does not own
// nc unless OwnConn is called.
func NewJetStreamQueue(nc *nats.Conn, cfg JetStreamConfig, opts Options) (*JetStreamQueue, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	cfg.applyDefaults()
	opts.applyDefaults()

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if err := ensureStream(js, cfg.Stream); err != nil {
		return nil, err
	}
	return &JetStreamQueue{nc: nc, js: js, cfg: cfg, opts: opts}, nil
}

var streamSubjects = []string{jobSubjectPrefix + ">", delayedSubjectPrefix + ">", deadSubjectPrefix + ">"}

func ensureStream(js nats.JetStreamContext, name string) error {
	info, err := js.StreamInfo(name)
	if err == nil {
		if slices.Equal(info.Config.Subjects, streamSubjects) {
			return nil
		}
		// Streams created before the delayed subject existed.
		cfg := info.Config
		cfg.Subjects = streamSubjects
		if _, err := js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   streamSubjects,
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// OwnConn makes Close also close the connection and run extra, in order.
func (q *JetStreamQueue) OwnConn(extra ...func()) {
	q.onClose = append([]func(){q.nc.Close}, extra...)
}

// Enqueue implements Producer.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if q.closed.Load() {
		return ErrClosed
	}
	now := q.opts.Now()
	env, err := NewEnvelope(ctx, job, now, now.Add(delay))
	if err != nil {
		return err
	}
	if err := q.publish(ctx, q.subjectFor(env, now), env, env.MsgID()); err != nil {
		return err
	}
	EnqueuedTotal.WithLabelValues(string(env.Kind), "nats").Inc()
	return nil
}

// subjectFor routes env to the work subject when due and to the delayed
// subject otherwise.
func (q *JetStreamQueue) subjectFor(env *Envelope, now time.Time) string {
	if env.Due(now) {
		return JobSubject(env.Kind)
	}
	return DelayedSubject(env.Kind)
}

func (q *JetStreamQueue) publish(ctx context.Context, subject string, env *Envelope, msgID string) error {
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume implements Consumer. It returns nil when ctx is cancelled, after
// in-flight handlers finish.
func (q *JetStreamQueue) Consume(ctx context.Context, h Handler) error {
	sub, err := q.js.PullSubscribe(jobSubjectPrefix+"*", q.cfg.Durable,
		nats.BindStream(q.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxAckPending(q.opts.Concurrency*4),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.cfg.Stream, err)
	}

	sched, err := q.js.PullSubscribe(delayedSubjectPrefix+"*", q.cfg.Durable+"-scheduler",
		nats.BindStream(q.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxAckPending(q.cfg.MaxScheduled),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s scheduler: %w", q.cfg.Stream, err)
	}

	d, err := newDispatcher("nats", q.opts)
	if err != nil {
		return err
	}
	defer d.drain()

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		q.schedule(schedCtx, d, sched)
	}()
	defer func() {
		stopSched()
		<-schedDone
	}()

	d.logger.Info(ctx, "consuming jobs",
		zap.String("stream", q.cfg.Stream),
		zap.String("durable", q.cfg.Durable),
		zap.Int("concurrency", q.opts.Concurrency))

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(q.opts.Concurrency, nats.MaxWait(q.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return err
			}
			d.logger.Warn(ctx, "fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.cfg.FetchWait):
			}
			continue
		}
		for _, m := range msgs {
			q.deliver(ctx, d, m, h)
		}
	}
	return nil
}

func (q *JetStreamQueue) deliver(ctx context.Context, d *dispatcher, m *nats.Msg, h Handler) {
	env, job, err := Decode(m.Data)
	if err != nil {
		d.reject(ctx, env, err)
		q.deadLetter(ctx, d, env, m.Data)
		_ = m.Term()
		return
	}

	if !env.Due(q.opts.Now()) {
		// Published on the work subject ahead of time; park it.
		if err := q.publish(ctx, DelayedSubject(env.Kind), env, env.MsgID()+"@parked"); err != nil {
			d.logger.Warn(ctx, "failed to park early job", zap.String("job_id", env.ID), zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
		return
	}

	err = d.submit(func() {
		stop := q.heartbeat(m)
		v := d.run(ctx, env, job, h)
		stop()
		q.settle(ctx, d, m, env, v)
	})
	if err != nil {
		d.logger.Error(ctx, "failed to submit job", zap.String("job_id", env.ID), zap.Error(err))
		_ = m.Nak()
	}
}

// heartbeat keeps m from being redelivered while its handler runs.
func (q *JetStreamQueue) heartbeat(m *nats.Msg) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(q.cfg.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = m.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func (q *JetStreamQueue) settle(ctx context.Context, d *dispatcher, m *nats.Msg, env *Envelope, v verdict) {
	ctx = context.WithoutCancel(ctx)
	switch v {
	case verdictAck:
		if err := m.Ack(); err != nil {
			d.logger.Warn(ctx, "ack failed, job may run again", zap.String("job_id", env.ID), zap.Error(err))
		}
	case verdictRetry:
		next := d.retryEnvelope(env)
		if err := q.publish(ctx, q.subjectFor(next, q.opts.Now()), next, next.MsgID()); err != nil {
			d.logger.Warn(ctx, "failed to schedule retry, redelivering", zap.String("job_id", env.ID), zap.Error(err))
			_ = m.NakWithDelay(d.opts.backoff(env.Attempt))
			return
		}
		_ = m.Ack()
	case verdictDead:
		q.deadLetter(ctx, d, env, m.Data)
		_ = m.Term()
	}
}

// schedule reads the delayed subject until ctx is cancelled, deferring jobs
// that are not yet due and promoting due ones to the work subject.
func (q *JetStreamQueue) schedule(ctx context.Context, d *dispatcher, sub *nats.Subscription) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(schedulerBatch, nats.MaxWait(q.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			d.logger.Warn(ctx, "scheduler fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.cfg.FetchWait):
			}
			continue
		}
		for _, m := range msgs {
			q.promote(ctx, d, m)
		}
	}
}

func (q *JetStreamQueue) promote(ctx context.Context, d *dispatcher, m *nats.Msg) {
	env, _, err := Decode(m.Data)
	if err != nil {
		d.reject(ctx, env, err)
		q.deadLetter(ctx, d, env, m.Data)
		_ = m.Term()
		return
	}

	now := q.opts.Now()
	if !env.Due(now) {
		delay := env.NotBefore.Sub(now)
		if delay > q.cfg.MaxDeferral {
			delay = q.cfg.MaxDeferral
		}
		JobsTotal.WithLabelValues(string(env.Kind), OutcomeDeferred).Inc()
		if err := m.NakWithDelay(delay); err != nil {
			d.logger.Warn(ctx, "failed to defer job", zap.String("job_id", env.ID), zap.Error(err))
		}
		return
	}

	// The delayed copy already used env.MsgID inside the dedup window.
	if err := q.publish(ctx, JobSubject(env.Kind), env, env.MsgID()+"@due"); err != nil {
		d.logger.Warn(ctx, "failed to promote due job", zap.String("job_id", env.ID), zap.Error(err))
		_ = m.NakWithDelay(q.cfg.FetchWait)
		return
	}
	_ = m.Ack()
}

func (q *JetStreamQueue) deadLetter(ctx context.Context, d *dispatcher, env *Envelope, raw []byte) {
	kind := Kind("unknown")
	if env != nil && env.Kind != "" {
		kind = env.Kind
	}
	msg := nats.NewMsg(DeadSubject(kind))
	msg.Data = raw
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		d.logger.Warn(ctx, "failed to dead-letter job", zap.Error(err))
	}
}

// Close implements Queue.
func (q *JetStreamQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	for _, fn := range q.onClose {
		fn()
	}
	return nil
}

var _ Queue = (*JetStreamQueue)(nil)
