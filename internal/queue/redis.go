package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	envelopeField       = "envelope"
	defaultRedisPrefix  = "pdfrag"
	defaultPollInterval = time.Second
	defaultClaimIdle    = 5 * time.Minute
	promoteBatch        = 100
)

// promoteScript moves due members of the delayed set onto the stream.
// KEYS[1] delayed zset, KEYS[2] stream; ARGV[1] now (unix ms), ARGV[2] limit.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'envelope', m)
	redis.call('ZREM', KEYS[1], m)
end
return #due
`)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	// Prefix namespaces all keys.
	Prefix string
	// Group is the consumer group name.
	Group string
	// Consumer names this process within the group. Defaults to host-pid-random.
	Consumer string
	// PollInterval bounds each blocking read and the delayed-set poll.
	PollInterval time.Duration
	// ClaimIdle is how long a delivery may stay pending before another
	// consumer claims it.
	ClaimIdle time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.Group == "" {
		c.Group = c.Prefix + "-workers"
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = defaultClaimIdle
	}
}

// RedisQueue is a Queue on Redis Streams with a consumer group. Delayed jobs
// wait in a sorted set scored by due time and are promoted onto the stream
// by consumers. Dead jobs are pushed onto a list.
type RedisQueue struct {
	client  *redis.Client
	cfg     RedisConfig
	opts    Options
	ownsCli bool
	closed  atomic.Bool
}

// NewRedisQueue wraps client. The queue closes client on Close only when
// owned is true.
func NewRedisQueue(client *redis.Client, cfg RedisConfig, opts Options, owned bool) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.applyDefaults()
	opts.applyDefaults()
	return &RedisQueue{client: client, cfg: cfg, opts: opts, ownsCli: owned}, nil
}

// StreamKey holds ready jobs.
func (q *RedisQueue) StreamKey() string { return q.cfg.Prefix + ":jobs" }

// DelayedKey holds jobs not yet due.
func (q *RedisQueue) DelayedKey() string { return q.cfg.Prefix + ":delayed" }

// DeadKey holds dead-lettered jobs.
func (q *RedisQueue) DeadKey() string { return q.cfg.Prefix + ":dead" }

// Enqueue implements Producer.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if q.closed.Load() {
		return ErrClosed
	}
	now := q.opts.Now()
	env, err := NewEnvelope(ctx, job, now, now.Add(delay))
	if err != nil {
		return err
	}
	if err := q.push(ctx, env); err != nil {
		return err
	}
	EnqueuedTotal.WithLabelValues(string(env.Kind), "redis").Inc()
	return nil
}

// push adds env to the stream when due, otherwise to the delayed set.
func (q *RedisQueue) push(ctx context.Context, env *Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if env.Due(q.opts.Now()) {
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.StreamKey(),
			Values: map[string]interface{}{envelopeField: raw},
		}).Err(); err != nil {
			return fmt.Errorf("xadd: %w", err)
		}
		return nil
	}
	if err := q.client.ZAdd(ctx, q.DelayedKey(), redis.Z{
		Score:  float64(env.NotBefore.UnixMilli()),
		Member: string(raw),
	}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// Promote moves due delayed jobs onto the stream and returns how many moved.
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.DelayedKey(), q.StreamKey()},
		q.opts.Now().UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.StreamKey(), q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Consume implements Consumer.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	d, err := newDispatcher("redis", q.opts)
	if err != nil {
		return err
	}
	defer d.drain()

	d.logger.Info(ctx, "consuming jobs",
		zap.String("stream", q.StreamKey()),
		zap.String("group", q.cfg.Group),
		zap.String("consumer", q.cfg.Consumer),
		zap.Int("concurrency", q.opts.Concurrency))

	claimStart := "0-0"
	for ctx.Err() == nil {
		if _, err := q.Promote(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn(ctx, "promote failed", zap.Error(err))
		}

		claimed, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.StreamKey(),
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    claimStart,
			Count:    int64(q.opts.Concurrency),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn(ctx, "xautoclaim failed", zap.Error(err))
		} else {
			claimStart = next
			for _, m := range claimed {
				q.deliver(ctx, d, m, h)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.StreamKey(), ">"},
			Count:    int64(q.opts.Concurrency),
			Block:    q.cfg.PollInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			d.logger.Warn(ctx, "xreadgroup failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}
		for _, st := range streams {
			for _, m := range st.Messages {
				q.deliver(ctx, d, m, h)
			}
		}
	}
	return nil
}

func messageBytes(m redis.XMessage) ([]byte, bool) {
	switch v := m.Values[envelopeField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

func (q *RedisQueue) deliver(ctx context.Context, d *dispatcher, m redis.XMessage, h Handler) {
	raw, ok := messageBytes(m)
	if !ok {
		d.reject(ctx, nil, fmt.Errorf("stream entry %s has no envelope", m.ID))
		q.finish(ctx, d, m.ID, nil)
		return
	}
	env, job, err := Decode(raw)
	if err != nil {
		d.reject(ctx, env, err)
		q.finish(ctx, d, m.ID, raw)
		return
	}

	if !env.Due(q.opts.Now()) {
		JobsTotal.WithLabelValues(string(env.Kind), OutcomeDeferred).Inc()
		if err := q.push(ctx, env); err != nil {
			d.logger.Warn(ctx, "failed to defer job", zap.String("job_id", env.ID), zap.Error(err))
			return
		}
		q.finish(ctx, d, m.ID, nil)
		return
	}

	err = d.submit(func() {
		v := d.run(ctx, env, job, h)
		q.settle(ctx, d, m.ID, env, raw, v)
	})
	if err != nil {
		// Left pending; XAUTOCLAIM picks it up after ClaimIdle.
		d.logger.Error(ctx, "failed to submit job", zap.String("job_id", env.ID), zap.Error(err))
	}
}

func (q *RedisQueue) settle(ctx context.Context, d *dispatcher, id string, env *Envelope, raw []byte, v verdict) {
	ctx = context.WithoutCancel(ctx)
	switch v {
	case verdictAck:
		q.finish(ctx, d, id, nil)
	case verdictRetry:
		if err := q.push(ctx, d.retryEnvelope(env)); err != nil {
			d.logger.Warn(ctx, "failed to schedule retry, leaving pending", zap.String("job_id", env.ID), zap.Error(err))
			return
		}
		q.finish(ctx, d, id, nil)
	case verdictDead:
		q.finish(ctx, d, id, raw)
	}
}

// finish acknowledges and deletes a stream entry, dead-lettering dead when set.
func (q *RedisQueue) finish(ctx context.Context, d *dispatcher, id string, dead []byte) {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if dead != nil {
			p.LPush(ctx, q.DeadKey(), string(dead))
		}
		p.XAck(ctx, q.StreamKey(), q.cfg.Group, id)
		p.XDel(ctx, q.StreamKey(), id)
		return nil
	})
	if err != nil {
		d.logger.Warn(ctx, "ack failed, job may run again", zap.String("entry_id", id), zap.Error(err))
	}
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.ownsCli {
		return q.client.Close()
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
