// Package queue is the at-least-once job transport between the upload
// coordinator and the background workers.
//
// A Job is one of IngestJob or CleanupJob. Producers enqueue jobs with an
// optional delay; consumers hand each due job to a Handler on a bounded
// goroutine pool. A handler error schedules a retry with the attempt counter
// bumped, until MaxAttempts is reached and the job is dead-lettered. Errors
// wrapped with Permanent are dead-lettered immediately.
//
// Two transports are provided: NATS JetStream (JetStreamQueue, optionally
// against an embedded server) and Redis Streams (RedisQueue).
package queue
