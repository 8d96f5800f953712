package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// Envelope wraps a job on the wire.
type Envelope struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	NotBefore  time.Time         `json:"notBefore"`
	Trace      map[string]string `json:"trace,omitempty"`
	Data       json.RawMessage   `json:"data"`
}

// MsgID is the transport deduplication id; each retry gets a fresh one.
func (e *Envelope) MsgID() string {
	return e.ID + "#" + strconv.Itoa(e.Attempt)
}

// Due reports whether the envelope may be handled at now.
func (e *Envelope) Due(now time.Time) bool {
	return !now.Before(e.NotBefore)
}

var propagator = propagation.TraceContext{}

// NewEnvelope wraps job for delivery at notBefore, carrying the trace context
// of ctx so consumer spans link to the enqueuing request.
func NewEnvelope(ctx context.Context, job Job, now, notBefore time.Time) (*Envelope, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job: %w", job.Kind(), err)
	}
	if notBefore.Before(now) {
		notBefore = now
	}
	env := &Envelope{
		ID:         job.Key(),
		Kind:       job.Kind(),
		Attempt:    1,
		EnqueuedAt: now.UTC(),
		NotBefore:  notBefore.UTC(),
		Data:       data,
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) > 0 {
		env.Trace = carrier
	}
	return env, nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Context returns ctx carrying the trace context stored in the envelope.
func (e *Envelope) Context(ctx context.Context) context.Context {
	if len(e.Trace) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(e.Trace))
}

// Job decodes the payload into its variant. Unknown kinds and invalid
// payloads are permanent errors.
func (e *Envelope) Job() (Job, error) {
	var job Job
	switch e.Kind {
	case KindIngest:
		var j IngestJob
		if err := json.Unmarshal(e.Data, &j); err != nil {
			return nil, Permanent(fmt.Errorf("decode ingest job: %w", err))
		}
		job = j
	case KindCleanup:
		var j CleanupJob
		if err := json.Unmarshal(e.Data, &j); err != nil {
			return nil, Permanent(fmt.Errorf("decode cleanup job: %w", err))
		}
		job = j
	default:
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownJob, e.Kind))
	}
	if err := job.Validate(); err != nil {
		return nil, Permanent(err)
	}
	return job, nil
}

// Decode parses raw bytes into an envelope and its job.
func Decode(raw []byte) (*Envelope, Job, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	job, err := env.Job()
	if err != nil {
		return &env, nil, err
	}
	return &env, job, nil
}
