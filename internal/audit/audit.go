package audit

import (
	"context"
	"strings"
	"time"
)

// ActorUnknown is recorded for events that happen before a subject claim has
// been resolved to a registered identity.
const ActorUnknown = "unknown"

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Record is one append-only audit entry. Seq is assigned by the store and is
// strictly increasing; records are never mutated or deleted.
type Record struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Recorder appends records durably. Append must not return before the record
// is persisted; audit completeness is a compliance requirement.
type Recorder interface {
	Append(ctx context.Context, rec Record) (Record, error)
}

// Reader pages through the stream in sequence order for the reporting side.
type Reader interface {
	List(ctx context.Context, afterSeq uint64, limit int) ([]Record, uint64, error)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so every
// record emitted on behalf of one request can be correlated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink receives a copy of every appended record, e.g. for live streaming.
// Publish must not block.
type Sink interface {
	Publish(rec Record)
}

type fanout struct {
	next Recorder
	sink Sink
}

// WithSink mirrors every successfully appended record to sink.
func WithSink(next Recorder, sink Sink) Recorder {
	return &fanout{next: next, sink: sink}
}

func (f *fanout) Append(ctx context.Context, rec Record) (Record, error) {
	out, err := f.next.Append(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	f.sink.Publish(out)
	return out, nil
}
