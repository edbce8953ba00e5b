// Package audit defines the append-only event stream recording rejected,
// flagged and completed analysis requests.
//
// Events never carry transcript text or length: inputs are identified by a
// keyed BLAKE3 fingerprint so operators can correlate repeated submissions
// without retaining content.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// EventType is the stable taxonomy of audit events.
	EventType string

	// Event is a single audit record.
	Event struct {
		// ID uniquely identifies the event.
		ID string `json:"id" bson:"_id" cbor:"id"`
		// Type classifies the event.
		Type EventType `json:"type" bson:"type" cbor:"type"`
		// Time is when the event was recorded (UTC).
		Time time.Time `json:"time" bson:"time" cbor:"time"`
		// SessionID is the caller session when known.
		SessionID string `json:"sessionId,omitempty" bson:"session_id,omitempty" cbor:"session_id,omitempty"`
		// RequestID correlates the event with a protocol request.
		RequestID string `json:"requestId,omitempty" bson:"request_id,omitempty" cbor:"request_id,omitempty"`
		// Fingerprint identifies the sanitized transcript.
		Fingerprint string `json:"fingerprint,omitempty" bson:"fingerprint,omitempty" cbor:"fingerprint,omitempty"`
		// Findings lists rule violations or warnings.
		Findings []Finding `json:"findings,omitempty" bson:"findings,omitempty" cbor:"findings,omitempty"`
		// Stage names the pipeline stage for stage failures.
		Stage string `json:"stage,omitempty" bson:"stage,omitempty" cbor:"stage,omitempty"`
		// Code is the protocol error code when one was returned.
		Code int `json:"code,omitempty" bson:"code,omitempty" cbor:"code,omitempty"`
		// Detail is a short operator-facing description. It must not contain
		// transcript content.
		Detail string `json:"detail,omitempty" bson:"detail,omitempty" cbor:"detail,omitempty"`
	}

	// Finding describes one violated or flagged rule.
	Finding struct {
		Field    string `json:"field,omitempty" bson:"field,omitempty" cbor:"field,omitempty"`
		Rule     string `json:"rule" bson:"rule" cbor:"rule"`
		Severity string `json:"severity" bson:"severity" cbor:"severity"`
		Message  string `json:"message" bson:"message" cbor:"message"`
	}

	// Sink appends audit events. Implementations must be safe for concurrent
	// use. Callers never read events back.
	Sink interface {
		Record(ctx context.Context, ev Event) error
	}

	ctxKey int
)

const (
	// EventValidationRejected records an input that failed validation.
	EventValidationRejected EventType = "validation.rejected"
	// EventValidationFlagged records an accepted input with warnings.
	EventValidationFlagged EventType = "validation.flagged"
	// EventSessionCreated records a newly issued session.
	EventSessionCreated EventType = "session.created"
	// EventSessionExpired records an access to a missing or idle session.
	EventSessionExpired EventType = "session.expired"
	// EventQuotaExceeded records a call rejected by the session quota.
	EventQuotaExceeded EventType = "quota.exceeded"
	// EventRateLimited records a call rejected by a rate limiter.
	EventRateLimited EventType = "rate.limited"
	// EventPipelineCompleted records a successful analysis.
	EventPipelineCompleted EventType = "pipeline.completed"
	// EventPipelineFailed records a failed analysis.
	EventPipelineFailed EventType = "pipeline.failed"
	// EventProtocolError records a protocol-level failure.
	EventProtocolError EventType = "protocol.error"
)

// Finding severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

const (
	sessionKey ctxKey = iota + 1
	requestKey
)

// WithSession returns a context carrying the caller session ID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRequest returns a context carrying the protocol request ID.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

// SessionFromContext returns the session ID stored in ctx, if any.
func SessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}

// RequestFromContext returns the request ID stored in ctx, if any.
func RequestFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestKey).(string)
	return s
}

// NewEvent returns an event of the given type stamped with a fresh ID, the
// current time and the correlation identifiers found in ctx.
func NewEvent(ctx context.Context, typ EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Time:      time.Now().UTC(),
		SessionID: SessionFromContext(ctx),
		RequestID: RequestFromContext(ctx),
	}
}
