package audit

import (
	"context"
	"errors"
	"sync"

	"goa.design/callanalysis/runtime/telemetry"
)

type (
	// LogSink writes events to the structured logger.
	LogSink struct {
		logger telemetry.Logger
	}

	// MemorySink keeps events in memory. It is intended for tests.
	MemorySink struct {
		mu     sync.Mutex
		events []Event
	}

	multiSink []Sink

	discardSink struct{}
)

// NewLogSink returns a Sink writing events through logger.
func NewLogSink(logger telemetry.Logger) *LogSink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, ev Event) error {
	kv := []any{
		"audit_id", ev.ID,
		"audit_type", string(ev.Type),
	}
	if ev.SessionID != "" {
		kv = append(kv, "session_id", ev.SessionID)
	}
	if ev.RequestID != "" {
		kv = append(kv, "request_id", ev.RequestID)
	}
	if ev.Fingerprint != "" {
		kv = append(kv, "fingerprint", ev.Fingerprint)
	}
	if ev.Stage != "" {
		kv = append(kv, "stage", ev.Stage)
	}
	if ev.Code != 0 {
		kv = append(kv, "code", ev.Code)
	}
	if len(ev.Findings) > 0 {
		rules := make([]string, 0, len(ev.Findings))
		for _, f := range ev.Findings {
			rules = append(rules, f.Rule)
		}
		kv = append(kv, "rules", rules)
	}
	if ev.Detail != "" {
		kv = append(kv, "detail", ev.Detail)
	}
	switch ev.Type {
	case EventValidationRejected, EventQuotaExceeded, EventRateLimited, EventPipelineFailed, EventProtocolError:
		s.logger.Warn(ctx, "audit", kv...)
	default:
		s.logger.Info(ctx, "audit", kv...)
	}
	return nil
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns the recorded events with the given type.
func (s *MemorySink) OfType(typ EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans events out to every non-nil sink. All sinks are attempted; the
// returned error joins individual failures.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return discardSink{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiSink) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard returns a Sink that drops every event.
func Discard() Sink { return discardSink{} }

func (discardSink) Record(context.Context, Event) error { return nil }
