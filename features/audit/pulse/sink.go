// Package pulse publishes audit events to a goa.design/pulse stream backed by
// Redis so that downstream consumers (SIEM forwarders, compliance archives)
// can process them independently of the analyzer. Events are CBOR encoded.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/callanalysis/runtime/audit"
)

// DefaultStream is the default stream name.
const DefaultStream = "callanalysis/audit"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Redis backs the stream. Required.
		Redis *redis.Client
		// Stream is the stream name. Defaults to DefaultStream.
		Stream string
		// MaxLen bounds the number of entries kept in the stream. Zero uses
		// Pulse defaults.
		MaxLen int
		// Timeout bounds each publish. Zero means no timeout.
		Timeout time.Duration
	}

	// Sink publishes audit events to a Pulse stream. It is safe for
	// concurrent use.
	Sink struct {
		stream  stream
		timeout time.Duration
	}

	// stream is the subset of *streaming.Stream used by the sink and the
	// consumer.
	stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (reader, error)
	}

	// reader is the subset of *streaming.Sink used by the consumer.
	reader interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, ev *streaming.Event) error
		Close(ctx context.Context)
	}

	pulseStream struct {
		s *streaming.Stream
	}

	// sinkAdapter gives *streaming.Sink the reader Close signature.
	sinkAdapter struct {
		*streaming.Sink
	}
)

// New creates the stream and returns a sink publishing to it.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	var sopts []streamopts.Stream
	if opts.MaxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(opts.MaxLen))
	}
	s, err := streaming.NewStream(name, opts.Redis, sopts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return newSink(pulseStream{s: s}, opts.Timeout), nil
}

func newSink(s stream, timeout time.Duration) *Sink {
	return &Sink{stream: s, timeout: timeout}
}

// Record implements audit.Sink.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.stream.Add(ctx, string(ev.Type), payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

func (p pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return p.s.Add(ctx, event, payload)
}

func (p pulseStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (reader, error) {
	sink, err := p.s.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
