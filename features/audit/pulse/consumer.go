package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/callanalysis/runtime/audit"
)

// Handler processes one audit event read from the stream. Returning an error
// stops consumption and leaves the event unacknowledged.
type Handler func(ctx context.Context, ev audit.Event) error

// Consume reads events from the stream with the consumer group name and
// calls h for each of them until ctx is canceled or h fails. Events are
// acknowledged after h returns.
func (s *Sink) Consume(ctx context.Context, name string, h Handler, opts ...streamopts.Sink) error {
	if name == "" {
		return errors.New("consumer name is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	r, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return fmt.Errorf("create pulse sink: %w", err)
	}
	defer r.Close(context.Background())

	ch := r.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Unmarshal(evt.Payload)
			if err != nil {
				return fmt.Errorf("decode audit event %s: %w", evt.ID, err)
			}
			if err := h(ctx, ev); err != nil {
				return err
			}
			if err := r.Ack(ctx, evt); err != nil {
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}
