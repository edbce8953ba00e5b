package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// extractTraceHeaders continues the trace propagated in HTTP headers.
func extractTraceHeaders(ctx context.Context, header http.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// extractTraceMeta continues the trace propagated in the params._meta object
// of a request. It leaves ctx unchanged when params carry no trace context.
func extractTraceMeta(ctx context.Context, params json.RawMessage) context.Context {
	if len(params) == 0 || params[0] != '{' {
		return ctx
	}
	var p struct {
		Meta map[string]any `json:"_meta"`
	}
	if json.Unmarshal(params, &p) != nil || len(p.Meta) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	for k, v := range p.Meta {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
