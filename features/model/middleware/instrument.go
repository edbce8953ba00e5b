package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/callanalysis/runtime/model"
	"goa.design/callanalysis/runtime/telemetry"
)

// Model call metric names.
const (
	MetricModelCalls    = "callanalysis.model.calls"
	MetricModelErrors   = "callanalysis.model.errors"
	MetricModelTokens   = "callanalysis.model.tokens"
	MetricModelDuration = "callanalysis.model.duration"
)

type instrumentedClient struct {
	next     model.Client
	provider string
	tel      telemetry.Bundle
}

// Instrument returns a middleware recording a span, call and token counters
// and a duration timer for every completion. Prompts and completions are
// never logged.
func Instrument(provider string, tel telemetry.Bundle) func(model.Client) model.Client {
	tel = tel.WithDefaults()
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &instrumentedClient{next: next, provider: provider, tel: tel}
	}
}

// Chain applies middlewares to c so that the first middleware is outermost.
func Chain(c model.Client, mws ...func(model.Client) model.Client) model.Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

func (c *instrumentedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	ctx, span := c.tel.Tracer.Start(ctx, "model.complete")
	defer span.End()

	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	elapsed := time.Since(start)

	tags := []string{"provider", c.provider}
	c.tel.Metrics.IncCounter(MetricModelCalls, 1, tags...)
	c.tel.Metrics.RecordTimer(MetricModelDuration, elapsed, tags...)
	if err != nil {
		kind := string(model.ProviderErrorKindUnknown)
		var pe *model.ProviderError
		if errors.As(err, &pe) {
			kind = string(pe.Kind)
		}
		c.tel.Metrics.IncCounter(MetricModelErrors, 1, append(tags, "kind", kind)...)
		c.tel.Logger.Warn(ctx, "model call failed", "provider", c.provider, "kind", kind, "duration_ms", elapsed.Milliseconds(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return nil, err
	}
	c.tel.Metrics.IncCounter(MetricModelTokens, float64(resp.Usage.TotalTokens), tags...)
	c.tel.Logger.Debug(ctx, "model call completed",
		"provider", c.provider,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
		"duration_ms", elapsed.Milliseconds())
	return resp, nil
}
