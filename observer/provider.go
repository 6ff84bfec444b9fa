package observer

import (
	"context"
	"time"

	arbor "github.com/okvist/arbor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps an arbor.Provider with OTEL instrumentation:
// one span per completion, token-usage counters, and estimated USD cost
// from the pricing table.
type ObservedProvider struct {
	inner arbor.Provider
	inst  *Instruments
	model string
}

var _ arbor.Provider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider.
func WrapProvider(inner arbor.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

// Name delegates to the inner provider.
func (o *ObservedProvider) Name() string { return o.inner.Name() }

// Chat records a span, latency, token usage, and cost around the inner
// call.
func (o *ObservedProvider) Chat(ctx context.Context, req arbor.ChatRequest) (arbor.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("llm.provider", o.inner.Name()),
		attribute.Int("llm.tool_count", len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		attribute.String("model", o.model),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, durationMS, attrs)
	if err == nil {
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
			attribute.String("model", o.model), attribute.String("direction", "input")))
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
			attribute.String("model", o.model), attribute.String("direction", "output")))
		o.inst.CostTotal.Add(ctx, arbor.EstimateCost(o.model, resp.Usage), metric.WithAttributes(
			attribute.String("model", o.model)))
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}
	return resp, err
}
