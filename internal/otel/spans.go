package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for engine spans. Spans are downstream of the
// manifest and never participate in any hash.
var (
	AttrJobID      = attribute.Key("sigilzero.job.id")
	AttrRunID      = attribute.Key("sigilzero.run.id")
	AttrInputsHash = attribute.Key("sigilzero.run.inputs_hash")
	AttrJobType    = attribute.Key("sigilzero.job.type")
	AttrStatus     = attribute.Key("sigilzero.run.status")
	AttrDoctrine   = attribute.Key("sigilzero.doctrine.version")
	AttrModel      = attribute.Key("sigilzero.llm.model")
	AttrProvider   = attribute.Key("sigilzero.llm.provider")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the LLM adapter).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RunAttributes bundles the identity attributes attached to every run span.
func RunAttributes(jobID, runID, inputsHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrRunID.String(runID),
		AttrInputsHash.String(inputsHash),
	}
}
