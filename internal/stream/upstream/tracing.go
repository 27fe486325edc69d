package upstream

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"livestream/internal/stream"
	"livestream/internal/stream/tracing"
)

// TracedUpstream wraps a stream.Upstream with distributed tracing
// Layer order: TracedUpstream -> MetricsUpstream -> Upstream (real thing)
type TracedUpstream struct {
	upstream stream.Upstream
	tracer   *tracing.Tracer
}

// NewTracedUpstream creates a new traced upstream that wraps a metrics upstream
func NewTracedUpstream(upstream stream.Upstream, tracer *tracing.Tracer) stream.Upstream {
	return &TracedUpstream{
		upstream: upstream,
		tracer:   tracer,
	}
}

// Start implements stream.Upstream.Start with distributed tracing.
// Each emitted event starts a new root span so that fan-out is traced per event.
func (u *TracedUpstream) Start(ctx context.Context, topics []stream.Topic, emit stream.EmitFunc) error {
	ctx, span := u.tracer.StartSpan(ctx, "upstream.start")
	defer span.End()

	span.SetAttributes(attribute.Int("stream.topics", len(topics)))

	err := u.upstream.Start(ctx, topics, func(ctx context.Context, e stream.Event) {
		ctx, span := u.tracer.StartSpan(ctx, "upstream.emit", trace.WithNewRoot())
		defer span.End()

		span.SetAttributes(u.tracer.TopicAttributes(e.Topic)...)
		emit(ctx, e)
	})

	if err != nil {
		u.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(u.tracer.ErrorAttributes(err)...)

	return err
}

// Stop implements stream.Upstream.Stop with distributed tracing
func (u *TracedUpstream) Stop() {
	_, span := u.tracer.StartSpan(context.Background(), "upstream.stop")
	defer span.End()

	u.upstream.Stop()
}
