package hub

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"livestream/internal/stream"
	"livestream/internal/stream/tracing"
)

// TracedHub wraps a stream.Hub with distributed tracing
// Layer order: TracedHub -> MetricsHub -> Hub (real thing)
type TracedHub struct {
	hub    stream.Hub
	tracer *tracing.Tracer
}

// NewTracedHub creates a new traced hub that wraps a metrics hub
func NewTracedHub(hub stream.Hub, tracer *tracing.Tracer) stream.Hub {
	return &TracedHub{
		hub:    hub,
		tracer: tracer,
	}
}

// RegisterObserver implements stream.Hub.RegisterObserver with distributed tracing
func (h *TracedHub) RegisterObserver(ctx context.Context, o stream.Observer) string {
	ctx, span := h.tracer.StartSpan(ctx, "hub.register_observer")
	defer span.End()

	span.SetAttributes(h.tracer.ObserverAttributes(o.ID())...)

	id := h.hub.RegisterObserver(ctx, o)

	span.SetAttributes(
		attribute.Int("stream.observers", h.hub.Observers()),
		attribute.String("stream.hub_state", h.hub.State().String()),
	)
	span.SetStatus(codes.Ok, "")

	return id
}

// UnregisterObserver implements stream.Hub.UnregisterObserver with distributed tracing
func (h *TracedHub) UnregisterObserver(ctx context.Context, id string) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.unregister_observer")
	defer span.End()

	span.SetAttributes(h.tracer.ObserverAttributes(id)...)

	h.hub.UnregisterObserver(ctx, id)

	span.SetStatus(codes.Ok, "")
}

// Broadcast implements stream.Hub.Broadcast with distributed tracing
func (h *TracedHub) Broadcast(ctx context.Context, e stream.Event) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.broadcast")
	defer span.End()

	span.SetAttributes(h.tracer.TopicAttributes(e.Topic)...)

	h.hub.Broadcast(ctx, e)

	span.SetAttributes(attribute.Int("stream.observers", h.hub.Observers()))
	span.SetStatus(codes.Ok, "")
}

// EnsureInitialized implements stream.Hub.EnsureInitialized with distributed tracing
func (h *TracedHub) EnsureInitialized(ctx context.Context) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.ensure_initialized")
	defer span.End()

	h.hub.EnsureInitialized(ctx)

	span.SetAttributes(attribute.String("stream.hub_state", h.hub.State().String()))
	span.SetStatus(codes.Ok, "")
}

// Observers implements stream.Hub.Observers
func (h *TracedHub) Observers() int {
	return h.hub.Observers()
}

// State implements stream.Hub.State
func (h *TracedHub) State() stream.HubState {
	return h.hub.State()
}
