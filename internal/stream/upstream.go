package stream

import "context"

// EmitFunc receives every event produced by an upstream.
type EmitFunc func(ctx context.Context, e Event)

// Upstream produces events for a set of subscribed topics, standing in for a broker consumer.
type Upstream interface {
	// Start subscribes to the topics and begins calling emit for every produced event.
	// It returns once the subscription is established; production continues in the background.
	Start(ctx context.Context, topics []Topic, emit EmitFunc) error

	// Stop halts production. Once Stop returns, emit is never called again.
	Stop()
}
