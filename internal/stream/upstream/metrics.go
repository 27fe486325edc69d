package upstream

import (
	"context"
	"time"

	"livestream/internal/stream"
	"livestream/internal/stream/metrics"
)

// MetricsUpstream wraps a stream.Upstream with metrics collection
type MetricsUpstream struct {
	upstream stream.Upstream
	registry *metrics.Registry
}

// NewMetricsUpstream creates a new instrumented upstream
func NewMetricsUpstream(upstream stream.Upstream, registry *metrics.Registry) stream.Upstream {
	return &MetricsUpstream{
		upstream: upstream,
		registry: registry,
	}
}

// Start implements stream.Upstream.Start with metrics collection.
// Every emitted event is counted per topic before it reaches emit.
func (u *MetricsUpstream) Start(ctx context.Context, topics []stream.Topic, emit stream.EmitFunc) error {
	start := time.Now()

	err := u.upstream.Start(ctx, topics, func(ctx context.Context, e stream.Event) {
		u.registry.RecordUpstreamEvent(e.Topic)
		emit(ctx, e)
	})
	duration := time.Since(start)

	u.registry.RecordUpstreamStart(duration, err)

	return err
}

// Stop implements stream.Upstream.Stop with metrics collection
func (u *MetricsUpstream) Stop() {
	u.upstream.Stop()

	u.registry.RecordUpstreamStop()
}
