package hub

import (
	"context"
	"sync"
	"time"

	"livestream/internal/stream"
	"livestream/internal/stream/metrics"
)

// MetricsHub wraps a stream.Hub with metrics collection
type MetricsHub struct {
	hub      stream.Hub
	registry *metrics.Registry

	mu        sync.Mutex
	observers map[string]*metricsObserver
}

// NewMetricsHub creates a new instrumented hub
func NewMetricsHub(hub stream.Hub, registry *metrics.Registry) stream.Hub {
	return &MetricsHub{
		hub:       hub,
		registry:  registry,
		observers: make(map[string]*metricsObserver),
	}
}

// RegisterObserver implements stream.Hub.RegisterObserver with metrics collection.
// Only observers the hub actually accepts are counted; repeated registrations and
// registrations on a closed hub are not.
func (h *MetricsHub) RegisterObserver(ctx context.Context, o stream.Observer) string {
	id := o.ID()

	h.mu.Lock()
	if _, exists := h.observers[id]; exists {
		h.mu.Unlock()
		return h.hub.RegisterObserver(ctx, o)
	}
	mo := &metricsObserver{Observer: o, registry: h.registry, forget: h.forget}
	h.observers[id] = mo
	h.mu.Unlock()

	id = h.hub.RegisterObserver(ctx, mo)
	if mo.rejected() {
		return id
	}

	h.registry.RecordObserverRegistered()

	return id
}

func (h *MetricsHub) forget(mo *metricsObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers[mo.ID()] == mo {
		delete(h.observers, mo.ID())
	}
}

// UnregisterObserver implements stream.Hub.UnregisterObserver with metrics collection
func (h *MetricsHub) UnregisterObserver(ctx context.Context, id string) {
	h.mu.Lock()
	_, known := h.observers[id]
	delete(h.observers, id)
	h.mu.Unlock()

	h.hub.UnregisterObserver(ctx, id)

	if known {
		h.registry.RecordObserverUnregistered()
	}
}

// Broadcast implements stream.Hub.Broadcast with metrics collection
func (h *MetricsHub) Broadcast(ctx context.Context, e stream.Event) {
	start := time.Now()

	h.hub.Broadcast(ctx, e)
	duration := time.Since(start)

	h.registry.RecordBroadcast(e.Topic, duration)
}

// EnsureInitialized implements stream.Hub.EnsureInitialized
func (h *MetricsHub) EnsureInitialized(ctx context.Context) {
	h.hub.EnsureInitialized(ctx)
}

// Observers implements stream.Hub.Observers
func (h *MetricsHub) Observers() int {
	return h.hub.Observers()
}

// State implements stream.Hub.State
func (h *MetricsHub) State() stream.HubState {
	return h.hub.State()
}

// metricsObserver counts an eviction once, when the hub closes an observer whose
// delivery failed. Concurrent broadcasts may fail the same observer more than once
// before it is evicted.
type metricsObserver struct {
	stream.Observer
	registry *metrics.Registry
	forget   func(*metricsObserver)

	mu      sync.Mutex
	failure error
	closed  bool
}

func (o *metricsObserver) Enqueue(msg stream.Message) error {
	err := o.Observer.Enqueue(msg)
	if err != nil {
		o.mu.Lock()
		if o.failure == nil {
			o.failure = err
		}
		o.mu.Unlock()
	}

	return err
}

func (o *metricsObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	failure := o.failure
	o.mu.Unlock()

	if failure != nil {
		o.registry.RecordEviction(failure)
	}
	o.forget(o)
	o.Observer.Close()
}

// rejected reports whether the hub closed the observer without a failed delivery,
// which only happens when it was registered on a closed hub.
func (o *metricsObserver) rejected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && o.failure == nil
}
