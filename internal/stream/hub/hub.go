package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"livestream/internal/stream"
	"livestream/internal/validator"
)

// Config holds the hub's lifecycle settings.
type Config struct {
	// RetryDelay is the fixed delay before an upstream start is retried.
	RetryDelay time.Duration `env:"HUB_RETRY_DELAY" envDefault:"5s"`
	// Topics are subscribed on the upstream when the hub initializes.
	Topics []string `env:"HUB_TOPICS" envSeparator:"," envDefault:"logistics-data,vehicle-tracking,order-status"`
}

// Hub is the concrete implementation of stream.Hub.
// It owns the observer set and the upstream lifecycle. A single mutex guards both so that
// registration, eviction and state transitions are serialized against in-flight fan-out.
type Hub struct {
	upstream   stream.Upstream
	topics     []stream.Topic
	retryDelay time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
	emit       stream.EmitFunc

	mu         sync.RWMutex
	observers  map[string]stream.Observer
	state      stream.HubState
	retryTimer clockwork.Timer
	closed     bool
}

type failure struct {
	id       string
	observer stream.Observer
	err      error
}

// NewHub creates a hub in the uninitialized state. The upstream is not started until the
// first observer registers or EnsureInitialized is called.
func NewHub(upstream stream.Upstream, config Config, clock clockwork.Clock, logger *zap.Logger) (*Hub, error) {
	h := Hub{
		upstream:   upstream,
		topics:     stream.ParseTopics(config.Topics),
		retryDelay: config.RetryDelay,
		clock:      clock,
		logger:     logger,
		observers:  make(map[string]stream.Observer),
	}

	if err := validator.Validate("hub", h.upstream, h.retryDelay, h.clock, h.logger); err != nil {
		return nil, fmt.Errorf("failed to validate hub deps: %w", err)
	}
	if h.retryDelay <= 0 {
		return nil, fmt.Errorf("invalid hub retry delay %s: must be positive", h.retryDelay)
	}

	if len(h.topics) == 0 {
		h.topics = stream.DefaultTopics
	}
	h.logger = logger.Named("hub")
	h.emit = h.Broadcast

	return &h, nil
}

// SetEmitter routes upstream events through emit instead of the hub's own Broadcast,
// so that decorators wrapping the hub see them. It must be called before the first
// observer registers.
func (h *Hub) SetEmitter(emit stream.EmitFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = emit
}

// RegisterObserver implements stream.Hub.RegisterObserver.
// When the upstream is already running the newcomer is told so directly.
func (h *Hub) RegisterObserver(ctx context.Context, o stream.Observer) string {
	id := o.ID()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		o.Close()
		return id
	}
	if _, exists := h.observers[id]; exists {
		h.mu.Unlock()
		return id
	}

	h.observers[id] = o
	count := len(h.observers)

	var failed []failure
	if h.state == stream.HubReady {
		if err := o.Enqueue(stream.UpstreamConnectedMessage()); err != nil {
			failed = append(failed, failure{id: id, observer: o, err: err})
		}
	}
	h.mu.Unlock()

	h.logger.Info("observer registered", zap.String("observer", id), zap.Int("observers", count))

	h.evict(failed)
	h.EnsureInitialized(ctx)

	return id
}

// UnregisterObserver implements stream.Hub.UnregisterObserver.
func (h *Hub) UnregisterObserver(_ context.Context, id string) {
	h.mu.Lock()
	_, exists := h.observers[id]
	delete(h.observers, id)
	count := len(h.observers)
	h.mu.Unlock()

	if exists {
		h.logger.Info("observer unregistered", zap.String("observer", id), zap.Int("observers", count))
	}
}

// Broadcast implements stream.Hub.Broadcast. It is also the emit callback handed to the upstream.
func (h *Hub) Broadcast(_ context.Context, e stream.Event) {
	h.broadcast(stream.DataMessage(e))
}

func (h *Hub) broadcast(msg stream.Message) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	failed := h.deliverLocked(msg)
	h.mu.RUnlock()

	h.evict(failed)
}

// deliverLocked enqueues msg on every observer. Callers hold h.mu in either mode.
func (h *Hub) deliverLocked(msg stream.Message) []failure {
	var failed []failure
	for id, o := range h.observers {
		if err := o.Enqueue(msg); err != nil {
			failed = append(failed, failure{id: id, observer: o, err: err})
		}
	}

	return failed
}

// evict removes observers whose delivery failed and releases them.
func (h *Hub) evict(failed []failure) {
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, f := range failed {
		delete(h.observers, f.id)
	}
	count := len(h.observers)
	h.mu.Unlock()

	for _, f := range failed {
		f.observer.Close()
		h.logger.Warn("evicted observer after failed delivery",
			zap.String("observer", f.id),
			zap.Int("observers", count),
			zap.Error(f.err),
		)
	}
}

// EnsureInitialized implements stream.Hub.EnsureInitialized.
// The upstream is started outside the lock; the initializing state keeps concurrent
// callers and the retry timer from starting it a second time.
func (h *Hub) EnsureInitialized(ctx context.Context) {
	h.mu.Lock()
	if h.closed || h.state == stream.HubInitializing || h.state == stream.HubReady {
		h.mu.Unlock()
		return
	}
	h.state = stream.HubInitializing
	emit := h.emit
	h.mu.Unlock()

	h.logger.Info("starting upstream", zap.Int("topics", len(h.topics)))

	err := h.upstream.Start(context.WithoutCancel(ctx), h.topics, emit)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if err == nil {
			h.upstream.Stop()
		}
		return
	}

	if err != nil {
		h.state = stream.HubRetryScheduled
		failed := h.deliverLocked(stream.ErrorMessage(err))
		h.scheduleRetryLocked()
		h.mu.Unlock()

		h.logger.Error("failed to start upstream, retry scheduled",
			zap.Duration("retryIn", h.retryDelay),
			zap.Error(err),
		)
		h.evict(failed)
		return
	}

	h.state = stream.HubReady
	h.stopRetryLocked()
	failed := h.deliverLocked(stream.UpstreamConnectedMessage())
	h.mu.Unlock()

	h.logger.Info("upstream started")
	h.evict(failed)
}

// scheduleRetryLocked arms the single retry timer. Callers hold h.mu.
func (h *Hub) scheduleRetryLocked() {
	h.stopRetryLocked()
	h.retryTimer = h.clock.AfterFunc(h.retryDelay, func() {
		h.EnsureInitialized(context.Background())
	})
}

func (h *Hub) stopRetryLocked() {
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
}

// Observers implements stream.Hub.Observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// State implements stream.Hub.State.
func (h *Hub) State() stream.HubState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Close stops the retry timer and the upstream, then releases every observer.
// The hub accepts no further observers afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.stopRetryLocked()
	wasStarted := h.state == stream.HubReady
	h.state = stream.HubUninitialized
	observers := h.observers
	h.observers = make(map[string]stream.Observer)
	h.mu.Unlock()

	if wasStarted {
		h.upstream.Stop()
	}
	for _, o := range observers {
		o.Close()
	}

	h.logger.Info("hub closed", zap.Int("observers", len(observers)))
}
