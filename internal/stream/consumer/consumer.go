// Package consumer reads the live event stream, routes data messages to per-topic
// callbacks and reconnects with exponential backoff when the transport fails.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"livestream/internal/stream"
	"livestream/internal/validator"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

var (
	// ErrStreamEnded is reported when the server closes the stream.
	ErrStreamEnded = errors.New("stream ended by server")
	// ErrUpstream wraps error messages pushed by the server.
	ErrUpstream = errors.New("upstream error")
	// ErrMalformedMessage wraps messages that are not valid envelopes.
	ErrMalformedMessage = errors.New("failed to parse message from server")
	// ErrAlreadyStarted is returned by Start on a running consumer.
	ErrAlreadyStarted = errors.New("consumer already started")
)

// Config holds the consumer's connection settings.
type Config struct {
	URL       string        `env:"CONSUMER_URL" envDefault:"http://localhost:8080/api/kafka-stream"`
	BaseDelay time.Duration `env:"CONSUMER_BASE_DELAY" envDefault:"1s"`
	MaxDelay  time.Duration `env:"CONSUMER_MAX_DELAY" envDefault:"30s"`
}

// Phase is where the consumer is in its connection cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	default:
		return "unknown"
	}
}

// State is a snapshot of the consumer's connection.
type State struct {
	Connected bool
	// Attempt counts failures since the last successful open.
	Attempt       int
	LastError     error
	Phase         Phase
	UpstreamReady bool
}

// Options are the consumer's callbacks. Every callback is optional and runs on the
// consumer's goroutine. A callback must not call Close, which waits for that goroutine;
// it may call Stop.
type Options struct {
	OnVehicleData     func(json.RawMessage)
	OnOrderData       func(json.RawMessage)
	OnPerformanceData func(json.RawMessage)
	// Topics adds handlers for any other topic. Entries override the named callbacks above.
	Topics map[stream.Topic]func(json.RawMessage)

	OnError            func(error)
	OnConnectionChange func(connected bool)
}

type Consumer struct {
	config   Config
	client   *http.Client
	clock    clockwork.Clock
	logger   *zap.Logger
	handlers map[stream.Topic]func(json.RawMessage)
	onError  func(error)
	onChange func(bool)

	mu    sync.RWMutex
	state State

	lifecycle sync.Mutex
	done      chan struct{}

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func NewConsumer(config Config, opts Options, client *http.Client, clock clockwork.Clock, logger *zap.Logger) (*Consumer, error) {
	c := Consumer{
		config:   config,
		client:   client,
		clock:    clock,
		logger:   logger,
		handlers: make(map[stream.Topic]func(json.RawMessage)),
		onError:  opts.OnError,
		onChange: opts.OnConnectionChange,
	}

	if err := validator.Validate("consumer", c.config.URL, c.client, c.clock, c.logger); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}

	if c.config.BaseDelay <= 0 {
		c.config.BaseDelay = DefaultBaseDelay
	}
	if c.config.MaxDelay <= 0 {
		c.config.MaxDelay = DefaultMaxDelay
	}
	if c.onError == nil {
		c.onError = func(error) {}
	}
	if c.onChange == nil {
		c.onChange = func(bool) {}
	}

	named := map[stream.Topic]func(json.RawMessage){
		stream.TopicVehicleTracking: opts.OnVehicleData,
		stream.TopicOrderStatus:     opts.OnOrderData,
		stream.TopicLogisticsData:   opts.OnPerformanceData,
	}
	for topic, fn := range named {
		if fn != nil {
			c.handlers[topic] = fn
		}
	}
	for topic, fn := range opts.Topics {
		if fn != nil {
			c.handlers[topic] = fn
		}
	}

	c.logger = logger.Named("consumer").With(zap.String("url", c.config.URL))

	return &c, nil
}

// Backoff returns the reconnect delay after a failure seen at attempt:
// min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	return backoff(attempt, DefaultBaseDelay, DefaultMaxDelay)
}

func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	return min(delay, maxDelay)
}

// State returns a snapshot of the connection state.
func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run connects and reconnects until ctx ends. It always returns nil once ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setPhase(PhaseIdle)

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.fail(ctx, err)
		c.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", c.State().Attempt))

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

// Start runs the consumer in the background until Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		_ = c.Run(ctx)
	}(c.done)

	return nil
}

// Close tears the connection down. No callback runs after Close returns.
func (c *Consumer) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.done == nil {
		return
	}
	c.Stop()
	<-c.done
	c.done = nil

	c.cancelMu.Lock()
	c.cancel = nil
	c.cancelMu.Unlock()
}

// Stop cancels a consumer started with Start without waiting for it to exit, so it is
// safe to call from a callback. No further callback runs once the current one returns.
func (c *Consumer) Stop() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
}

// connect opens the stream and dispatches its events until the transport fails.
func (c *Consumer) connect(ctx context.Context) error {
	c.setPhase(PhaseConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to connect: unexpected status %d", resp.StatusCode)
	}

	c.open()

	events := newEventReader(resp.Body)
	for {
		data, err := events.Next()
		if errors.Is(err, io.EOF) {
			return ErrStreamEnded
		}
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.dispatch(data)
	}
}

func (c *Consumer) open() {
	c.mu.Lock()
	c.state.Connected = true
	c.state.Attempt = 0
	c.state.LastError = nil
	c.state.Phase = PhaseOpen
	c.mu.Unlock()

	c.logger.Info("stream opened")
	c.onChange(true)
}

// fail records a transport failure and returns the delay before the next attempt.
func (c *Consumer) fail(ctx context.Context, cause error) time.Duration {
	c.mu.Lock()
	attempt := c.state.Attempt
	err := fmt.Errorf("connection failed (attempt %d): %w", attempt+1, cause)
	delay := backoff(attempt, c.config.BaseDelay, c.config.MaxDelay)
	c.state.Connected = false
	c.state.UpstreamReady = false
	c.state.Phase = PhaseIdle
	c.state.LastError = err
	c.state.Attempt = attempt + 1
	c.mu.Unlock()

	c.logger.Warn("stream failed", zap.Error(err))
	c.onChange(false)
	if ctx.Err() == nil {
		c.onError(err)
	}

	return delay
}

func (c *Consumer) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	if p != PhaseOpen {
		c.state.Connected = false
	}
	c.mu.Unlock()
}

func (c *Consumer) dispatch(data string) {
	var msg stream.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		c.onError(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
		return
	}

	switch msg.Type {
	case stream.MessageTypeConnection:
		if msg.Status != stream.StatusUpstreamConnected {
			return
		}
		c.mu.Lock()
		c.state.UpstreamReady = true
		c.mu.Unlock()
		c.onChange(true)

	case stream.MessageTypeError:
		text := msg.Message
		if text == "" {
			text = "unknown upstream error"
		}
		c.onError(fmt.Errorf("%w: %s", ErrUpstream, text))

	case stream.MessageTypeData:
		handler, ok := c.handlers[msg.Topic]
		if !ok {
			c.logger.Debug("no handler for topic", zap.String("topic", string(msg.Topic)))
			return
		}
		handler(msg.Data)

	default:
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}
