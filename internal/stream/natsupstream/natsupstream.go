// Package natsupstream consumes domain events from NATS subjects, one subject per topic.
package natsupstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"livestream/internal/stream"
	"livestream/internal/validator"
)

var errInvalidPayload = errors.New("payload is not valid JSON")

// Config holds the NATS connection settings.
type Config struct {
	URL            string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	SubjectPrefix  string        `env:"NATS_SUBJECT_PREFIX" envDefault:"logistics."`
	ClientName     string        `env:"NATS_CLIENT_NAME" envDefault:"logistics-monitoring-group"`
	ConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" envDefault:"5s"`
}

// Upstream is a stream.Upstream backed by core NATS subscriptions.
type Upstream struct {
	config Config
	clock  clockwork.Clock
	logger *zap.Logger

	// mu is held for reading by every message handler, so Stop cannot return while
	// a handler is still emitting.
	mu      sync.RWMutex
	conn    *nats.Conn
	subs    []*nats.Subscription
	running bool
}

func NewUpstream(config Config, clock clockwork.Clock, logger *zap.Logger) (*Upstream, error) {
	u := Upstream{
		config: config,
		clock:  clock,
		logger: logger,
	}

	if err := validator.Validate("nats upstream", u.config.URL, u.config.ConnectTimeout, u.clock, u.logger); err != nil {
		return nil, fmt.Errorf("failed to validate nats upstream deps: %w", err)
	}
	u.logger = logger.Named("nats-upstream")

	return &u, nil
}

// Subject maps a topic to the NATS subject it is consumed from.
func Subject(prefix string, topic stream.Topic) string {
	return prefix + string(topic)
}

// Start implements stream.Upstream.Start by connecting and subscribing to every topic.
// Any failure closes the connection so the next attempt starts clean.
func (u *Upstream) Start(_ context.Context, topics []stream.Topic, emit stream.EmitFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return stream.ErrUpstreamRunning
	}

	logger := u.logger.With(zap.String("url", u.config.URL))

	conn, err := nats.Connect(u.config.URL,
		nats.Name(u.config.ClientName),
		nats.Timeout(u.config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	subs := make([]*nats.Subscription, 0, len(topics))
	for _, topic := range topics {
		subject := Subject(u.config.SubjectPrefix, topic)
		sub, err := conn.Subscribe(subject, u.handler(topic, emit))
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
		logger.Info("subscribed", zap.String("subject", subject))
	}

	u.conn = conn
	u.subs = subs
	u.running = true

	return nil
}

func (u *Upstream) handler(topic stream.Topic, emit stream.EmitFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		u.mu.RLock()
		defer u.mu.RUnlock()

		if !u.running {
			return
		}

		e, err := decode(topic, msg.Data, u.clock.Now())
		if err != nil {
			u.logger.Warn("dropping message",
				zap.String("subject", msg.Subject),
				zap.String("topic", string(topic)),
				zap.Error(err),
			)
			return
		}

		emit(context.Background(), e)
	}
}

func decode(topic stream.Topic, data []byte, now time.Time) (stream.Event, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return stream.Event{}, errInvalidPayload
	}

	return stream.Event{
		Topic:     topic,
		Payload:   json.RawMessage(trimmed),
		EmittedAt: now,
	}, nil
}

// Stop implements stream.Upstream.Stop.
func (u *Upstream) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return
	}
	u.running = false

	for _, sub := range u.subs {
		if err := sub.Unsubscribe(); err != nil {
			u.logger.Warn("failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	u.conn.Close()
	u.conn = nil
	u.subs = nil

	u.logger.Info("nats upstream stopped")
}
