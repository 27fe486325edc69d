package simulator

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

// Config holds the simulator's production settings.
type Config struct {
	Interval time.Duration `env:"SIMULATOR_INTERVAL" envDefault:"3s"`
	Vehicles int           `env:"SIMULATOR_VEHICLES" envDefault:"8"`
}

// Simulator is a stream.Upstream that synthesizes one event per subscribed topic on every tick.
type Simulator struct {
	interval time.Duration
	vehicles int
	clock    clockwork.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSimulator(config Config, clock clockwork.Clock, logger *zap.Logger) (*Simulator, error) {
	s := Simulator{
		interval: config.Interval,
		vehicles: config.Vehicles,
		clock:    clock,
		logger:   logger,
	}

	if err := validator.Validate("simulator", s.interval, s.vehicles, s.clock, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate simulator deps: %w", err)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("invalid simulator interval %s: must be positive", s.interval)
	}
	if s.vehicles < 0 {
		return nil, fmt.Errorf("invalid simulator vehicle count %d: must not be negative", s.vehicles)
	}
	s.logger = logger.Named("simulator")

	return &s, nil
}

// Start implements stream.Upstream.Start. Production runs until Stop, independent of ctx.
func (s *Simulator) Start(_ context.Context, topics []stream.Topic, emit stream.EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return stream.ErrUpstreamRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	subscribed := append([]stream.Topic(nil), topics...)

	s.cancel = cancel
	s.done = done

	go s.run(ctx, ticker, subscribed, emit, done)

	s.logger.Info("simulator started",
		zap.Duration("interval", s.interval),
		zap.Int("topics", len(subscribed)),
	)

	return nil
}

func (s *Simulator) run(ctx context.Context, ticker clockwork.Ticker, topics []stream.Topic, emit stream.EmitFunc, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, topic := range topics {
				if ctx.Err() != nil {
					return
				}

				e, err := s.event(topic)
				if err != nil {
					s.logger.Error("failed to build event", zap.String("topic", string(topic)), zap.Error(err))
					continue
				}
				emit(ctx, e)
			}
		}
	}
}

func (s *Simulator) event(topic stream.Topic) (stream.Event, error) {
	now := s.clock.Now()
	return stream.NewEvent(topic, Payload(topic, s.vehicles, now), now)
}

// Stop implements stream.Upstream.Stop. It waits for an in-flight tick to finish, so it
// must not be called from inside the emit callback.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	s.logger.Info("simulator stopped")
}
