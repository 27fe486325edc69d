package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livestream/internal/logging"
	"livestream/internal/stream"
	"livestream/internal/stream/consumer"
)

type Config struct {
	Logging  logging.Config
	Consumer consumer.Config
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := logger.Named("events")
	logEvent := func(topic stream.Topic) func(json.RawMessage) {
		return func(data json.RawMessage) {
			events.Info("event received", zap.String("topic", string(topic)), zap.Int("bytes", len(data)))
		}
	}

	c, err := consumer.NewConsumer(cfg.Consumer, consumer.Options{
		OnVehicleData:     logEvent(stream.TopicVehicleTracking),
		OnOrderData:       logEvent(stream.TopicOrderStatus),
		OnPerformanceData: logEvent(stream.TopicLogisticsData),
		Topics: map[stream.Topic]func(json.RawMessage){
			stream.TopicAlerts: logEvent(stream.TopicAlerts),
		},
		OnError: func(err error) {
			logger.Warn("stream error", zap.Error(err))
		},
		OnConnectionChange: func(connected bool) {
			logger.Info("connection changed", zap.Bool("connected", connected))
		},
	}, &http.Client{}, clockwork.NewRealClock(), logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("livewatch failed", zap.Error(err))
	}

	state := c.State()
	logger.Info("livewatch stopped",
		zap.Int("attempt", state.Attempt),
		zap.Bool("upstreamReady", state.UpstreamReady),
	)
}
