package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livestream/internal/couchbase"
	"livestream/internal/logging"
	"livestream/internal/stream"
	"livestream/internal/stream/archive"
	"livestream/internal/stream/endpoint"
	"livestream/internal/stream/hub"
	"livestream/internal/stream/metrics"
	"livestream/internal/stream/natsupstream"
	"livestream/internal/stream/simulator"
	"livestream/internal/stream/tracing"
	"livestream/internal/stream/upstream"
)

const (
	upstreamSimulator = "simulator"
	upstreamNATS      = "nats"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Upstream        string        `env:"UPSTREAM" envDefault:"simulator"`
	Version         string        `env:"VERSION" envDefault:"dev"`

	Logging   logging.Config
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
	Hub       hub.Config
	Simulator simulator.Config
	NATS      natsupstream.Config
	Endpoint  endpoint.Config
	Archive   archive.Config
	Couchbase couchbase.Config
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("livestream failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	clock := clockwork.NewRealClock()

	registry := metrics.NewRegistry()
	registry.SetSystemInfo(cfg.Version, time.Now().Format(time.RFC3339))

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	source, err := newUpstream(cfg, clock, logger)
	if err != nil {
		return err
	}
	source = upstream.NewTracedUpstream(upstream.NewMetricsUpstream(source, registry), tracer)

	core, err := hub.NewHub(source, cfg.Hub, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	defer core.Close()

	broadcastHub := hub.NewTracedHub(hub.NewMetricsHub(core, registry), tracer)
	core.SetEmitter(broadcastHub.Broadcast)
	registry.RegisterHub(core)

	mux := http.NewServeMux()

	handler, err := endpoint.NewHandler(broadcastHub, cfg.Endpoint, clock, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	handler.Register(mux)

	if cfg.Archive.Enabled {
		closeArchive, err := startArchive(ctx, cfg, broadcastHub, mux, clock, registry, logger)
		if err != nil {
			return err
		}
		defer closeArchive()
	}

	metricsServer := metrics.NewServer(cfg.Metrics, registry, func() (bool, string) {
		state := core.State()
		return state == stream.HubReady, state.String()
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metricsServer.Start(gctx)
	})

	g.Go(func() error {
		logger.Info("http server started",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("stream", endpoint.StreamPath),
			zap.String("websocket", endpoint.WebSocketPath),
			zap.String("upstream", cfg.Upstream),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Streams only end once their observers are released.
		core.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("livestream stopped")
	return nil
}

func newUpstream(cfg Config, clock clockwork.Clock, logger *zap.Logger) (stream.Upstream, error) {
	switch cfg.Upstream {
	case upstreamSimulator:
		sim, err := simulator.NewSimulator(cfg.Simulator, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create simulator: %w", err)
		}
		return sim, nil
	case upstreamNATS:
		u, err := natsupstream.NewUpstream(cfg.NATS, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create nats upstream: %w", err)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unknown upstream %q", cfg.Upstream)
	}
}

// startArchive connects to Couchbase, registers the archive with the hub and mounts the
// recent-events route. The archive keeps the upstream running even with no clients.
func startArchive(ctx context.Context, cfg Config, h stream.Hub, mux *http.ServeMux, clock clockwork.Clock, registry *metrics.Registry, logger *zap.Logger) (func(), error) {
	cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
	}

	store, err := couchbase.NewCouchbase[archive.Record](cluster, bucket, cfg.Couchbase)
	if err != nil {
		_ = cluster.Close(nil)
		return nil, fmt.Errorf("failed to create archive store: %w", err)
	}

	arc, err := archive.NewArchive(store, cfg.Couchbase.Keyspace(), cfg.Archive, clock, registry, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	arc.Start()
	h.RegisterObserver(ctx, arc)
	arc.Register(mux)

	logger.Info("event archive enabled", zap.String("keyspace", cfg.Couchbase.Keyspace()))

	return func() {
		h.UnregisterObserver(context.Background(), arc.ID())
		arc.Close()
		if err := store.Close(); err != nil {
			logger.Error("failed to close couchbase", zap.Error(err))
		}
	}, nil
}
