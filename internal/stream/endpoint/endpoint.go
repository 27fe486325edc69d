// Package endpoint serves the hub's messages to remote clients over SSE and WebSocket.
package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"livestream/internal/stream"
	"livestream/internal/validator"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	StreamPath    = "/api/kafka-stream"
	WebSocketPath = "/api/kafka-ws"
)

// Config holds the per-connection settings.
type Config struct {
	// BufferSize bounds each observer's queue. A client that falls this far behind is evicted.
	BufferSize int `env:"ENDPOINT_BUFFER_SIZE" envDefault:"64"`
	// KeepAlive is the interval between keep-alive frames. Zero disables them.
	KeepAlive time.Duration `env:"ENDPOINT_KEEP_ALIVE" envDefault:"15s"`
	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout time.Duration `env:"ENDPOINT_WRITE_TIMEOUT" envDefault:"10s"`
	// PongWait is how long a WebSocket peer may stay silent before it is dropped. It only
	// applies while keep-alive pings are sent and must exceed KeepAlive.
	PongWait time.Duration `env:"ENDPOINT_PONG_WAIT" envDefault:"45s"`
	// ConnectRate caps new connections per second across all clients. Zero means unlimited.
	ConnectRate  float64 `env:"ENDPOINT_CONNECT_RATE" envDefault:"0"`
	ConnectBurst int     `env:"ENDPOINT_CONNECT_BURST" envDefault:"20"`
}

// ConnectionMetrics records connection lifecycles per transport.
type ConnectionMetrics interface {
	RecordConnectionOpened(transport string)
	RecordConnectionClosed(transport string)
}

// Handler registers one observer per connection with the hub and streams its queue.
type Handler struct {
	hub      stream.Hub
	config   Config
	clock    clockwork.Clock
	metrics  ConnectionMetrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	admit    *rate.Limiter
}

func NewHandler(hub stream.Hub, config Config, clock clockwork.Clock, metrics ConnectionMetrics, logger *zap.Logger) (*Handler, error) {
	h := Handler{
		hub:     hub,
		config:  config,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	if err := validator.Validate("endpoint", h.hub, h.config.BufferSize, h.clock, h.metrics, h.logger); err != nil {
		return nil, fmt.Errorf("failed to validate endpoint deps: %w", err)
	}
	if h.config.KeepAlive > 0 && h.config.PongWait > 0 && h.config.PongWait <= h.config.KeepAlive {
		return nil, fmt.Errorf("invalid endpoint pong wait %s: must exceed keep-alive %s", h.config.PongWait, h.config.KeepAlive)
	}
	if h.config.WriteTimeout <= 0 {
		h.config.WriteTimeout = 10 * time.Second
	}
	if h.config.ConnectRate > 0 {
		h.admit = rate.NewLimiter(rate.Limit(h.config.ConnectRate), max(h.config.ConnectBurst, 1))
	}
	h.logger = logger.Named("endpoint")

	return &h, nil
}

// Register mounts the streaming routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+StreamPath, h.ServeSSE)
	mux.HandleFunc("GET "+WebSocketPath, h.ServeWebSocket)
}

// frameWriter writes encoded messages to one transport.
type frameWriter interface {
	WriteMessage(data []byte) error
	KeepAlive() error
}

// ServeSSE streams messages as server-sent events until the client goes away
// or the hub evicts the connection.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if !h.admitted(w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(r.Context(), TransportSSE, &sseWriter{w: w, flusher: flusher})
}

// ServeWebSocket streams the same envelopes as WebSocket text frames.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.admitted(w, r) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.config.KeepAlive > 0 && h.config.PongWait > 0 {
		pongWait := h.config.PongWait
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	// Inbound frames are ignored; a read error, including a missed pong, means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.stream(ctx, TransportWebSocket, &wsWriter{conn: conn, timeout: h.config.WriteTimeout})

	deadline := time.Now().Add(h.config.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// admitted rejects the request with 429 when connections arrive faster than ConnectRate.
func (h *Handler) admitted(w http.ResponseWriter, r *http.Request) bool {
	if h.admit == nil || h.admit.Allow() {
		return true
	}

	h.logger.Warn("rejecting connection over rate limit", zap.String("remote", r.RemoteAddr))
	w.Header().Set("Retry-After", "1")
	http.Error(w, "too many connections", http.StatusTooManyRequests)
	return false
}

func (h *Handler) stream(ctx context.Context, transport string, fw frameWriter) {
	o := NewQueueObserver(h.config.BufferSize)
	logger := h.logger.With(zap.String("observer", o.ID()), zap.String("transport", transport))

	// The buffer is empty here, so this cannot fail.
	_ = o.Enqueue(stream.ConnectedMessage())

	h.metrics.RecordConnectionOpened(transport)
	logger.Info("client connected")

	h.hub.RegisterObserver(ctx, o)
	defer func() {
		h.hub.UnregisterObserver(context.WithoutCancel(ctx), o.ID())
		o.Close()
		h.metrics.RecordConnectionClosed(transport)
		logger.Info("client disconnected")
	}()

	h.pump(ctx, o, fw, logger)
}

// pump writes queued messages until ctx ends, the observer is closed or a write fails.
func (h *Handler) pump(ctx context.Context, o *QueueObserver, fw frameWriter, logger *zap.Logger) {
	var keepAlive <-chan time.Time
	if h.config.KeepAlive > 0 {
		ticker := h.clock.NewTicker(h.config.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Done():
			logger.Info("observer evicted by hub")
			return
		case msg := <-o.Messages():
			data, err := msg.Encode()
			if err != nil {
				logger.Error("dropping message", zap.Error(err))
				continue
			}
			if err := fw.WriteMessage(data); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-keepAlive:
			if err := fw.KeepAlive(); err != nil {
				logger.Debug("keep-alive failed", zap.Error(err))
				return
			}
		}
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteMessage(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) KeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return fmt.Errorf("failed to write keep-alive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (ws *wsWriter) WriteMessage(data []byte) error {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.timeout))
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (ws *wsWriter) KeepAlive() error {
	if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.timeout)); err != nil {
		return fmt.Errorf("failed to write ping: %w", err)
	}
	return nil
}
