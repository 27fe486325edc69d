package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"livestream/internal/stream"
	"livestream/internal/stream/endpoint"
	"livestream/internal/stream/hub"
)

type recorder struct {
	mu      sync.Mutex
	errs    []error
	changes []bool
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onChange(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, connected)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Changes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func writeEvent(w http.ResponseWriter, data string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func newTestConsumer(t *testing.T, url string, opts Options, clock clockwork.Clock) *Consumer {
	t.Helper()

	c, err := NewConsumer(Config{URL: url}, opts, http.DefaultClient, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, delay := range want {
		assert.Equal(t, delay, Backoff(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, Backoff(200))
}

func TestBackoffCustomDelays(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, backoff(0, 250*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(2, 250*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(3, 250*time.Millisecond, time.Second))
}

func TestNewConsumerValidatesDeps(t *testing.T) {
	_, err := NewConsumer(Config{}, Options{}, http.DefaultClient, clockwork.NewFakeClock(), zap.NewNop())
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "connecting", PhaseConnecting.String())
	assert.Equal(t, "open", PhaseOpen.String())
}

func TestReconnectsAfterFailureWithBackoff(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		startSSE(w)
		writeEvent(w, `{"type":"connection","status":"connected","message":"SSE connection established"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	c := newTestConsumer(t, srv.URL, Options{OnError: rec.onError, OnConnectionChange: rec.onChange}, clock)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	state := c.State()
	assert.False(t, state.Connected)
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, PhaseIdle, state.Phase)
	require.Error(t, state.LastError)
	assert.Contains(t, state.LastError.Error(), "unexpected status 503")
	assert.Equal(t, []bool{false}, rec.Changes())
	require.Len(t, rec.Errors(), 1)

	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		s := c.State()
		return s.Connected && s.Phase == PhaseOpen
	}, 2*time.Second, 10*time.Millisecond)

	state = c.State()
	assert.Equal(t, 0, state.Attempt)
	assert.NoError(t, state.LastError)
	assert.Equal(t, []bool{false, true}, rec.Changes())
	assert.Equal(t, int64(2), requests.Load())
}

func TestReconnectDelaysGrowExponentially(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c := newTestConsumer(t, srv.URL, Options{}, clock)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, delay := range want {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		require.Equal(t, i+1, c.State().Attempt)
		require.Equal(t, int64(i+1), requests.Load())

		clock.Advance(delay - time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, int64(i+1), requests.Load(), "reconnected before %s", delay)

		clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return requests.Load() == int64(i+2) }, 2*time.Second, 5*time.Millisecond,
			"no reconnect after %s", delay)
	}
}

func TestStreamEndIsATransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		startSSE(w)
		writeEvent(w, `{"type":"connection","status":"connected"}`)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	c := newTestConsumer(t, srv.URL, Options{OnError: rec.onError, OnConnectionChange: rec.onChange}, clock)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamEnded)
	assert.Equal(t, []bool{true, false}, rec.Changes())
	assert.Equal(t, 1, c.State().Attempt)
}

func TestMalformedMessageKeepsStreamOpen(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		startSSE(w)
		writeEvent(w, `not json`)
		writeEvent(w, `{"type":"error","message":"broker unreachable"}`)
		writeEvent(w, `{"type":"error"}`)
		writeEvent(w, `{"type":"kafka-message","topic":"vehicle-tracking","data":{"id":"V001"},"timestamp":1}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	vehicles := make(chan json.RawMessage, 1)
	c := newTestConsumer(t, srv.URL, Options{
		OnError:       rec.onError,
		OnVehicleData: func(data json.RawMessage) { vehicles <- data },
	}, clockwork.NewFakeClock())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	select {
	case data := <-vehicles:
		assert.JSONEq(t, `{"id":"V001"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("vehicle data not routed")
	}

	errs := rec.Errors()
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], ErrMalformedMessage)
	assert.ErrorIs(t, errs[1], ErrUpstream)
	assert.Contains(t, errs[1].Error(), "broker unreachable")
	assert.ErrorIs(t, errs[2], ErrUpstream)
	assert.Equal(t, int64(1), requests.Load())
	assert.True(t, c.State().Connected)
}

func TestNoCallbacksAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
			if _, err := fmt.Fprint(w, "data: {\"type\":\"kafka-message\",\"topic\":\"order-status\",\"data\":{}}\n\n"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var calls atomic.Int64
	c := newTestConsumer(t, srv.URL, Options{
		OnOrderData: func(json.RawMessage) { calls.Add(1) },
	}, clockwork.NewFakeClock())
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return calls.Load() > 3 }, 2*time.Second, 5*time.Millisecond)

	c.Close()
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.False(t, c.State().Connected)
	assert.Equal(t, PhaseIdle, c.State().Phase)

	c.Close()
}

func TestCallbackCanStopConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		for range 5 {
			writeEvent(w, `{"type":"kafka-message","topic":"order-status","data":{}}`)
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	var (
		c     *Consumer
		calls atomic.Int64
	)
	c = newTestConsumer(t, srv.URL, Options{
		OnOrderData: func(json.RawMessage) {
			calls.Add(1)
			c.Stop()
		},
	}, clockwork.NewFakeClock())
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.Close()
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after stop")
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, PhaseIdle, c.State().Phase)
}

func TestRunReturnsWhenContextEndsDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c := newTestConsumer(t, srv.URL, Options{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

type captureUpstream struct {
	mu   sync.Mutex
	emit stream.EmitFunc
}

func (u *captureUpstream) Start(_ context.Context, _ []stream.Topic, emit stream.EmitFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.emit = emit
	return nil
}

func (u *captureUpstream) Stop() {}

func (u *captureUpstream) Emit(ctx context.Context, e stream.Event) {
	u.mu.Lock()
	emit := u.emit
	u.mu.Unlock()
	emit(ctx, e)
}

func TestRoundTripRoutesByTopic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger := zaptest.NewLogger(t)
	upstream := &captureUpstream{}

	h, err := hub.NewHub(upstream, hub.Config{RetryDelay: 5 * time.Second}, clock, logger)
	require.NoError(t, err)
	defer h.Close()

	handler, err := endpoint.NewHandler(h, endpoint.Config{BufferSize: 16}, clock, nopMetrics{}, logger)
	require.NoError(t, err)
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	vehicles := make(chan json.RawMessage, 4)
	others := make(chan stream.Topic, 4)
	c := newTestConsumer(t, srv.URL+endpoint.StreamPath, Options{
		OnVehicleData:     func(data json.RawMessage) { vehicles <- data },
		OnOrderData:       func(json.RawMessage) { others <- stream.TopicOrderStatus },
		OnPerformanceData: func(json.RawMessage) { others <- stream.TopicLogisticsData },
	}, clock)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return c.State().UpstreamReady }, 2*time.Second, 10*time.Millisecond)

	e, err := stream.NewEvent(stream.TopicVehicleTracking, map[string]any{"vehicles": []map[string]any{{"id": "V001"}}}, clock.Now())
	require.NoError(t, err)
	upstream.Emit(context.Background(), e)

	select {
	case data := <-vehicles:
		assert.JSONEq(t, `{"vehicles":[{"id":"V001"}]}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("vehicle data not routed")
	}
	assert.Empty(t, others)
}

func TestTopicsOverrideNamedCallbacks(t *testing.T) {
	var named, custom, alerts atomic.Int64
	c, err := NewConsumer(Config{URL: "http://localhost"}, Options{
		OnVehicleData: func(json.RawMessage) { named.Add(1) },
		Topics: map[stream.Topic]func(json.RawMessage){
			stream.TopicVehicleTracking: func(json.RawMessage) { custom.Add(1) },
			stream.TopicAlerts:          func(json.RawMessage) { alerts.Add(1) },
		},
	}, http.DefaultClient, clockwork.NewFakeClock(), zap.NewNop())
	require.NoError(t, err)

	c.dispatch(`{"type":"kafka-message","topic":"vehicle-tracking","data":{}}`)
	c.dispatch(`{"type":"kafka-message","topic":"alerts","data":{}}`)
	c.dispatch(`{"type":"kafka-message","topic":"unknown","data":{}}`)
	c.dispatch(`{"type":"something-else"}`)

	assert.Equal(t, int64(0), named.Load())
	assert.Equal(t, int64(1), custom.Load())
	assert.Equal(t, int64(1), alerts.Load())
}

type nopMetrics struct{}

func (nopMetrics) RecordConnectionOpened(string) {}
func (nopMetrics) RecordConnectionClosed(string) {}
