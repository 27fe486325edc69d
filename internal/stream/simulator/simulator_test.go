package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"livestream/internal/stream"
)

type sink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *sink) emit(_ context.Context, e stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sink) Events() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

func newTestSimulator(t *testing.T) (*Simulator, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	s, err := NewSimulator(Config{Interval: 3 * time.Second, Vehicles: 8}, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	return s, clock
}

func waitForTicker(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestNewSimulatorValidatesConfig(t *testing.T) {
	_, err := NewSimulator(Config{Vehicles: 8}, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewSimulator(Config{Interval: -3 * time.Second, Vehicles: 8}, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	require.ErrorContains(t, err, "must be positive")

	_, err = NewSimulator(Config{Interval: 3 * time.Second, Vehicles: -1}, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	require.ErrorContains(t, err, "must not be negative")
}

func TestSimulatorEmitsOneEventPerTopicPerTick(t *testing.T) {
	s, clock := newTestSimulator(t)
	out := &sink{}

	topics := []stream.Topic{stream.TopicVehicleTracking, stream.TopicOrderStatus, "weather"}
	require.NoError(t, s.Start(context.Background(), topics, out.emit))
	waitForTicker(t, clock)

	clock.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, out.Len())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return out.Len() == 3 }, time.Second, time.Millisecond)

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return out.Len() == 6 }, time.Second, time.Millisecond)

	events := out.Events()
	for i, e := range events {
		assert.Equal(t, topics[i%3], e.Topic)
		assert.Equal(t, clock.Now().Year(), e.EmittedAt.Year())
	}

	var unknown Unknown
	require.NoError(t, json.Unmarshal(events[2].Payload, &unknown))
	assert.Equal(t, "Unknown topic", unknown.Message)
}

func TestSimulatorStopPreventsFurtherEmits(t *testing.T) {
	s, clock := newTestSimulator(t)
	out := &sink{}

	require.NoError(t, s.Start(context.Background(), []stream.Topic{stream.TopicOrderStatus}, out.emit))
	waitForTicker(t, clock)
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	clock.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, out.Len())

	s.Stop()
}

func TestSimulatorRejectsSecondStartUntilStopped(t *testing.T) {
	s, _ := newTestSimulator(t)
	out := &sink{}

	require.NoError(t, s.Start(context.Background(), stream.DefaultTopics, out.emit))
	assert.ErrorIs(t, s.Start(context.Background(), stream.DefaultTopics, out.emit), stream.ErrUpstreamRunning)

	s.Stop()
	require.NoError(t, s.Start(context.Background(), stream.DefaultTopics, out.emit))
}

func TestSimulatorOutlivesStartContext(t *testing.T) {
	s, clock := newTestSimulator(t)
	out := &sink{}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, []stream.Topic{stream.TopicLogisticsData}, out.emit))
	cancel()

	waitForTicker(t, clock)
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, time.Millisecond)
}

func TestPayloadGenerators(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	vt, ok := Payload(stream.TopicVehicleTracking, 8, now).(VehicleTracking)
	require.True(t, ok)
	require.Len(t, vt.Vehicles, 8)
	assert.Equal(t, "V001", vt.Vehicles[0].ID)
	assert.Equal(t, "V008", vt.Vehicles[7].ID)
	for _, v := range vt.Vehicles {
		assert.InDelta(t, originLat, v.Location.Lat, 0.05)
		assert.InDelta(t, originLng, v.Location.Lng, 0.05)
		assert.Contains(t, []string{"normal", "delayed", "error"}, v.Status)
		assert.GreaterOrEqual(t, v.Speed, 20)
		assert.Less(t, v.Speed, 100)
	}

	orders, ok := Payload(stream.TopicOrderStatus, 8, now).(OrderStatus)
	require.True(t, ok)
	assert.Equal(t, orders.Total-orders.Processing, orders.Completed)
	assert.GreaterOrEqual(t, orders.Total, 15000)

	ld, ok := Payload(stream.TopicLogisticsData, 8, now).(LogisticsData)
	require.True(t, ok)
	require.Len(t, ld.Cluster.Nodes, 3)
	assert.Equal(t, "master", ld.Cluster.Nodes[0].ID)
	assert.Less(t, ld.Performance.ErrorRate, 2.0)

	a, ok := Payload(stream.TopicAlerts, 8, now).(Alert)
	require.True(t, ok)
	assert.Contains(t, a.Details, a.DeviceID)
	assert.Equal(t, 1700000000.0, a.Timestamp)

	u, ok := Payload("unknown", 8, now).(Unknown)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), u.Timestamp)
}
