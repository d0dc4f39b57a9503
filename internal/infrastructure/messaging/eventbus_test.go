package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
)

func seatEvent(t shared.EventType) shared.SeatEvent {
	return shared.NewSeatEvent(t, "c1", "s1", "s1")
}

// ══════════════════════════════════════════════════════════════════════════════
// In-memory bus
// ══════════════════════════════════════════════════════════════════════════════

func TestInMemoryEventBus_Sync(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventStudentPromoted, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return errors.New("boom")
	}))

	require.NoError(t, bus.Publish(seatEvent(shared.EventStudentPromoted)))
	require.NoError(t, bus.Publish(seatEvent(shared.EventEnrollmentDropped)))

	assert.Equal(t, []shared.EventType{shared.EventStudentPromoted}, typed)
	assert.Equal(t, []shared.EventType{shared.EventStudentPromoted, shared.EventEnrollmentDropped}, all)

	assert.Equal(t, Stats{Published: 2, Handled: 3, Failed: 2}, bus.Stats())
}

func TestInMemoryEventBus_AsyncRecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})
	defer bus.Close()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventStudentWaitlisted, func(shared.Event) error {
		calls.Add(1)
		panic("handler bug")
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(seatEvent(shared.EventStudentWaitlisted)))
	}
	bus.Drain()

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, int64(5), bus.Stats().Failed)
}

func TestInMemoryEventBus_Closed(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(seatEvent(shared.EventStudentPromoted)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventStudentPromoted, func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.Error(t, bus.Publish(nil))
}

// ══════════════════════════════════════════════════════════════════════════════
// Redis bus
// ══════════════════════════════════════════════════════════════════════════════

// fakeBroker delivers every published message to every subscriber, like a
// Redis channel shared by several instances.
type fakeBroker struct {
	mu   sync.Mutex
	subs []chan RedisMessage
	fail atomic.Int32
}

type fakeClient struct {
	broker    *fakeBroker
	published atomic.Int32
}

func (c *fakeClient) Publish(_ context.Context, channel string, message interface{}) error {
	c.published.Add(1)
	if c.broker.fail.Load() > 0 {
		c.broker.fail.Add(-1)
		return errors.New("redis unavailable")
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, ch := range c.broker.subs {
		ch <- RedisMessage{Channel: channel, Payload: message.(string)}
	}
	return nil
}

func (c *fakeClient) Subscribe(_ context.Context, _ ...string) (<-chan RedisMessage, error) {
	ch := make(chan RedisMessage, 16)
	c.broker.mu.Lock()
	c.broker.subs = append(c.broker.subs, ch)
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *fakeClient) Close() error { return nil }

func TestRedisEventBus_FanOut(t *testing.T) {
	broker := &fakeBroker{}
	syncLocal := InMemoryEventBusConfig{AsyncMode: false}

	a, err := NewRedisEventBus(RedisEventBusConfig{Client: &fakeClient{broker: broker}, InstanceID: "a", LocalBusConfig: syncLocal})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisEventBus(RedisEventBusConfig{Client: &fakeClient{broker: broker}, InstanceID: "b", LocalBusConfig: syncLocal})
	require.NoError(t, err)
	defer b.Close()

	var onA atomic.Int32
	received := make(chan shared.SeatEvent, 1)
	require.NoError(t, a.Subscribe(shared.EventStudentPromoted, func(shared.Event) error {
		onA.Add(1)
		return nil
	}))
	require.NoError(t, b.Subscribe(shared.EventStudentPromoted, func(e shared.Event) error {
		received <- e.(shared.SeatEvent)
		return nil
	}))

	evt := seatEvent(shared.EventStudentPromoted)
	evt.BaseEvent = evt.BaseEvent.WithCorrelationID("req-1")
	evt.Position = 2
	require.NoError(t, a.Publish(evt))

	select {
	case got := <-received:
		assert.Equal(t, "c1", got.CourseID)
		assert.Equal(t, "s1", got.StudentID)
		assert.Equal(t, 2, got.Position)
		assert.Equal(t, "req-1", got.CorrelationID)
		assert.Equal(t, shared.EventStudentPromoted, got.EventType())
		assert.True(t, got.Remote)
	case <-time.After(2 * time.Second):
		t.Fatal("remote instance did not receive the event")
	}

	// The publisher's own copy comes back from Redis and must be ignored.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), onA.Load())
}

func TestRedisEventBus_PublishFailureStillDispatchesLocally(t *testing.T) {
	broker := &fakeBroker{}
	broker.fail.Store(10)
	client := &fakeClient{broker: broker}

	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: client, LocalBusConfig: InMemoryEventBusConfig{}})
	require.NoError(t, err)
	defer bus.Close()

	var local atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		local.Add(1)
		return nil
	}))

	require.NoError(t, bus.Publish(seatEvent(shared.EventEnrollmentDropped)))
	assert.Equal(t, int32(1), local.Load())
	assert.Eventually(t, func() bool { return bus.Stats().Dropped == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), client.published.Load(), "publish is retried")
}

// stuckClient holds every Publish until release is closed.
type stuckClient struct {
	entered   chan struct{}
	release   chan struct{}
	published atomic.Int32
}

func newStuckClient() *stuckClient {
	return &stuckClient{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (c *stuckClient) Publish(ctx context.Context, _ string, _ interface{}) error {
	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.published.Add(1)
	return nil
}

func (c *stuckClient) Subscribe(context.Context, ...string) (<-chan RedisMessage, error) {
	return make(chan RedisMessage), nil
}

func (c *stuckClient) Close() error { return nil }

func TestRedisEventBus_PublishDoesNotWaitForRedis(t *testing.T) {
	client := newStuckClient()
	bus, err := NewRedisEventBus(RedisEventBusConfig{
		Client:           client,
		PublishQueueSize: 1,
		LocalBusConfig:   InMemoryEventBusConfig{},
	})
	require.NoError(t, err)

	var local atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		local.Add(1)
		return nil
	}))

	start := time.Now()
	require.NoError(t, bus.Publish(seatEvent(shared.EventStudentPromoted)))
	select {
	case <-client.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder never reached redis")
	}
	// One event is stuck in Redis, one waits in the queue, the third has no room.
	require.NoError(t, bus.Publish(seatEvent(shared.EventStudentWaitlisted)))
	require.NoError(t, bus.Publish(seatEvent(shared.EventEnrollmentDropped)))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(3), local.Load())
	assert.Equal(t, int64(1), bus.Stats().Dropped)
	assert.Zero(t, client.published.Load())

	close(client.release)
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(2), client.published.Load(), "close flushes the queue")
}

func TestRedisEventBus_IgnoresGarbage(t *testing.T) {
	broker := &fakeBroker{}
	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: &fakeClient{broker: broker}, LocalBusConfig: InMemoryEventBusConfig{}})
	require.NoError(t, err)
	defer bus.Close()

	var calls atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		calls.Add(1)
		return nil
	}))

	broker.mu.Lock()
	broker.subs[0] <- RedisMessage{Payload: "{not json"}
	broker.subs[0] <- RedisMessage{Err: errors.New("connection reset")}
	broker.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Zero(t, bus.Stats().Published)
}

type localOnlyEvent struct{ shared.BaseEvent }

func TestRedisEventBus_RejectsNonSeatEvents(t *testing.T) {
	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: &fakeClient{broker: &fakeBroker{}}})
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Publish(localOnlyEvent{shared.NewBaseEvent(shared.EventStudentPromoted, "c1")}), ErrEventNotSupported)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(seatEvent(shared.EventStudentPromoted)), ErrEventBusClosed)
}

func TestWireEvent_RoundTrip(t *testing.T) {
	evt := seatEvent(shared.EventEnrollmentDropped)
	evt.Reason = "schedule conflict"

	data, err := json.Marshal(wireEvent{InstanceID: "x", Event: evt})
	require.NoError(t, err)

	var back wireEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "x", back.InstanceID)
	assert.Equal(t, evt.Reason, back.Event.Reason)
	assert.Equal(t, evt.AggregateID(), back.Event.AggregateID())
	assert.True(t, evt.OccurredAt().Equal(back.Event.OccurredAt()))
}
