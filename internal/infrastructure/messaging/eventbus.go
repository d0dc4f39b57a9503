// Package messaging implements the event bus that carries seat lifecycle
// events from the enrollment manager to notification handlers. An in-memory
// bus serves a single instance; the Redis bus fans events out to every
// instance subscribed to the same channel.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alem-hub/course-capacity/internal/domain/shared"
	"github.com/alem-hub/course-capacity/pkg/retry"
)

var (
	ErrEventBusClosed    = errors.New("messaging: event bus is closed")
	ErrHandlerPanic      = errors.New("messaging: handler panicked")
	ErrEventNotSupported = errors.New("messaging: event cannot cross instances")
	errNilHandler        = errors.New("messaging: handler is nil")
	errNilEvent          = errors.New("messaging: event is nil")
)

// Stats are the running counters of a bus.
type Stats struct {
	Published int64
	Handled   int64
	Failed    int64

	// Dropped counts events that never reached the Redis channel.
	Dropped int64
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBusConfig configures an InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on goroutines instead of inside Publish.
	AsyncMode bool

	// WorkerPoolSize caps concurrently running async handlers.
	WorkerPoolSize int

	Logger *slog.Logger
}

// DefaultInMemoryEventBusConfig returns the production defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 10}
}

// InMemoryEventBus dispatches events to handlers registered in this
// process. Handler errors and panics are logged, never returned to the
// publisher.
type InMemoryEventBus struct {
	async bool
	slots chan struct{}
	log   *slog.Logger

	mu       sync.RWMutex
	byType   map[shared.EventType][]shared.EventHandler
	wildcard []shared.EventHandler
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup

	published, handled, failed atomic.Int64
}

// NewInMemoryEventBus creates a bus.
func NewInMemoryEventBus(cfg InMemoryEventBusConfig) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	return &InMemoryEventBus{
		async:  cfg.AsyncMode,
		slots:  make(chan struct{}, cfg.WorkerPoolSize),
		log:    cfg.Logger.With("component", "event_bus"),
		byType: make(map[shared.EventType][]shared.EventHandler),
		done:   make(chan struct{}),
	}
}

// Subscribe implements shared.EventSubscriber.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.register(func() { b.byType[eventType] = append(b.byType[eventType], handler) }, handler)
}

// SubscribeAll implements shared.EventSubscriber.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.register(func() { b.wildcard = append(b.wildcard, handler) }, handler)
}

func (b *InMemoryEventBus) register(add func(), handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	add()
	return nil
}

// Publish implements shared.EventPublisher.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	typed := b.byType[event.EventType()]
	targets := make([]shared.EventHandler, 0, len(typed)+len(b.wildcard))
	targets = append(append(targets, typed...), b.wildcard...)
	if b.async {
		// Counted under the lock so Close cannot miss them.
		b.inflight.Add(len(targets))
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, h := range targets {
		if !b.async {
			b.invoke(event, h)
			continue
		}
		go func(h shared.EventHandler) {
			defer b.inflight.Done()
			select {
			case b.slots <- struct{}{}:
				defer func() { <-b.slots }()
			case <-b.done:
				return
			}
			b.invoke(event, h)
		}(h)
	}
	return nil
}

func (b *InMemoryEventBus) invoke(event shared.Event, h shared.EventHandler) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		return h(event)
	}()

	b.handled.Add(1)
	if err != nil {
		b.failed.Add(1)
		b.log.Error("event handler failed", "event_type", event.EventType(), "error", err)
	}
}

// Drain waits for every async handler started so far.
func (b *InMemoryEventBus) Drain() {
	b.inflight.Wait()
}

// Stats returns the current counters.
func (b *InMemoryEventBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Handled:   b.handled.Load(),
		Failed:    b.failed.Load(),
	}
}

// Close rejects further events and waits for running handlers. Handlers
// still queued for a worker slot are dropped.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.inflight.Wait()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient is the pub/sub surface the Redis bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
	Close() error
}

// RedisMessage is one delivery from a subscription.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBusConfig configures a RedisEventBus.
type RedisEventBusConfig struct {
	Client RedisClient

	// ChannelName defaults to "course-capacity:events".
	ChannelName string

	// InstanceID tags outgoing messages so this instance can skip its own
	// copies. Generated when empty.
	InstanceID string

	// PublishQueueSize bounds events waiting for Redis. Defaults to 256.
	PublishQueueSize int

	LocalBusConfig InMemoryEventBusConfig
	Logger         *slog.Logger
}

// RedisEventBus delivers locally published seat events to local handlers
// directly and to other instances through a Redis channel. The Redis side
// runs on a background forwarder so Publish never waits on the network.
type RedisEventBus struct {
	local    *InMemoryEventBus
	client   RedisClient
	channel  string
	instance string
	retrier  *retry.Retrier
	log      *slog.Logger

	outbox    chan outgoing
	forwarder sync.WaitGroup
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type outgoing struct {
	payload string
	event   shared.SeatEvent
}

// wireEvent is the JSON carried on the channel.
type wireEvent struct {
	InstanceID string           `json:"instance_id"`
	Event      shared.SeatEvent `json:"event"`
}

// NewRedisEventBus subscribes to the channel and starts relaying remote
// events to local handlers.
func NewRedisEventBus(cfg RedisEventBusConfig) (*RedisEventBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("messaging: redis client is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "course-capacity:events"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PublishQueueSize <= 0 {
		cfg.PublishQueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalBusConfig.Logger == nil {
		cfg.LocalBusConfig.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisEventBus{
		local:    NewInMemoryEventBus(cfg.LocalBusConfig),
		client:   cfg.Client,
		channel:  cfg.ChannelName,
		instance: cfg.InstanceID,
		retrier:  retry.PublishRetrier(),
		log:      cfg.Logger.With("component", "redis_event_bus", "instance", cfg.InstanceID),
		outbox:   make(chan outgoing, cfg.PublishQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	messages, err := cfg.Client.Subscribe(ctx, cfg.ChannelName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("messaging: subscribe %s: %w", cfg.ChannelName, err)
	}
	b.loop.Add(1)
	go b.relay(messages)
	b.forwarder.Add(1)
	go b.forward()

	return b, nil
}

// Subscribe implements shared.EventSubscriber.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

// SubscribeAll implements shared.EventSubscriber.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish implements shared.EventPublisher. Only seat events can cross
// instances. Local handlers run as usual; the Redis copy is queued and a
// full queue drops it with a log line.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}
	seat, ok := event.(shared.SeatEvent)
	if !ok {
		return fmt.Errorf("%w: %T", ErrEventNotSupported, event)
	}

	payload, err := json.Marshal(wireEvent{InstanceID: b.instance, Event: seat})
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", seat.EventType(), err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	select {
	case b.outbox <- outgoing{payload: string(payload), event: seat}:
	default:
		b.dropped.Add(1)
		b.log.Warn("redis publish queue full; event not fanned out", "event_type", seat.EventType(), "course_id", seat.CourseID)
	}
	b.mu.RUnlock()

	return b.local.Publish(event)
}

func (b *RedisEventBus) forward() {
	defer b.forwarder.Done()
	for out := range b.outbox {
		err := b.retrier.Do(b.ctx, func(ctx context.Context) error {
			return b.client.Publish(ctx, b.channel, out.payload)
		})
		if err != nil {
			b.dropped.Add(1)
			b.log.Error("redis publish failed", "event_type", out.event.EventType(), "course_id", out.event.CourseID, "error", err)
		}
	}
}

func (b *RedisEventBus) relay(messages <-chan RedisMessage) {
	defer b.loop.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.deliver(msg)
		}
	}
}

func (b *RedisEventBus) deliver(msg RedisMessage) {
	if msg.Err != nil {
		b.log.Error("redis subscription error", "error", msg.Err)
		return
	}

	var in wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
		b.log.Error("undecodable event on channel", "channel", msg.Channel, "error", err)
		return
	}
	if in.InstanceID == b.instance {
		return
	}
	in.Event.Remote = true
	if err := b.local.Publish(in.Event); err != nil {
		b.log.Error("remote event not dispatched", "event_type", in.Event.EventType(), "error", err)
	}
}

// Drain waits for local handlers started so far.
func (b *RedisEventBus) Drain() {
	b.local.Drain()
}

// Stats returns the counters of the local bus plus events lost on the way
// to Redis.
func (b *RedisEventBus) Stats() Stats {
	st := b.local.Stats()
	st.Dropped = b.dropped.Load()
	return st
}

// Close flushes queued events to Redis, stops relaying, waits for local
// handlers and closes the client.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.outbox)
	b.mu.Unlock()

	b.forwarder.Wait()
	b.cancel()
	b.loop.Wait()

	_ = b.local.Close()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("messaging: close redis client: %w", err)
	}
	return nil
}
