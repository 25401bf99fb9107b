package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBridge republishes local events to a Redis channel and re-emits
// events published by other instances, so live views stay current across
// processes serving the same store. It is optional: without Redis the bus
// still delivers within one process.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	emitter    *Emitter
	logger     *slog.Logger
	instanceID string
	stop       func()
}

// envelope is the wire form of a bridged event.
type envelope struct {
	Origin string         `json:"origin"`
	Event  string         `json:"event"`
	Data   map[string]any `json:"data,omitempty"`
}

// RemoteEvent is an event received from another instance. It carries the
// original event name and payload; it is never republished to Redis.
type RemoteEvent struct {
	Name string
	Data map[string]any
}

func (e RemoteEvent) EventName() string { return e.Name }

// NewRedisBridge connects the global emitter to a Redis pub/sub channel.
func NewRedisBridge(addr, channel string, logger *slog.Logger) *RedisBridge {
	return &RedisBridge{
		client:     redis.NewClient(&redis.Options{Addr: addr}),
		channel:    channel,
		emitter:    Global(),
		logger:     logger,
		instanceID: uuid.New().String(),
	}
}

// Start begins bridging in both directions until ctx is cancelled.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(ctx, b.channel)

	unsubscribe := b.emitter.OnAny(func(ev Event) {
		if _, remote := ev.(RemoteEvent); remote {
			return
		}
		env := envelope{Origin: b.instanceID, Event: ev.EventName(), Data: eventToData(ev)}
		payload, err := json.Marshal(env)
		if err != nil {
			return
		}
		if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
			b.logger.Warn("Failed to publish event to redis", "event", ev.EventName(), "error", err)
		}
	})
	b.stop = unsubscribe

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("Dropped malformed redis event", "error", err)
					continue
				}
				if env.Origin == b.instanceID {
					continue
				}
				b.emitter.Emit(RemoteEvent{Name: env.Event, Data: env.Data})
			}
		}
	}()

	return nil
}

// Close detaches the bridge from the local emitter and closes the client.
func (b *RedisBridge) Close() error {
	if b.stop != nil {
		b.stop()
	}
	return b.client.Close()
}
