package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel carrying integration events.
const DefaultChannel = "wallet_integration_events"

// Publisher pushes integration events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler consumes one integration event. A handler error is logged and the
// consumption loop moves on; redelivery relies on at-least-once upstream.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// HandleEvent calls the wrapped function.
func (fn HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// Bus publishes events over Redis pub/sub (fire-and-forget, at-least-once,
// unordered across consumers).
type Bus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewBus wires a Bus over a Redis client.
func NewBus(client *redis.Client, channel string, logger *zap.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, channel: channel, logger: logger}
}

// Publish marshals and publishes one event. The publisher never waits for
// consumers.
func (bus *Bus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := bus.client.Publish(ctx, bus.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	bus.logger.Debug("event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscriber fans events received on the channel out to its handlers.
type Subscriber struct {
	client   *redis.Client
	channel  string
	handlers []Handler
	logger   *zap.Logger
}

// NewSubscriber wires a Subscriber.
func NewSubscriber(client *redis.Client, channel string, logger *zap.Logger, handlers ...Handler) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, channel: channel, handlers: handlers, logger: logger}
}

// Run consumes events until the context is canceled. Malformed messages and
// handler failures are logged and skipped; the loop itself only stops with the
// context.
func (subscriber *Subscriber) Run(ctx context.Context) error {
	pubsub := subscriber.client.Subscribe(ctx, subscriber.channel)
	defer func() { _ = pubsub.Close() }()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, open := <-messages:
			if !open {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				subscriber.logger.Warn("malformed event dropped", zap.Error(err))
				continue
			}
			subscriber.dispatch(ctx, event)
		}
	}
}

func (subscriber *Subscriber) dispatch(ctx context.Context, event Event) {
	for _, handler := range subscriber.handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			subscriber.logger.Error("event handler failed",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}
}
