// Package bus is the message fabric: best-effort pub/sub for low-latency
// delivery plus durable streams with consumer groups for at-least-once
// delivery. Both live on the same broker.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/telemetry"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Handler processes one decoded message. Errors are logged by the fabric
// and, for stream deliveries, leave the entry pending for redelivery.
type Handler func(ctx context.Context, msg protocol.Message) error

// Bus is the pub/sub side of the fabric plus message emission.
type Bus struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

// Publish emits a message to a pub/sub channel. Missing id, timestamp and
// correlation id are filled in.
func (b *Bus) Publish(ctx context.Context, channel string, msg protocol.Message) error {
	normalize(&msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PublishDurable appends a message to an agent's durable stream. Delivery
// survives the consumer being down; the consumer group acks after dispatch.
func (b *Bus) PublishDurable(ctx context.Context, stream string, msg protocol.Message) error {
	normalize(&msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Subscribe listens on the given channels and dispatches decoded messages
// to handler inside a trace context derived from the correlation id.
// Blocks until ctx is cancelled. Handler errors are logged and swallowed so
// one bad payload cannot kill the subscriber.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	// Force the subscription to be established before we report listening.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	slog.Info("subscribed", "channels", channels)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, handler, raw.Channel, []byte(raw.Payload))
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, handler Handler, channel string, payload []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("undecodable message dropped", "channel", channel, "error", err)
		return
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = telemetry.NewCorrelationID()
	}

	mctx := telemetry.ContextWithCorrelation(ctx, msg.CorrelationID)
	mctx, span := telemetry.Tracer().Start(mctx, "message.dispatch")
	defer span.End()

	if err := handler(mctx, msg); err != nil {
		slog.Error("message handler failed",
			"channel", channel, "type", msg.Type, "from", msg.From, "error", err)
	}
}

func normalize(msg *protocol.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = telemetry.NewCorrelationID()
	}
	if msg.Priority == "" {
		msg.Priority = protocol.PriorityNormal
	}
}
