package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/telemetry"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	streamReadBlock = 5 * time.Second
	streamReadCount = 10
	reclaimMinIdle  = 30 * time.Second
)

// StreamConsumer reads an agent's durable stream through a consumer group.
// Entries are acked only after a successful dispatch; anything else stays
// pending and is reclaimed on the next startup (at-least-once).
type StreamConsumer struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	handler  Handler
}

func NewStreamConsumer(rdb redis.UniversalClient, agentID, agentType string, pid int, handler Handler) *StreamConsumer {
	return &StreamConsumer{
		rdb:      rdb,
		stream:   protocol.AgentStream(agentID),
		group:    protocol.ConsumerGroup(agentType),
		consumer: protocol.ConsumerName(agentType, pid),
		handler:  handler,
	}
}

// EnsureGroup creates the consumer group, tolerating a pre-existing one.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// RecoverPending claims entries left pending for longer than the idle
// threshold (a previous consumer crashed mid-dispatch) and reprocesses
// them. Returns how many entries were reclaimed.
func (c *StreamConsumer) RecoverPending(ctx context.Context) (int, error) {
	var total int
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  reclaimMinIdle,
			Start:    start,
			Count:    streamReadCount,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xautoclaim %s: %w", c.stream, err)
		}
		for _, m := range msgs {
			c.process(ctx, m)
			total++
		}
		if next == "0-0" || len(msgs) == 0 {
			return total, nil
		}
		start = next
	}
}

// Run blocks reading new entries until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    streamReadCount,
			Block:    streamReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Warn("stream read failed", "stream", c.stream, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				c.process(ctx, m)
			}
		}
	}
}

// process dispatches one entry and acks on success. A failed dispatch
// leaves the entry pending for later redelivery.
func (c *StreamConsumer) process(ctx context.Context, m redis.XMessage) {
	payload, _ := m.Values["payload"].(string)

	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("undecodable stream entry acked and dropped",
			"stream", c.stream, "id", m.ID, "error", err)
		// Poison entries are acked so they cannot loop forever.
		c.ack(ctx, m.ID)
		return
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = telemetry.NewCorrelationID()
	}

	mctx := telemetry.ContextWithCorrelation(ctx, msg.CorrelationID)
	mctx, span := telemetry.Tracer().Start(mctx, "stream.dispatch")
	defer span.End()

	if err := c.handler(mctx, msg); err != nil {
		slog.Warn("stream dispatch failed, entry stays pending",
			"stream", c.stream, "id", m.ID, "type", msg.Type, "error", err)
		return
	}
	c.ack(ctx, m.ID)
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		slog.Warn("stream ack failed", "stream", c.stream, "id", id, "error", err)
	}
}
