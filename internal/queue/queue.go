// Package queue implements the per-agent task queue: a pending FIFO list
// and a processing mirror, with claim/ack/recover executed as single
// server-side scripts so no entry can be lost between pop and push.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Claim moves up to n entries from the head of pending onto the tail of
// processing and returns them, as one atomic unit.
const claimScript = `
local out = {}
for i = 1, tonumber(ARGV[1]) do
  local v = redis.call('LPOP', KEYS[1])
  if not v then break end
  redis.call('RPUSH', KEYS[2], v)
  table.insert(out, v)
end
return out`

// Ack removes exactly the given raw entries from processing.
const ackScript = `
local n = 0
for i = 1, #ARGV do
  n = n + redis.call('LREM', KEYS[1], 1, ARGV[i])
end
return n`

// Recover drains processing back onto the head of pending. Popping from the
// tail of processing keeps the oldest claimed entry at the pending head.
const recoverScript = `
local n = 0
while true do
  local v = redis.call('RPOP', KEYS[1])
  if not v then break end
  redis.call('LPUSH', KEYS[2], v)
  n = n + 1
end
return n`

// Broker is the minimal command surface the queue needs from the message
// broker. *redis.Client satisfies it through NewRedisBroker.
type Broker interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	RPush(ctx context.Context, key string, values ...interface{}) error
}

type redisBroker struct {
	rdb redis.UniversalClient
}

// NewRedisBroker adapts a go-redis client to the Broker interface.
func NewRedisBroker(rdb redis.UniversalClient) Broker {
	return &redisBroker{rdb: rdb}
}

func (b *redisBroker) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return b.rdb.Eval(ctx, script, keys, args...).Result()
}

func (b *redisBroker) LLen(ctx context.Context, key string) (int64, error) {
	return b.rdb.LLen(ctx, key).Result()
}

func (b *redisBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.rdb.LRange(ctx, key, start, stop).Result()
}

func (b *redisBroker) RPush(ctx context.Context, key string, values ...interface{}) error {
	return b.rdb.RPush(ctx, key, values...).Err()
}

// ClaimedTask pairs the raw list entry (needed for ack) with its parsed form.
type ClaimedTask struct {
	Raw  string
	Task protocol.Task
}

// Queue is the task queue for one agent type.
type Queue struct {
	broker     Broker
	pending    string
	processing string
}

// New builds a Queue using the canonical key layout for agentType.
func New(broker Broker, agentType string) *Queue {
	return &Queue{
		broker:     broker,
		pending:    protocol.TaskQueueKey(agentType),
		processing: protocol.TaskProcessingKey(agentType),
	}
}

// Claim atomically moves up to n tasks from pending to processing.
// Entries that fail to decode still count as claimed (they hold their
// place in processing and are acked or recovered with the batch).
func (q *Queue) Claim(ctx context.Context, n int) ([]ClaimedTask, error) {
	if n <= 0 {
		return nil, nil
	}
	res, err := q.broker.Eval(ctx, claimScript, []string{q.pending, q.processing}, n)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	raws, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("claim: unexpected reply type %T", res)
	}
	claimed := make([]ClaimedTask, 0, len(raws))
	for _, r := range raws {
		raw, _ := r.(string)
		ct := ClaimedTask{Raw: raw}
		if err := json.Unmarshal([]byte(raw), &ct.Task); err != nil {
			slog.Warn("claimed task failed to decode", "queue", q.pending, "error", err)
			ct.Task = protocol.Task{Title: raw, Priority: protocol.PriorityNormal}
		}
		if ct.Task.Priority == "" {
			ct.Task.Priority = protocol.PriorityNormal
		}
		claimed = append(claimed, ct)
	}
	return claimed, nil
}

// Ack atomically removes the claimed entries from the processing list.
func (q *Queue) Ack(ctx context.Context, claimed []ClaimedTask) error {
	if len(claimed) == 0 {
		return nil
	}
	args := make([]interface{}, len(claimed))
	for i, c := range claimed {
		args[i] = c.Raw
	}
	res, err := q.broker.Eval(ctx, ackScript, []string{q.processing}, args...)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n, ok := res.(int64); ok && int(n) != len(claimed) {
		slog.Warn("ack removed unexpected count", "queue", q.processing, "want", len(claimed), "got", n)
	}
	return nil
}

// Recover drains orphaned processing entries back to the head of pending,
// preserving claim order, and returns how many were requeued.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	res, err := q.broker.Eval(ctx, recoverScript, []string{q.processing, q.pending})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n, _ := res.(int64)
	return int(n), nil
}

// Count returns the pending list length.
func (q *Queue) Count(ctx context.Context) (int, error) {
	n, err := q.broker.LLen(ctx, q.pending)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return int(n), nil
}

// Enqueue appends a task to the tail of the pending list.
func (q *Queue) Enqueue(ctx context.Context, task protocol.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.broker.RPush(ctx, q.pending, string(data)); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// HeadPriority peeks the first few pending entries and returns the highest
// priority present. Used for priority-delay rescheduling after a loop.
func (q *Queue) HeadPriority(ctx context.Context, peek int) (protocol.Priority, error) {
	raws, err := q.broker.LRange(ctx, q.pending, 0, int64(peek-1))
	if err != nil {
		return protocol.PriorityNormal, fmt.Errorf("peek: %w", err)
	}
	best := protocol.PriorityNormal
	found := false
	for _, raw := range raws {
		var t protocol.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.Priority == "" {
			t.Priority = protocol.PriorityNormal
		}
		if !found || t.Priority.Rank() > best.Rank() {
			best = t.Priority
			found = true
		}
	}
	return best, nil
}
