package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// deadLetterCap bounds the per-agent dead-letter list. Oldest entries are
// trimmed first.
const deadLetterCap = 100

// DeadLetterEntry is one action that exhausted its retries, retained for
// offline inspection.
type DeadLetterEntry struct {
	Action   protocol.Action `json:"action"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failedAt"`
}

type deadLetterBroker interface {
	LPush(ctx context.Context, key string, values ...interface{}) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

type redisDeadLetterBroker struct {
	rdb redis.UniversalClient
}

func (b *redisDeadLetterBroker) LPush(ctx context.Context, key string, values ...interface{}) error {
	return b.rdb.LPush(ctx, key, values...).Err()
}

func (b *redisDeadLetterBroker) LTrim(ctx context.Context, key string, start, stop int64) error {
	return b.rdb.LTrim(ctx, key, start, stop).Err()
}

func (b *redisDeadLetterBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.rdb.LRange(ctx, key, start, stop).Result()
}

// DeadLetter is the bounded per-agent list of failed actions.
type DeadLetter struct {
	broker deadLetterBroker
	key    string
}

// NewDeadLetter builds the dead-letter list for one agent type.
func NewDeadLetter(rdb redis.UniversalClient, agentType string) *DeadLetter {
	return newDeadLetter(&redisDeadLetterBroker{rdb: rdb}, agentType)
}

func newDeadLetter(broker deadLetterBroker, agentType string) *DeadLetter {
	return &DeadLetter{broker: broker, key: protocol.DeadLetterKey(agentType)}
}

// Push records a failed action, trimming the list to the cap.
func (d *DeadLetter) Push(ctx context.Context, entry DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	if err := d.broker.LPush(ctx, d.key, string(data)); err != nil {
		return fmt.Errorf("dead-letter push: %w", err)
	}
	if err := d.broker.LTrim(ctx, d.key, 0, deadLetterCap-1); err != nil {
		return fmt.Errorf("dead-letter trim: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (d *DeadLetter) Recent(ctx context.Context, n int) ([]DeadLetterEntry, error) {
	raws, err := d.broker.LRange(ctx, d.key, 0, int64(n-1))
	if err != nil {
		return nil, fmt.Errorf("dead-letter range: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
