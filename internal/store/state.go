package store

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Well-known state keys. The loop reads only these six at context-gather
// time, never the full bag, which may hold arbitrary business keys.
const (
	KeyLoopCount    = "loop_count"
	KeyLastLoopAt   = "last_loop_at"
	KeySuccessCount = "success_count"
	KeyErrorCount   = "error_count"
	KeyCurrentFocus = "current_focus"
	KeyLastSummary  = "last_summary"
)

// EssentialKeys lists the keys loaded into every loop prompt.
var EssentialKeys = []string{
	KeyLoopCount, KeyLastLoopAt, KeySuccessCount,
	KeyErrorCount, KeyCurrentFocus, KeyLastSummary,
}

// Volatile market facts written by passive extraction from worker results.
// Their freshness is decoupled from LLM cost: the regex scan updates them
// on every worker_result, whether or not the message triggers a loop.
const (
	KeyMarketPrice     = "market_price"
	KeyFearGreed       = "fear_greed_index"
	KeyTreasuryBalance = "treasury_balance"
	KeyHoldersCount    = "holders_count"
	KeyTelegramMembers = "telegram_members"
	KeyMarketUpdatedAt = "market_updated_at"
)

// MarketKeys lists the passively extracted facts, freshness stamp included.
var MarketKeys = []string{
	KeyMarketPrice, KeyFearGreed, KeyTreasuryBalance,
	KeyHoldersCount, KeyTelegramMembers, KeyMarketUpdatedAt,
}

// StateManager binds a StateStore to one agent id. Only that daemon writes
// its partition; keys outside it are never touched.
type StateManager struct {
	store   StateStore
	agentID string
}

// NewStateManager binds store access to agentID.
func NewStateManager(s StateStore, agentID string) *StateManager {
	return &StateManager{store: s, agentID: agentID}
}

func (m *StateManager) Get(ctx context.Context, key string) (string, error) {
	return m.store.Get(ctx, m.agentID, key)
}

func (m *StateManager) Set(ctx context.Context, key, value string) error {
	return m.store.Set(ctx, m.agentID, key, value)
}

func (m *StateManager) SetMany(ctx context.Context, kv map[string]string) error {
	return m.store.SetMany(ctx, m.agentID, kv)
}

// Essential returns the six well-known keys (missing keys are absent).
func (m *StateManager) Essential(ctx context.Context) (map[string]string, error) {
	return m.store.GetMany(ctx, m.agentID, EssentialKeys)
}

// GetManyKeys reads an arbitrary key set from this agent's partition.
func (m *StateManager) GetManyKeys(ctx context.Context, keys []string) (map[string]string, error) {
	return m.store.GetMany(ctx, m.agentID, keys)
}

// IncrCounter reads, increments and writes an integer state key.
// Best-effort: the daemon is the only writer of its partition, so a plain
// read-modify-write cannot race with another process.
func (m *StateManager) IncrCounter(ctx context.Context, key string) int64 {
	v, err := m.store.Get(ctx, m.agentID, key)
	if err != nil {
		slog.Warn("state counter read failed", "key", key, "error", err)
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	n++
	if err := m.store.Set(ctx, m.agentID, key, strconv.FormatInt(n, 10)); err != nil {
		slog.Warn("state counter write failed", "key", key, "error", err)
	}
	return n
}

// TouchLastLoop stamps last_loop_at with the current time (RFC 3339).
func (m *StateManager) TouchLastLoop(ctx context.Context, now time.Time) error {
	return m.store.Set(ctx, m.agentID, KeyLastLoopAt, now.UTC().Format(time.RFC3339))
}
