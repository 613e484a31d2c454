// Package store defines the fleet-store interfaces. Implementations live in
// the pg subpackage; tests use in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// ErrAgentNotFound is returned when no agent row exists for a type lookup.
// Daemon start treats it as fatal (the fleet registry owns agent identity).
var ErrAgentNotFound = errors.New("agent not found")

// AgentRecord is one row of the fleet registry.
type AgentRecord struct {
	ID        string
	Type      string
	Tier      protocol.Tier
	Status    string
	UpdatedAt time.Time
}

// AgentStore is the fleet registry.
type AgentStore interface {
	// ResolveByType returns the persistent agent for a role, or ErrAgentNotFound.
	ResolveByType(ctx context.Context, agentType string) (*AgentRecord, error)
	// UpdateStatus writes the registry status (pure function of daemon state).
	UpdateStatus(ctx context.Context, agentID, status string) error
	// List returns all registry rows (team snapshot for initiative prompts).
	List(ctx context.Context) ([]AgentRecord, error)
}

// StateStore is the per-agent key/value state bag.
type StateStore interface {
	Get(ctx context.Context, agentID, key string) (string, error)
	GetMany(ctx context.Context, agentID string, keys []string) (map[string]string, error)
	Set(ctx context.Context, agentID, key, value string) error
	SetMany(ctx context.Context, agentID string, kv map[string]string) error
}

// HistoryStore records per-loop action summaries.
type HistoryStore interface {
	Append(ctx context.Context, agentID, actionType, summary, details string) error
}

// EventStore records fleet-visible lifecycle events.
type EventStore interface {
	Append(ctx context.Context, eventType, sourceAgent string, payload []byte) error
}

// DecisionStore holds decisions awaiting head-tier votes.
type DecisionStore interface {
	Create(ctx context.Context, d protocol.Decision) error
	Pending(ctx context.Context) ([]protocol.Decision, error)
}

// SettingsStore exposes the shared settings table.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
}

// AuditRecord is one immutable audit row for a sensitive action.
type AuditRecord struct {
	AgentID    string
	AgentType  string
	ActionType string
	ActionData string // redacted payload
	Success    bool
	Error      string
	CreatedAt  time.Time
}

// AuditStore persists audit records. Writes must succeed independently of
// the action outcome they describe.
type AuditStore interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// Stores bundles every store a daemon needs.
type Stores struct {
	Agents    AgentStore
	State     StateStore
	History   HistoryStore
	Events    EventStore
	Decisions DecisionStore
	Settings  SettingsStore
	Audit     AuditStore
}
