package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// AgentStore implements store.AgentStore on the agents table.
type AgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) ResolveByType(ctx context.Context, agentType string) (*store.AgentRecord, error) {
	var rec store.AgentRecord
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, tier, status, updated_at FROM agents WHERE type = $1`,
		agentType,
	).Scan(&rec.ID, &rec.Type, &tier, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("type %q: %w", agentType, store.ErrAgentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	rec.Tier = protocol.Tier(tier)
	return &rec, nil
}

func (s *AgentStore) UpdateStatus(ctx context.Context, agentID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`,
		agentID, status,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

func (s *AgentStore) List(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, tier, status, updated_at FROM agents ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []store.AgentRecord
	for rows.Next() {
		var rec store.AgentRecord
		var tier string
		if err := rows.Scan(&rec.ID, &rec.Type, &tier, &rec.Status, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		rec.Tier = protocol.Tier(tier)
		out = append(out, rec)
	}
	return out, rows.Err()
}
