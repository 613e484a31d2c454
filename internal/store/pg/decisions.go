package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// DecisionStore implements store.DecisionStore on the decisions table.
type DecisionStore struct {
	db *sql.DB
}

func NewDecisionStore(db *sql.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

func (s *DecisionStore) Create(ctx context.Context, d protocol.Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, title, description, type, proposed_by, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Title, d.Description, string(d.Tier), d.ProposedBy, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

func (s *DecisionStore) Pending(ctx context.Context) ([]protocol.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, type, proposed_by, created_at, status
		 FROM decisions WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pending decisions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Decision
	for rows.Next() {
		var d protocol.Decision
		var tier string
		if err := rows.Scan(&d.ID, &d.Title, &d.Description, &tier, &d.ProposedBy, &d.CreatedAt, &d.Status); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Tier = protocol.DecisionTier(tier)
		out = append(out, d)
	}
	return out, rows.Err()
}
