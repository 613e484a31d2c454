package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// AuditStore implements store.AuditStore on the audit table.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Record(ctx context.Context, rec store.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (agent_id, agent_type, action_type, action_data, success, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.AgentID, rec.AgentType, rec.ActionType, rec.ActionData, rec.Success, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	return nil
}

// SettingsStore implements store.SettingsStore on the settings table.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
