package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// StateStore implements store.StateStore on the agent_state table.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

func (s *StateStore) Get(ctx context.Context, agentID, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE agent_id = $1 AND key = $2`,
		agentID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return v, nil
}

func (s *StateStore) GetMany(ctx context.Context, agentID string, keys []string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM agent_state WHERE agent_id = $1 AND key = ANY($2)`,
		agentID, pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("get state keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *StateStore) Set(ctx context.Context, agentID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (agent_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (agent_id, key) DO UPDATE SET value = $3, updated_at = now()`,
		agentID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

func (s *StateStore) SetMany(ctx context.Context, agentID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_state (agent_id, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (agent_id, key) DO UPDATE SET value = $3, updated_at = now()`,
			agentID, k, v,
		); err != nil {
			return fmt.Errorf("set state %s: %w", k, err)
		}
	}
	return tx.Commit()
}
