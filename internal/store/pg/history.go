package pg

import (
	"context"
	"database/sql"
	"fmt"
)

// HistoryStore implements store.HistoryStore on the history table.
type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Append(ctx context.Context, agentID, actionType, summary, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (agent_id, action_type, summary, details, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		agentID, actionType, summary, details,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// EventStore implements store.EventStore on the events table.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, eventType, sourceAgent string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_type, source_agent, payload, created_at)
		 VALUES ($1, $2, $3, now())`,
		eventType, sourceAgent, payload,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
