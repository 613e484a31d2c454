// Package pg implements the store interfaces against Postgres.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// OpenDB opens a pooled connection using the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores creates every store backed by one Postgres pool.
func NewStores(dsn string) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	return &store.Stores{
		Agents:    NewAgentStore(db),
		State:     NewStateStore(db),
		History:   NewHistoryStore(db),
		Events:    NewEventStore(db),
		Decisions: NewDecisionStore(db),
		Settings:  NewSettingsStore(db),
		Audit:     NewAuditStore(db),
	}, db, nil
}
