// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// =============================================================================
// PostgreSQL Audit Store
// =============================================================================

// PostgresAuditStore persists audit events to PostgreSQL for deployments
// where the trail must outlive the process.
type PostgresAuditStore struct {
	db *sql.DB
}

// OpenPostgresAuditStore connects to PostgreSQL, verifies the connection,
// and ensures the audit schema exists.
func OpenPostgresAuditStore(dsn string) (*PostgresAuditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	store := &PostgresAuditStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresAuditStore wraps an existing connection. Split out so tests
// can inject a sqlmock-backed handle.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL,
			stage TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			detail JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_actor_ts ON audit_events (actor, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts);
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Append inserts one event. Events are never updated afterwards.
func (s *PostgresAuditStore) Append(ctx context.Context, event Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, actor, stage, decision, reason_code, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Timestamp, event.Actor, event.Stage,
		string(event.Decision), event.ReasonCode, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query returns matching events, most recent first.
func (s *PostgresAuditStore) Query(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `
		SELECT id, ts, actor, stage, decision, reason_code, detail
		FROM audit_events WHERE 1=1`
	args := []interface{}{}

	if filter.Actor != "" {
		args = append(args, filter.Actor)
		query += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		query += fmt.Sprintf(" AND stage = $%d", len(args))
	}
	if filter.Decision != "" {
		args = append(args, string(filter.Decision))
		query += fmt.Sprintf(" AND decision = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}

	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var decision string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Stage, &decision, &e.ReasonCode, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Decision = Outcome(decision)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeBefore removes events older than the cutoff and reports the count.
func (s *PostgresAuditStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged audit events: %w", err)
	}
	return int(affected), nil
}

// Close releases the database connection.
func (s *PostgresAuditStore) Close() error {
	return s.db.Close()
}
