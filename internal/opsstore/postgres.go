package opsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL, the optional ops backend
// for deployments that already run a shared Postgres instance.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a Postgres-backed ops store and runs its migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opsstore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opsstore: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS dispute_records (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			disputant TEXT NOT NULL,
			respondent TEXT NOT NULL,
			verdict TEXT NOT NULL,
			phase TEXT NOT NULL,
			resolved_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispute_records_resolved_at ON dispute_records(resolved_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) LogEvent(ctx context.Context, e AuditEvent) error {
	detail := e.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, action, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Actor, e.Action, string(detail), e.CreatedAt)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = json.RawMessage(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDispute(ctx context.Context, d DisputeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispute_records (id, proposal_id, disputant, respondent, verdict, phase, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET verdict=excluded.verdict, phase=excluded.phase, resolved_at=excluded.resolved_at`,
		d.ID, d.ProposalID, d.Disputant, d.Respondent, d.Verdict, d.Phase, d.ResolvedAt)
	return err
}

func (s *PostgresStore) ListDisputes(ctx context.Context, limit int) ([]DisputeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, proposal_id, disputant, respondent, verdict, phase, resolved_at FROM dispute_records ORDER BY resolved_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DisputeRecord
	for rows.Next() {
		var d DisputeRecord
		if err := rows.Scan(&d.ID, &d.ProposalID, &d.Disputant, &d.Respondent, &d.Verdict, &d.Phase, &d.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
