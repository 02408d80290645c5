package opsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite in WAL mode. This
// is the default ops backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite-backed ops store at dsn
// and runs its migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opsstore: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opsstore: set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opsstore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS dispute_records (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			disputant TEXT NOT NULL,
			respondent TEXT NOT NULL,
			verdict TEXT NOT NULL,
			phase TEXT NOT NULL,
			resolved_at DATETIME NOT NULL
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

func (s *SQLiteStore) LogEvent(ctx context.Context, e AuditEvent) error {
	detail := e.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, string(detail), e.CreatedAt)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT ?`, limit)
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

func (s *SQLiteStore) RecordDispute(ctx context.Context, d DisputeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispute_records (id, proposal_id, disputant, respondent, verdict, phase, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET verdict=excluded.verdict, phase=excluded.phase, resolved_at=excluded.resolved_at`,
		d.ID, d.ProposalID, d.Disputant, d.Respondent, d.Verdict, d.Phase, d.ResolvedAt)
	return err
}

func (s *SQLiteStore) ListDisputes(ctx context.Context, limit int) ([]DisputeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, proposal_id, disputant, respondent, verdict, phase, resolved_at FROM dispute_records ORDER BY resolved_at DESC LIMIT ?`, limit)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
