package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    action     TEXT NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    target_id  TEXT NOT NULL DEFAULT '',
    summary    TEXT NOT NULL DEFAULT '',
    detail     TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action, created_at);
`

// SQLiteSink stores events in a SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Append(ctx context.Context, e Event) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	var detail any
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (action, actor, target_id, summary, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Action, e.Actor, e.TargetID, e.Summary, detail, e.TS.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Recent(ctx context.Context, q Query) ([]Event, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	if q.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, q.Actor)
	}
	query := fmt.Sprintf(
		"SELECT id, action, actor, target_id, summary, detail, created_at FROM audit_events WHERE %s ORDER BY id DESC LIMIT ? OFFSET ?",
		strings.Join(where, " AND "),
	)
	args = append(args, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e       Event
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Summary, &detail, &created); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = []byte(detail.String)
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
