package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/toolgate/pkg/tool"
)

// SQLiteSink stores entries in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens the database at path and creates the schema.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		call_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		origin TEXT NOT NULL,
		class TEXT,
		actor TEXT,
		role TEXT,
		stages TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		severity TEXT NOT NULL,
		bytes_in INTEGER NOT NULL,
		bytes_out INTEGER NOT NULL,
		truncated INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_call ON audit_entries(call_id);
	CREATE INDEX IF NOT EXISTS idx_audit_origin ON audit_entries(origin, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write inserts one row.
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	stages, err := json.Marshal(e.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, call_id, tool, origin, class, actor, role, stages, outcome,
			error_kind, error, severity, bytes_in, bytes_out, truncated,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CallID, e.Tool, e.Origin, string(e.Class), e.Actor, e.Role, string(stages), e.Outcome,
		string(e.ErrorKind), e.Error, e.Severity, e.BytesIn, e.BytesOut, e.Truncated,
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Sync is a no-op; every insert commits with synchronous=FULL.
func (s *SQLiteSink) Sync() error {
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Query filters stored entries.
type Query struct {
	CallID   string
	Origin   string
	Severity string
	Since    time.Time
	Limit    int
}

// Query returns entries in insertion order.
func (s *SQLiteSink) Query(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.CallID != "" {
		where = append(where, "call_id = ?")
		args = append(args, q.CallID)
	}
	if q.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, q.Origin)
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, q.Severity)
	}
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, call_id, tool, origin, class, actor, role, stages, outcome,
		error_kind, error, severity, bytes_in, bytes_out, truncated, started_at, finished_at
		FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			class, errKind    string
			stages            string
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.CallID, &e.Tool, &e.Origin, &class, &e.Actor, &e.Role, &stages, &e.Outcome,
			&errKind, &e.Error, &e.Severity, &e.BytesIn, &e.BytesOut, &e.Truncated, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(stages), &e.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode stages: %w", err)
		}
		e.Class = tool.RiskClass(class)
		e.ErrorKind = tool.Kind(errKind)
		e.StartedAt = time.Unix(0, started)
		e.FinishedAt = time.Unix(0, finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
