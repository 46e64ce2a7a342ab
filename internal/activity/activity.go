package activity

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout keeps a fixed-width fraction so lexicographic ordering in SQL
// matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event types recorded in the activity log.
const (
	EventStatusChange = "status_change"
	EventClaim        = "claim"
	EventLaunch       = "launch"
	EventUpdate       = "update"
	EventMerge        = "merge"
	EventReconcile    = "reconcile"
	EventStop         = "stop"
	EventRetry        = "retry"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID          string
	ExecutionID string
	Branch      string
	EventType   string
	FromStatus  string
	ToStatus    string
	Detail      string
	CreatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activity_execution
	ON activity_log (execution_id, created_at);
`

// Log is a sqlite-backed audit trail of execution lifecycle events. It is
// append-only; nothing in the orchestrator reads it on the hot path.
type Log struct {
	conn *sql.DB
}

// DefaultFileName is the database file kept next to state.json.
const DefaultFileName = "activity.db"

// Open creates or opens the activity database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening activity database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return &Log{conn: conn}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.conn.Close()
}

// Record appends one event. The entry's ID and CreatedAt are assigned here.
func (l *Log) Record(entry Entry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()

	_, err := l.conn.Exec(`
		INSERT INTO activity_log (id, execution_id, branch, event_type, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.Branch, entry.EventType,
		entry.FromStatus, entry.ToStatus, entry.Detail,
		entry.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// ListByExecution returns the most recent events for one execution, newest
// first.
func (l *Log) ListByExecution(executionID string, limit int) ([]Entry, error) {
	rows, err := l.conn.Query(`
		SELECT id, execution_id, branch, event_type, from_status, to_status, detail, created_at
		FROM activity_log
		WHERE execution_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, executionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the most recent events across all executions, newest
// first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.conn.Query(`
		SELECT id, execution_id, branch, event_type, from_status, to_status, detail, created_at
		FROM activity_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var createdAt string
		err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.Branch, &entry.EventType,
			&entry.FromStatus, &entry.ToStatus, &entry.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		if ts, err := time.Parse(timeLayout, createdAt); err == nil {
			entry.CreatedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
