// Package audit persists a record of every RPC invocation and
// notification fan-out event to a local SQLite database, for
// after-the-fact inspection of who called what and when.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audited event: an RPC call (jsonrpc or websocket
// transport) or a channel notification fan-out.
type Entry struct {
	Transport string // "jsonrpc", "ws", or "notify"
	Client    string
	Method    string
	Request   string
	Status    int
	Err       string
}

// Log is a SQLite-backed append-only audit trail.
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at path, creating its
// schema if absent.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		transport TEXT NOT NULL,
		client TEXT,
		method TEXT,
		request TEXT,
		status INTEGER,
		error TEXT,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_recorded_at ON audit_events(recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record inserts e and returns any insert error. Callers on the RPC
// path may ignore it, so a failed audit write never fails the call.
func (l *Log) Record(e Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO audit_events (id, transport, client, method, request, status, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.Transport, e.Client, e.Method, e.Request, e.Status, e.Err, time.Now().UTC(),
	)
	return err
}

// Recent returns the most recent n audit entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT transport, client, method, request, status, error FROM audit_events
		 ORDER BY recorded_at DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var client, method, errStr sql.NullString
		if err := rows.Scan(&e.Transport, &client, &method, &e.Request, &e.Status, &errStr); err != nil {
			return nil, err
		}
		e.Client = client.String
		e.Method = method.String
		e.Err = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
