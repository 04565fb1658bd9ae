package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fleetgate/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events(
	type TEXT NOT NULL,
	node_id TEXT,
	subnet TEXT,
	from_state TEXT,
	to_state TEXT,
	version INTEGER,
	detail TEXT,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE TABLE IF NOT EXISTS audit(
	id TEXT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT,
	detail TEXT,
	ts INTEGER NOT NULL
);
`

// SQLiteJournal persists events and audit entries in a local sqlite file so
// history survives gateway restarts. Single connection with a busy timeout;
// the journal is low-rate and contention-free by construction.
type SQLiteJournal struct {
	db      *sql.DB
	maxSize int
}

func NewSQLiteJournal(path string, maxSize int) (*SQLiteJournal, error) {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLiteJournal{db: db, maxSize: maxSize}, nil
}

func (s *SQLiteJournal) AppendEvent(e model.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(type, node_id, subnet, from_state, to_state, version, detail, ts) VALUES(?,?,?,?,?,?,?,?)`,
		e.Type, e.NodeID, e.Subnet, e.From, e.To, e.Version, e.Detail, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return s.prune(ctx, "events")
}

func (s *SQLiteJournal) ListEvents(limit int) ([]model.Event, error) {
	if limit <= 0 || limit > s.maxSize {
		limit = s.maxSize
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, node_id, subnet, from_state, to_state, version, detail, ts FROM events ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var ts int64
		if err := rows.Scan(&e.Type, &e.NodeID, &e.Subnet, &e.From, &e.To, &e.Version, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	reverseEvents(out) // newest-last, matching the memory journal
	return out, rows.Err()
}

func (s *SQLiteJournal) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	ctx, cancel := opCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, actor, action, target, detail, ts) VALUES(?,?,?,?,?,?)`,
		entry.ID, entry.Actor, entry.Action, entry.Target, entry.Detail, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return s.prune(ctx, "audit")
}

func (s *SQLiteJournal) ListAudit(limit int) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > s.maxSize {
		limit = s.maxSize
	}
	ctx, cancel := opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, target, detail, ts FROM audit ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// prune trims a log to maxSize rows. Append rates here are a handful per
// publish interval, so the per-append delete stays cheap.
func (s *SQLiteJournal) prune(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE rowid <= (SELECT MAX(rowid) FROM `+table+`) - ?`, s.maxSize)
	return err
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func reverseEvents(es []model.Event) {
	for i, j := 0, len(es)-1; i < j; i, j = i+1, j-1 {
		es[i], es[j] = es[j], es[i]
	}
}
