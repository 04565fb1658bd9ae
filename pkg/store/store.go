package store

import "fleetgate/pkg/model"

// Journal persists the gateway's own operational history: routing-plane
// events (health transitions, snapshot publishes, node churn) and admin
// audit entries. It is an append-and-tail log, not a query store.
type Journal interface {
	AppendEvent(model.Event) error
	// ListEvents returns up to limit of the most recent events in
	// chronological order; limit <= 0 means everything retained.
	ListEvents(limit int) ([]model.Event, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
	Close() error
}

// Open picks the journal backend. An empty path keeps everything in a
// bounded in-memory ring; otherwise entries survive restarts in a local
// sqlite file. maxSize caps retained entries per log in both backends.
func Open(path string, maxSize int) (Journal, error) {
	if path == "" {
		return NewMemoryJournal(maxSize), nil
	}
	return NewSQLiteJournal(path, maxSize)
}
