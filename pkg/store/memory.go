package store

import (
	"sync"

	"fleetgate/pkg/model"
)

// MemoryJournal keeps events and audit entries in bounded in-memory rings,
// intended for dev setups and tests. Oldest entries fall off once a log
// exceeds maxSize.
type MemoryJournal struct {
	mu      sync.RWMutex
	maxSize int
	events  []model.Event
	audit   []model.AuditEntry
}

func NewMemoryJournal(maxSize int) *MemoryJournal {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &MemoryJournal{maxSize: maxSize}
}

func (m *MemoryJournal) AppendEvent(e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if len(m.events) > m.maxSize {
		m.events = m.events[len(m.events)-m.maxSize:]
	}
	return nil
}

func (m *MemoryJournal) ListEvents(limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]model.Event, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out, nil
}

func (m *MemoryJournal) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	if len(m.audit) > m.maxSize {
		m.audit = m.audit[len(m.audit)-m.maxSize:]
	}
	return nil
}

func (m *MemoryJournal) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, limit)
	copy(out, m.audit[len(m.audit)-limit:])
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
