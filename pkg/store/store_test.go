package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/pkg/model"
)

func transitionEvent(node, from, to string) model.Event {
	return model.Event{
		Type:      model.EventHealthTransition,
		NodeID:    node,
		Subnet:    "tenant-a",
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}
}

func TestOpenPicksBackend(t *testing.T) {
	j, err := Open("", 16)
	require.NoError(t, err)
	_, ok := j.(*MemoryJournal)
	assert.True(t, ok)
	require.NoError(t, j.Close())

	path := filepath.Join(t.TempDir(), "journal.db")
	j, err = Open(path, 16)
	require.NoError(t, err)
	_, ok = j.(*SQLiteJournal)
	assert.True(t, ok)
	require.NoError(t, j.Close())
}

func TestMemoryJournalTailsAndBounds(t *testing.T) {
	j := NewMemoryJournal(3)

	for _, node := range []string{"a", "b", "c", "d"} {
		require.NoError(t, j.AppendEvent(transitionEvent(node, "healthy", "degraded")))
	}

	events, err := j.ListEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 3, "ring keeps only the newest maxSize entries")
	assert.Equal(t, "b", events[0].NodeID)
	assert.Equal(t, "d", events[2].NodeID)

	events, err = j.ListEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].NodeID)
	assert.Equal(t, "d", events[1].NodeID)
}

func TestMemoryJournalAudit(t *testing.T) {
	j := NewMemoryJournal(16)

	require.NoError(t, j.AppendAudit(model.AuditEntry{Actor: "admin", Action: "register", Target: "n1", Timestamp: time.Now()}))
	require.NoError(t, j.AppendAudit(model.AuditEntry{Actor: "admin", Action: "remove", Target: "n1", Timestamp: time.Now()}))

	entries, err := j.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "register", entries[0].Action)
	assert.Equal(t, "remove", entries[1].Action)
}

func TestSQLiteJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path, 64)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.AppendEvent(transitionEvent("n1", "healthy", "degraded")))
	require.NoError(t, j.AppendEvent(model.Event{Type: model.EventSnapshotPublish, Version: 7, Timestamp: time.Now()}))
	require.NoError(t, j.AppendAudit(model.AuditEntry{ID: "aud-1", Actor: "ops", Action: "register", Target: "n1", Detail: "seeded"}))

	events, err := j.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventHealthTransition, events[0].Type)
	assert.Equal(t, "n1", events[0].NodeID)
	assert.Equal(t, "degraded", events[0].To)
	assert.Equal(t, model.EventSnapshotPublish, events[1].Type)
	assert.Equal(t, uint64(7), events[1].Version)

	audit, err := j.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "ops", audit[0].Actor)
	assert.False(t, audit[0].Timestamp.IsZero(), "append stamps missing timestamps")
}

func TestSQLiteJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewSQLiteJournal(path, 64)
	require.NoError(t, err)
	require.NoError(t, j.AppendEvent(transitionEvent("n1", "degraded", "unreachable")))
	require.NoError(t, j.Close())

	j, err = NewSQLiteJournal(path, 64)
	require.NoError(t, err)
	defer j.Close()

	events, err := j.ListEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "unreachable", events[0].To)
}

func TestSQLiteJournalPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path, 5)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 9; i++ {
		require.NoError(t, j.AppendEvent(transitionEvent("n1", "healthy", "degraded")))
	}

	events, err := j.ListEvents(0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
