// Package journal keeps an append-only record of every state transition an
// incident makes, so a terminal failure can be reconstructed step by step
// beyond what the dead-letter record carries. Writes are best-effort from the
// pipeline's point of view; the orchestrator logs journal errors and moves on.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Entry is one state transition in an incident's run.
type Entry struct {
	IncidentID string      `json:"incident_id"`
	State      model.State `json:"state"`

	// Detail carries stage-specific context: the failure reason, the
	// artifact key, the verdict severity.
	Detail string `json:"detail,omitempty"`

	// Attempt is the delivery attempt this transition happened on.
	Attempt int `json:"attempt"`

	At time.Time `json:"at"`
}

// Journal records and retrieves incident state transitions.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, incidentID string) ([]Entry, error)
	Close() error
}

var (
	_ Journal = (*MemoryJournal)(nil)
	_ Journal = (*PostgresJournal)(nil)
)

// MemoryJournal is the default in-process backend. Entries vanish with the
// process; use the postgres backend when forensics must survive restarts.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryJournal creates an empty in-process journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		entries: make(map[string][]Entry),
	}
}

// Append records a state transition.
func (j *MemoryJournal) Append(ctx context.Context, entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[entry.IncidentID] = append(j.entries[entry.IncidentID], entry)
	return nil
}

// Entries returns the transitions recorded for an incident, in append order.
func (j *MemoryJournal) Entries(ctx context.Context, incidentID string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stored := j.entries[incidentID]
	out := make([]Entry, len(stored))
	copy(out, stored)
	return out, nil
}

// Close is a no-op for the in-process backend.
func (j *MemoryJournal) Close() error {
	return nil
}
