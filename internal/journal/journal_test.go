package journal

import (
	"context"
	"testing"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

func TestMemoryJournal_AppendAndEntries(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	transitions := []Entry{
		{IncidentID: "INC-1", State: model.StateReceived, Attempt: 1},
		{IncidentID: "INC-1", State: model.StateValidated, Attempt: 1},
		{IncidentID: "INC-1", State: model.StateEvidenceFetched, Detail: "2/3 sources", Attempt: 1},
	}
	for _, e := range transitions {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Failed to append entry: %v", err)
		}
	}
	if err := j.Append(ctx, Entry{IncidentID: "INC-2", State: model.StateReceived, Attempt: 1}); err != nil {
		t.Fatalf("Failed to append entry: %v", err)
	}

	entries, err := j.Entries(ctx, "INC-1")
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.State != transitions[i].State {
			t.Errorf("Entry %d: expected state %s, got %s", i, transitions[i].State, e.State)
		}
	}
	if entries[2].Detail != "2/3 sources" {
		t.Errorf("Expected detail to survive, got %q", entries[2].Detail)
	}
}

func TestMemoryJournal_UnknownIncident(t *testing.T) {
	j := NewMemoryJournal()

	entries, err := j.Entries(context.Background(), "INC-unknown")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no entries for unknown incident, got %d", len(entries))
	}
}

func TestMemoryJournal_DefaultsTimestamp(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	if err := j.Append(ctx, Entry{IncidentID: "INC-1", State: model.StateReceived}); err != nil {
		t.Fatalf("Failed to append entry: %v", err)
	}

	entries, err := j.Entries(ctx, "INC-1")
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if entries[0].At.IsZero() {
		t.Error("Expected a zero At to be stamped on append")
	}
}

func TestMemoryJournal_ReturnsCopy(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	if err := j.Append(ctx, Entry{IncidentID: "INC-1", State: model.StateReceived}); err != nil {
		t.Fatalf("Failed to append entry: %v", err)
	}

	entries, err := j.Entries(ctx, "INC-1")
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	entries[0].State = model.StateFailed

	again, err := j.Entries(ctx, "INC-1")
	if err != nil {
		t.Fatalf("Failed to re-read entries: %v", err)
	}
	if again[0].State != model.StateReceived {
		t.Error("Expected stored entries to be isolated from caller mutation")
	}
}

func TestMemoryJournal_ConcurrentAppends(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	numGoroutines := 10
	perGoroutine := 10
	done := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			for k := 0; k < perGoroutine; k++ {
				if err := j.Append(ctx, Entry{IncidentID: "INC-1", State: model.StateReceived}); err != nil {
					t.Errorf("Failed to append entry: %v", err)
				}
			}
			done <- true
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	entries, err := j.Entries(ctx, "INC-1")
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != numGoroutines*perGoroutine {
		t.Errorf("Expected %d entries, got %d", numGoroutines*perGoroutine, len(entries))
	}
}
