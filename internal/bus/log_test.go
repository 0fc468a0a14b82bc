package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogWriter_AppendsAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "coordination-events.ndjson")

	b := New()
	w, err := NewLogWriter(b, path, nil)
	if err != nil {
		t.Fatalf("NewLogWriter: %v", err)
	}

	b.Emit(EventTaskStarted, "agent-1", TaskEventData{TaskID: "task_abc", AgentID: "agent-1"})
	b.Emit(EventTaskCompleted, "agent-1", TaskEventData{TaskID: "task_abc", AgentID: "agent-1"})

	// Give the drain goroutine a moment; Close also waits for it.
	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != EventTaskStarted || events[1].Type != EventTaskCompleted {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestReadEvents_TolerateTruncatedLastLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordination-events.ndjson")

	good := `{"type":"task.started","ts":"2024-01-01T00:00:00.000000000Z"}` + "\n"
	truncated := `{"type":"task.completed","ts":"2024-01-01T00:`

	if err := os.WriteFile(path, []byte(good+truncated), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 (truncated trailing line skipped)", len(events))
	}
	if events[0].Type != EventTaskStarted {
		t.Fatalf("events[0].Type = %q, want %q", events[0].Type, EventTaskStarted)
	}
}

func TestReadEvents_MissingFileReturnsNilNoError(t *testing.T) {
	events, err := ReadEvents(filepath.Join(t.TempDir(), "missing.ndjson"))
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if events != nil {
		t.Fatalf("events = %v, want nil", events)
	}
}
