package taskstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestTask(id string, status Status, priority Priority) *Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &Task{
		ID:           id,
		Status:       status,
		Priority:     priority,
		Description:  "do the thing",
		Created:      now,
		LastActivity: now,
		Progress:     []string{"Task started"},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	task := newTestTask(NewTaskID(), StatusInProgress, PriorityHigh)
	task.Context = "extra background"
	task.Steps = []Step{
		{ID: task.NextStepID(), Content: "first step", Status: StepInProgress, Order: 1},
		{ID: task.NextStepID(), Content: "second step", Status: StepPending, Order: 2},
	}

	if err := store.Write(task); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil {
		t.Fatal("Read returned nil task")
	}
	if got.Description != task.Description || got.Context != task.Context {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[0].Status != StepInProgress || got.Steps[1].Status != StepPending {
		t.Fatalf("steps round trip mismatch: %+v", got.Steps)
	}
	if got.WorkSessionID == "" {
		t.Fatal("expected a work session id to have been assigned")
	}
}

func TestReadMissingReturnsNilNoError(t *testing.T) {
	store := New(t.TempDir())
	got, err := store.Read(NewTaskID())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing task, got %+v", got)
	}
}

func TestReadMalformedTreatedAsMissing(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	id := NewTaskID()
	path := filepath.Join(dir, "tasks", id+".md")
	if err := store.Write(newTestTask(id, StatusInProgress, PriorityLow)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Corrupt the status field.
	writeFile(t, path, "# Task: "+id+"\n\n## Metadata\n- **Status:** not_a_real_status\n- **Priority:** low\n- **Created:** 2024-01-01T00:00:00Z\n\n## Description\nx\n\n## Progress\n\n## Last Activity\n2024-01-01T00:00:00Z\n\n---\n*Managed by task tools*\n")

	got, err := store.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Fatalf("expected malformed file to read as missing, got %+v", got)
	}
}

func TestReadRejectsPathTraversal(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Read("../../etc/passwd"); err == nil {
		t.Fatal("expected validation error for path traversal id")
	}
}

func TestListSortOrder(t *testing.T) {
	store := New(t.TempDir())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	low := newTestTask(NewTaskID(), StatusBacklog, PriorityLow)
	low.Created = base
	low.Backlog = &Backlog{CreatedBy: "a", Assignee: "a"}

	urgent := newTestTask(NewTaskID(), StatusBacklog, PriorityUrgent)
	urgent.Created = base.Add(time.Hour)
	urgent.Backlog = &Backlog{CreatedBy: "a", Assignee: "a"}

	high := newTestTask(NewTaskID(), StatusBacklog, PriorityHigh)
	high.Created = base.Add(2 * time.Hour)
	high.Backlog = &Backlog{CreatedBy: "a", Assignee: "a"}

	for _, tk := range []*Task{low, urgent, high} {
		if err := store.Write(tk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	got, err := store.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != urgent.ID || got[1].ID != high.ID || got[2].ID != low.ID {
		t.Fatalf("sort order wrong: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestFindPickableBacklogRespectsDependencies(t *testing.T) {
	store := New(t.TempDir())

	dep := newTestTask(NewTaskID(), StatusInProgress, PriorityMedium)
	if err := store.Write(dep); err != nil {
		t.Fatalf("Write dep: %v", err)
	}

	blocked := newTestTask(NewTaskID(), StatusBacklog, PriorityMedium)
	blocked.Backlog = &Backlog{CreatedBy: "a", Assignee: "a", DependsOn: []string{dep.ID}}
	if err := store.Write(blocked); err != nil {
		t.Fatalf("Write blocked: %v", err)
	}

	pickable, err := store.FindPickableBacklog()
	if err != nil {
		t.Fatalf("FindPickableBacklog: %v", err)
	}
	if len(pickable) != 0 {
		t.Fatalf("expected 0 pickable while dependency is in_progress, got %d", len(pickable))
	}

	dep.Status = StatusCompleted
	dep.Outcome = &Outcome{Kind: OutcomeCompleted}
	if err := store.Write(dep); err != nil {
		t.Fatalf("Write dep completed: %v", err)
	}

	pickable, err = store.FindPickableBacklog()
	if err != nil {
		t.Fatalf("FindPickableBacklog: %v", err)
	}
	if len(pickable) != 1 || pickable[0].ID != blocked.ID {
		t.Fatalf("expected blocked task to become pickable, got %+v", pickable)
	}
}

func TestUpdateCurrentTaskPointer(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	if err := store.UpdateCurrentTaskPointer("task_abc"); err != nil {
		t.Fatalf("UpdateCurrentTaskPointer: %v", err)
	}
	data := readFile(t, filepath.Join(dir, "CURRENT_TASK.md"))
	if data != "**Focus:** task_abc\n" {
		t.Fatalf("pointer content = %q", data)
	}

	if err := store.UpdateCurrentTaskPointer(""); err != nil {
		t.Fatalf("UpdateCurrentTaskPointer(clear): %v", err)
	}
	data = readFile(t, filepath.Join(dir, "CURRENT_TASK.md"))
	if data != "*(No active focus task)*\n" {
		t.Fatalf("cleared pointer content = %q", data)
	}
}

func TestAppendToHistoryCreatesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	when := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	if err := store.AppendToHistory(HistoryEntry{When: when, Description: "first task", Body: "done."}); err != nil {
		t.Fatalf("AppendToHistory: %v", err)
	}
	if err := store.AppendToHistory(HistoryEntry{When: when, Description: "second task", Body: "done too."}); err != nil {
		t.Fatalf("AppendToHistory: %v", err)
	}

	content := readFile(t, filepath.Join(dir, "task-history", "2024-03.md"))
	if count := countOccurrences(content, "# Task History"); count != 1 {
		t.Fatalf("expected exactly one history header, got %d in:\n%s", count, content)
	}
	if count := countOccurrences(content, "## ["); count != 2 {
		t.Fatalf("expected two entry headers, got %d", count)
	}
}

func TestWithLockReadsValidatesWritesUnderLock(t *testing.T) {
	store := New(t.TempDir())
	id := NewTaskID()
	task := newTestTask(id, StatusPendingApproval, PriorityMedium)
	if err := store.Write(task); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := store.WithLock(id, func(current *Task) (*Task, error) {
		if current == nil {
			t.Fatal("expected current task to be non-nil")
		}
		current.Status = StatusInProgress
		current.Progress = append(current.Progress, "approved")
		return current, nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	got, err := store.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}
}
