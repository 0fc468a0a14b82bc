// Package tasklifecycle implements the task operations of §4.2: Start,
// Update (including Step Actions), Approve, Block, Resume, Complete (with
// the Stop Guard of §4.3), Cancel, Backlog-Add and Pick-Backlog. Every
// operation acquires the per-task file lock via taskstore.Store.WithLock,
// re-reads the current state, validates the transition, writes, emits a
// bus event, updates the CURRENT_TASK pointer, and adjusts the agent's
// managed-mode flag — generalized from the teacher's transactional
// Complete/FailTask methods in persistence/tasks.go onto a file-backed task.
package tasklifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

// AgentResolver reports whether an agent id is known. Block/BacklogAdd use
// it to validate unblockedBy/assignee ids.
type AgentResolver interface {
	AgentExists(agentID string) bool
}

// ManagedModeSetter is notified whenever an agent gains or loses its one
// active task, so the process can track which agents are "managed" (have
// work in flight) versus idle.
type ManagedModeSetter interface {
	SetManagedMode(agentID string, managed bool)
}

// Engine is a per-agent-workspace task lifecycle engine.
type Engine struct {
	AgentID   string
	Store     *taskstore.Store
	Bus       *bus.Bus
	Agents    AgentResolver
	Managed   ManagedModeSetter
	Milestone MilestoneSyncer
	Now       func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) emit(eventType string, data any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Emit(eventType, e.AgentID, data)
}

func (e *Engine) refreshManagedMode() error {
	if e.Managed == nil {
		return nil
	}
	active, err := e.Store.FindActive()
	if err != nil {
		return err
	}
	e.Managed.SetManagedMode(e.AgentID, active != nil)
	return nil
}

// StartOptions configures Start.
type StartOptions struct {
	Description       string
	Context           string
	Source            string
	Priority          taskstore.Priority
	RequiresApproval  bool
}

// Start creates a new task. Initial status is pending_approval or
// in_progress depending on RequiresApproval.
func (e *Engine) Start(opts StartOptions) (*taskstore.Task, error) {
	if strings.TrimSpace(opts.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", taskstore.ErrValidation)
	}
	priority := opts.Priority
	if priority == "" {
		priority = taskstore.PriorityMedium
	}

	now := e.now()
	status := taskstore.StatusInProgress
	progressLine := "Task started"
	if opts.RequiresApproval {
		status = taskstore.StatusPendingApproval
		progressLine = "Task created - awaiting approval"
	}

	task := &taskstore.Task{
		ID:            taskstore.NewTaskID(),
		Status:        status,
		Priority:      priority,
		Description:   opts.Description,
		Context:       opts.Context,
		Source:        opts.Source,
		Created:       now,
		LastActivity:  now,
		WorkSessionID: taskstore.NewWorkSessionID(),
		Progress:      []string{progressLine},
	}

	if err := e.Store.Write(task); err != nil {
		return nil, err
	}

	if status == taskstore.StatusInProgress {
		if err := e.Store.UpdateCurrentTaskPointer(task.ID); err != nil {
			return nil, err
		}
	}
	e.emit(bus.EventTaskStarted, bus.TaskEventData{TaskID: task.ID, AgentID: e.AgentID, NewStatus: string(status)})
	if err := e.refreshManagedMode(); err != nil {
		return nil, err
	}
	return task, nil
}

// Approve transitions pending_approval -> in_progress.
func (e *Engine) Approve(taskID string) (*taskstore.Task, error) {
	var result *taskstore.Task
	err := e.Store.WithLock(taskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, taskID)
		}
		if current.Status != taskstore.StatusPendingApproval {
			return nil, fmt.Errorf("%w: approve requires pending_approval, got %s", taskstore.ErrPrecondition, current.Status)
		}
		old := current.Status
		current.Status = taskstore.StatusInProgress
		current.LastActivity = e.now()
		current.Progress = append(current.Progress, "Task approved")
		result = current
		e.emit(bus.EventTaskApproved, bus.TaskEventData{TaskID: taskID, AgentID: e.AgentID, OldStatus: string(old), NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.Store.UpdateCurrentTaskPointer(taskID); err != nil {
		return nil, err
	}
	if err := e.refreshManagedMode(); err != nil {
		return nil, err
	}
	return result, nil
}

// BlockOptions configures Block.
type BlockOptions struct {
	TaskID          string
	BlockedReason   string
	UnblockedBy     []string
	UnblockedAction string
}

// Block transitions in_progress -> blocked. UnblockedBy must be nonempty,
// contain only known agent ids, and must not self-reference.
func (e *Engine) Block(opts BlockOptions) (*taskstore.Task, error) {
	dedup := dedupeStrings(opts.UnblockedBy)
	if len(dedup) == 0 {
		return nil, fmt.Errorf("%w: unblock_by must be nonempty", taskstore.ErrValidation)
	}
	for _, id := range dedup {
		if id == e.AgentID {
			return nil, fmt.Errorf("%w: unblock_by must not reference the owning agent", taskstore.ErrValidation)
		}
		if e.Agents != nil && !e.Agents.AgentExists(id) {
			return nil, fmt.Errorf("%w: unknown agent id %q", taskstore.ErrValidation, id)
		}
	}

	var result *taskstore.Task
	err := e.Store.WithLock(opts.TaskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, opts.TaskID)
		}
		if current.Status != taskstore.StatusInProgress {
			return nil, fmt.Errorf("%w: block requires in_progress, got %s", taskstore.ErrPrecondition, current.Status)
		}
		current.Status = taskstore.StatusBlocked
		current.LastActivity = e.now()
		current.Blocking = &taskstore.Blocking{
			BlockedReason:   opts.BlockedReason,
			UnblockedBy:     dedup,
			UnblockedAction: opts.UnblockedAction,
			EscalationState: taskstore.EscalationNone,
		}
		current.Progress = append(current.Progress, "Task blocked: "+opts.BlockedReason)
		result = current
		e.emit(bus.EventTaskBlocked, bus.TaskEventData{TaskID: opts.TaskID, AgentID: e.AgentID, OldStatus: string(taskstore.StatusInProgress), NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.Store.UpdateCurrentTaskPointer(""); err != nil {
		return nil, err
	}
	if err := e.refreshManagedMode(); err != nil {
		return nil, err
	}
	return result, nil
}

// Resume transitions blocked -> in_progress, clearing blocking metadata.
func (e *Engine) Resume(taskID string) (*taskstore.Task, error) {
	var result *taskstore.Task
	err := e.Store.WithLock(taskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, taskID)
		}
		if current.Status != taskstore.StatusBlocked {
			return nil, fmt.Errorf("%w: resume requires blocked, got %s", taskstore.ErrPrecondition, current.Status)
		}
		current.Status = taskstore.StatusInProgress
		current.LastActivity = e.now()
		current.Blocking = nil
		current.Progress = append(current.Progress, "Task resumed")
		result = current
		e.emit(bus.EventTaskResumed, bus.TaskEventData{TaskID: taskID, AgentID: e.AgentID, OldStatus: string(taskstore.StatusBlocked), NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.Store.UpdateCurrentTaskPointer(taskID); err != nil {
		return nil, err
	}
	if err := e.refreshManagedMode(); err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel transitions any non-terminal status -> cancelled.
func (e *Engine) Cancel(taskID, reason string) (*taskstore.Task, error) {
	var result *taskstore.Task
	err := e.Store.WithLock(taskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, taskID)
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: cannot cancel a terminal task (status %s)", taskstore.ErrPrecondition, current.Status)
		}
		current.Status = taskstore.StatusCancelled
		current.LastActivity = e.now()
		current.Outcome = &taskstore.Outcome{Kind: taskstore.OutcomeCancelled, Reason: reason}
		current.Progress = append(current.Progress, "Task cancelled")
		result = current
		e.emit(bus.EventTaskCancelled, bus.TaskEventData{TaskID: taskID, AgentID: e.AgentID, NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.archiveAndClear(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) archiveAndClear(task *taskstore.Task) error {
	if err := e.Store.AppendToHistory(taskstore.HistoryEntry{
		When:        e.now(),
		Description: task.Description,
		Body:        historyBody(task),
	}); err != nil {
		return err
	}
	if err := e.Store.Delete(task.ID); err != nil {
		return err
	}
	if err := e.Store.UpdateCurrentTaskPointer(""); err != nil {
		return err
	}
	return e.refreshManagedMode()
}

func historyBody(task *taskstore.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Status: %s\n", task.Status)
	if task.Outcome != nil {
		fmt.Fprintf(&b, "- Outcome: %s\n", task.Outcome.Kind)
		if task.Outcome.Summary != "" {
			fmt.Fprintf(&b, "- Summary: %s\n", task.Outcome.Summary)
		}
		if task.Outcome.Reason != "" {
			fmt.Fprintf(&b, "- Reason: %s\n", task.Outcome.Reason)
		}
	}
	for _, line := range task.Progress {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
