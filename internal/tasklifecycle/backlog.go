package tasklifecycle

import (
	"fmt"
	"time"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

// BacklogAddOptions configures BacklogAdd.
type BacklogAddOptions struct {
	Description     string
	Context         string
	Priority        taskstore.Priority
	CreatedBy       string
	Assignee        string
	DependsOn       []string
	EstimatedEffort taskstore.EstimatedEffort
	StartDate       *time.Time
	DueDate         *time.Time
	MilestoneID     string
	MilestoneItemID string
}

// BacklogAdd creates a task with status=backlog, optionally assigned
// cross-agent. The target agent id (Assignee) is validated if an
// AgentResolver is configured.
func (e *Engine) BacklogAdd(opts BacklogAddOptions) (*taskstore.Task, error) {
	if opts.Description == "" {
		return nil, fmt.Errorf("%w: description is required", taskstore.ErrValidation)
	}
	if opts.Assignee != "" && e.Agents != nil && !e.Agents.AgentExists(opts.Assignee) {
		return nil, fmt.Errorf("%w: unknown assignee agent id %q", taskstore.ErrValidation, opts.Assignee)
	}
	priority := opts.Priority
	if priority == "" {
		priority = taskstore.PriorityMedium
	}

	now := e.now()
	task := &taskstore.Task{
		ID:            taskstore.NewTaskID(),
		Status:        taskstore.StatusBacklog,
		Priority:      priority,
		Description:   opts.Description,
		Context:       opts.Context,
		Created:       now,
		LastActivity:  now,
		WorkSessionID: taskstore.NewWorkSessionID(),
		Progress:      []string{"Added to backlog"},
		Backlog: &taskstore.Backlog{
			CreatedBy:       opts.CreatedBy,
			Assignee:        opts.Assignee,
			DependsOn:       opts.DependsOn,
			EstimatedEffort: opts.EstimatedEffort,
			StartDate:       opts.StartDate,
			DueDate:         opts.DueDate,
			MilestoneID:     opts.MilestoneID,
			MilestoneItemID: opts.MilestoneItemID,
		},
	}

	if err := e.Store.Write(task); err != nil {
		return nil, err
	}
	e.emit(bus.EventTaskBacklogAdded, bus.TaskEventData{TaskID: task.ID, AgentID: e.AgentID, NewStatus: string(task.Status)})
	return task, nil
}

// PickBacklog refuses when an in-progress task already exists; otherwise
// it picks the highest-priority pickable backlog task (or a named id if
// it is pickable) and transitions it to in_progress.
func (e *Engine) PickBacklog(taskID string) (*taskstore.Task, error) {
	active, err := e.Store.FindActive()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: agent %s already has an in-progress task %s", taskstore.ErrPrecondition, e.AgentID, active.ID)
	}

	var target *taskstore.Task
	if taskID != "" {
		t, err := e.Store.Read(taskID)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != taskstore.StatusBacklog {
			return nil, fmt.Errorf("%w: task %s is not a pickable backlog task", taskstore.ErrPrecondition, taskID)
		}
		met, err := e.Store.CheckDependenciesMet(t)
		if err != nil {
			return nil, err
		}
		if !met {
			return nil, fmt.Errorf("%w: task %s has unmet dependencies", taskstore.ErrPrecondition, taskID)
		}
		target = t
	} else {
		pickable, err := e.Store.FindPickableBacklog()
		if err != nil {
			return nil, err
		}
		if len(pickable) == 0 {
			return nil, fmt.Errorf("%w: no pickable backlog task", taskstore.ErrPrecondition)
		}
		target = pickable[0] // FindPickableBacklog preserves List's priority/date ordering
	}

	var result *taskstore.Task
	err = e.Store.WithLock(target.ID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, target.ID)
		}
		if current.Status != taskstore.StatusBacklog {
			return nil, fmt.Errorf("%w: task %s is no longer pickable (status %s)", taskstore.ErrPrecondition, target.ID, current.Status)
		}
		current.Status = taskstore.StatusInProgress
		current.LastActivity = e.now()
		current.Progress = append(current.Progress, "Picked from backlog")
		result = current
		e.emit(bus.EventTaskPicked, bus.TaskEventData{TaskID: target.ID, AgentID: e.AgentID, OldStatus: string(taskstore.StatusBacklog), NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.Store.UpdateCurrentTaskPointer(target.ID); err != nil {
		return nil, err
	}
	if err := e.refreshManagedMode(); err != nil {
		return nil, err
	}
	return result, nil
}
