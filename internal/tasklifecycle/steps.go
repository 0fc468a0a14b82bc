package tasklifecycle

import (
	"fmt"
	"sort"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

// StepAction is one of the mutations Update can apply to a task's Steps
// list, per §4.2.
type StepAction struct {
	Kind string // set_steps | add_step | complete_step | start_step | skip_step | reorder_steps

	// set_steps
	NewSteps []string

	// add_step
	Content string

	// complete_step / start_step / skip_step
	StepID string

	// reorder_steps: ids in this order take ordinals 1..n; ids not listed
	// are appended after, in their current relative order.
	Order []string
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	TaskID       string
	ProgressLine string
	Step         *StepAction
}

// Update either appends a free-form progress line or applies a Step
// Action. Exactly one of opts.ProgressLine / opts.Step should be set; if
// both are, the progress line is appended first.
func (e *Engine) Update(opts UpdateOptions) (*taskstore.Task, error) {
	var result *taskstore.Task
	err := e.Store.WithLock(opts.TaskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, opts.TaskID)
		}
		if opts.ProgressLine != "" {
			current.Progress = append(current.Progress, opts.ProgressLine)
		}
		if opts.Step != nil {
			if err := applyStepAction(current, opts.Step); err != nil {
				return nil, err
			}
		}
		current.LastActivity = e.now()
		result = current
		e.emit(bus.EventTaskUpdated, bus.TaskEventData{TaskID: opts.TaskID, AgentID: e.AgentID, NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func applyStepAction(t *taskstore.Task, action *StepAction) error {
	switch action.Kind {
	case "set_steps":
		return setSteps(t, action.NewSteps)
	case "add_step":
		return addStep(t, action.Content)
	case "complete_step":
		return completeStep(t, action.StepID)
	case "start_step":
		return startStep(t, action.StepID)
	case "skip_step":
		return skipStep(t, action.StepID)
	case "reorder_steps":
		return reorderSteps(t, action.Order)
	default:
		return fmt.Errorf("%w: unknown step action %q", taskstore.ErrValidation, action.Kind)
	}
}

// setSteps replaces the step list. The first step becomes in_progress (if
// any); the rest start pending.
func setSteps(t *taskstore.Task, contents []string) error {
	if len(contents) == 0 {
		return fmt.Errorf("%w: set_steps requires a nonempty list", taskstore.ErrValidation)
	}
	steps := make([]taskstore.Step, 0, len(contents))
	for i, c := range contents {
		status := taskstore.StepPending
		if i == 0 {
			status = taskstore.StepInProgress
		}
		steps = append(steps, taskstore.Step{
			ID:      t.NextStepID(),
			Content: c,
			Status:  status,
			Order:   i + 1,
		})
	}
	t.Steps = steps
	return nil
}

// addStep appends a new pending step; step ids are monotonic and never
// reused, even across set_steps calls.
func addStep(t *taskstore.Task, content string) error {
	if content == "" {
		return fmt.Errorf("%w: add_step requires content", taskstore.ErrValidation)
	}
	t.Steps = append(t.Steps, taskstore.Step{
		ID:      t.NextStepID(),
		Content: content,
		Status:  taskstore.StepPending,
		Order:   len(t.Steps) + 1,
	})
	return nil
}

func findStep(t *taskstore.Task, id string) (int, error) {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: unknown step id %q", taskstore.ErrValidation, id)
}

// autoStartNextPending promotes the lowest-order pending step to
// in_progress, if any pending step remains.
func autoStartNextPending(t *taskstore.Task) {
	best := -1
	for i := range t.Steps {
		if t.Steps[i].Status != taskstore.StepPending {
			continue
		}
		if best == -1 || t.Steps[i].Order < t.Steps[best].Order {
			best = i
		}
	}
	if best >= 0 {
		t.Steps[best].Status = taskstore.StepInProgress
	}
}

func completeStep(t *taskstore.Task, id string) error {
	i, err := findStep(t, id)
	if err != nil {
		return err
	}
	t.Steps[i].Status = taskstore.StepDone
	autoStartNextPending(t)
	return nil
}

func skipStep(t *taskstore.Task, id string) error {
	i, err := findStep(t, id)
	if err != nil {
		return err
	}
	t.Steps[i].Status = taskstore.StepSkipped
	autoStartNextPending(t)
	return nil
}

// startStep demotes any current in_progress step to pending and promotes
// the target step to in_progress.
func startStep(t *taskstore.Task, id string) error {
	target, err := findStep(t, id)
	if err != nil {
		return err
	}
	for i := range t.Steps {
		if t.Steps[i].Status == taskstore.StepInProgress {
			t.Steps[i].Status = taskstore.StepPending
		}
	}
	t.Steps[target].Status = taskstore.StepInProgress
	return nil
}

// reorderSteps assigns ordinals 1..n to the ids listed, in that order;
// ids not listed are appended afterward in their existing relative order.
func reorderSteps(t *taskstore.Task, order []string) error {
	indexByID := make(map[string]int, len(t.Steps))
	for i, s := range t.Steps {
		indexByID[s.ID] = i
	}
	for _, id := range order {
		if _, ok := indexByID[id]; !ok {
			return fmt.Errorf("%w: reorder_steps references unknown step id %q", taskstore.ErrValidation, id)
		}
	}

	seen := make(map[string]struct{}, len(order))
	ordinal := 1
	for _, id := range order {
		t.Steps[indexByID[id]].Order = ordinal
		ordinal++
		seen[id] = struct{}{}
	}
	// Remaining steps, in their existing relative order, appended after.
	remaining := make([]int, 0, len(t.Steps))
	for i, s := range t.Steps {
		if _, ok := seen[s.ID]; !ok {
			remaining = append(remaining, i)
		}
	}
	sort.SliceStable(remaining, func(a, b int) bool {
		return t.Steps[remaining[a]].Order < t.Steps[remaining[b]].Order
	})
	for _, i := range remaining {
		t.Steps[i].Order = ordinal
		ordinal++
	}

	sort.SliceStable(t.Steps, func(a, b int) bool { return t.Steps[a].Order < t.Steps[b].Order })
	return nil
}
