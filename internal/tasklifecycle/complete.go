package tasklifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

// MilestoneSyncer fires the milestone-item PUT described in §4.2's
// Complete operation. It is an external collaborator (out of scope per
// §1); this package only owns the retry policy wrapped around it.
type MilestoneSyncer interface {
	SyncMilestoneItem(ctx context.Context, milestoneID, itemID string) error
}

// StopGuardResult is returned when Complete is blocked by the Stop Guard.
type StopGuardResult struct {
	BlockedBy       string   `json:"blocked_by"`
	RemainingSteps  []string `json:"remaining_steps"`
	Instructions    string   `json:"instructions"`
}

// remainingOpenSteps returns the content of every step still pending or
// in_progress, in order.
func remainingOpenSteps(t *taskstore.Task) []string {
	var out []string
	for _, s := range t.Steps {
		if s.Status == taskstore.StepPending || s.Status == taskstore.StepInProgress {
			out = append(out, s.Content)
		}
	}
	return out
}

// CompleteOptions configures Complete.
type CompleteOptions struct {
	TaskID        string
	Summary       string
	ForceComplete bool
}

// Complete runs the Stop Guard (§4.3); on pass it archives the task with
// outcome completed and, if milestone-linked, fires a best-effort
// milestone sync. A Stop Guard block is returned as (nil, *StopGuardResult
// wrapped in the error via errors.As) — callers use CompleteStopGuard to
// retrieve the structured diagnostic directly.
func (e *Engine) Complete(opts CompleteOptions) (*taskstore.Task, *StopGuardResult, error) {
	var result *taskstore.Task
	var guard *StopGuardResult

	err := e.Store.WithLock(opts.TaskID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: task %s not found", taskstore.ErrNotFound, opts.TaskID)
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: task %s is already terminal (%s)", taskstore.ErrPrecondition, opts.TaskID, current.Status)
		}

		if open := remainingOpenSteps(current); len(open) > 0 && !opts.ForceComplete {
			current.Progress = append(current.Progress, "Stop guard: completion blocked, steps remain")
			guard = &StopGuardResult{
				BlockedBy:      "stop_guard",
				RemainingSteps: open,
				Instructions:   "Finish or skip the remaining steps, or retry with force_complete=true.",
			}
			return current, nil // persist the guard progress line, but leave status untouched
		}
		if opts.ForceComplete && len(remainingOpenSteps(current)) > 0 {
			current.Progress = append(current.Progress, "Task force-completed with steps remaining")
		}

		current.Status = taskstore.StatusCompleted
		current.LastActivity = e.now()
		current.Outcome = &taskstore.Outcome{Kind: taskstore.OutcomeCompleted, Summary: opts.Summary}
		current.Progress = append(current.Progress, "Task completed")
		result = current
		e.emit(bus.EventTaskCompleted, bus.TaskEventData{TaskID: opts.TaskID, AgentID: e.AgentID, NewStatus: string(current.Status)})
		return current, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if guard != nil {
		return nil, guard, nil
	}

	if err := e.archiveAndClear(result); err != nil {
		return nil, nil, err
	}
	e.syncMilestoneBestEffort(result)
	return result, nil, nil
}

func (e *Engine) syncMilestoneBestEffort(task *taskstore.Task) {
	if e.Milestone == nil || task.Backlog == nil || task.Backlog.MilestoneID == "" || task.Backlog.MilestoneItemID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var attempts int
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, e.Milestone.SyncMilestoneItem(ctx, task.Backlog.MilestoneID, task.Backlog.MilestoneItemID)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(bo),
	)
	if err != nil {
		e.emit(bus.EventMilestoneSyncFail, bus.MilestoneSyncFailedData{
			TaskID:      task.ID,
			MilestoneID: task.Backlog.MilestoneID,
			ItemID:      task.Backlog.MilestoneItemID,
			Attempts:    attempts,
			Error:       err.Error(),
		})
	}
}
