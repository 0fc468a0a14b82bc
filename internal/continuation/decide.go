package continuation

import (
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/fleet/internal/taskstore"
)

// OpenSteps returns the steps of task still pending or in_progress, in order.
func OpenSteps(task *taskstore.Task) []taskstore.Step {
	var open []taskstore.Step
	for _, s := range task.Steps {
		if s.Status == taskstore.StepPending || s.Status == taskstore.StepInProgress {
			open = append(open, s)
		}
	}
	return open
}

// CurrentStepID returns the id of the in-progress step, or "" if none is.
func CurrentStepID(task *taskstore.Task) string {
	for _, s := range task.Steps {
		if s.Status == taskstore.StepInProgress {
			return s.ID
		}
	}
	return ""
}

// DoneStepCount counts steps marked done.
func DoneStepCount(task *taskstore.Task) int {
	n := 0
	for _, s := range task.Steps {
		if s.Status == taskstore.StepDone {
			n++
		}
	}
	return n
}

// SelfDrivePrompt is Layer B's strong, do-not-stop continuation prompt.
func SelfDrivePrompt(task *taskstore.Task, open []taskstore.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your session ended but task %s still has open work. Do NOT stop: ", task.ID)
	fmt.Fprintf(&b, "%s\n\nRemaining steps:\n", task.Description)
	for _, s := range open {
		fmt.Fprintf(&b, "- [%s] %s\n", s.ID, s.Content)
	}
	b.WriteString("\nPick up the in-progress (or next pending) step and keep going.")
	return b.String()
}

// StepNudgePrompt is Layer C's milder continuation prompt, naming the
// specific step to resume.
func StepNudgePrompt(task *taskstore.Task, open []taskstore.Step) string {
	if len(open) == 0 {
		return fmt.Sprintf("continue from: task %s", task.ID)
	}
	return fmt.Sprintf("continue from: %s (%s)", open[0].ID, open[0].Content)
}

// PollAction is what Layer D/E decides to do for a task on a polling tick.
type PollAction string

const (
	PollActionNone           PollAction = "none"
	PollActionContinue       PollAction = "continue"
	PollActionUnblock        PollAction = "unblock"
	PollActionZombieReassign PollAction = "zombie_reassign"
	PollActionZombieAbandon  PollAction = "zombie_abandon"
)

// DecidePoll implements Layer D's five gating conditions plus Layer E's
// inline zombie check (evaluated first, since a zombie task should never
// also receive a plain continuation nudge). agentBusy reports whether the
// owning agent's work lane is currently occupied — derived from outside
// this package, since it depends on the runner, not on task state.
func DecidePoll(agentID string, task *taskstore.Task, agentBusy bool, cfg Config, tracker *Tracker, now time.Time) (PollAction, string) {
	if task.Status == taskstore.StatusInProgress || task.Status == taskstore.StatusBlocked {
		if now.Sub(task.LastActivity) >= cfg.ZombieTaskTTL {
			if task.Backlog != nil && task.Backlog.ReassignCount < cfg.MaxZombieReassigns {
				return PollActionZombieReassign, "zombie_ttl_exceeded"
			}
			return PollActionZombieAbandon, "zombie_ttl_exceeded_reassigns_exhausted"
		}
	}

	switch task.Status {
	case taskstore.StatusCompleted, taskstore.StatusCancelled, taskstore.StatusAbandoned, taskstore.StatusPendingApproval, taskstore.StatusBacklog:
		return PollActionNone, "terminal_or_not_active"
	}

	if task.Status == taskstore.StatusBlocked {
		if task.Blocking != nil && task.Blocking.EscalationState == taskstore.EscalationEscalated {
			return PollActionNone, "already_escalated"
		}
		return PollActionUnblock, "blocked"
	}

	// status == in_progress from here.
	if agentBusy {
		return PollActionNone, "agent_busy"
	}
	if now.Sub(task.LastActivity) < cfg.TaskIdleThreshold {
		return PollActionNone, "not_idle_long_enough"
	}
	if !tracker.ContinuationCooldownOK(task.ID, cfg, now) {
		return PollActionNone, "continuation_cooldown"
	}
	if !tracker.BackoffReady(agentID, task.ID, now) {
		return PollActionNone, "backoff_active"
	}
	return PollActionContinue, "idle_with_open_work"
}
