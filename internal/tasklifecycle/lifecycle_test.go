package tasklifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

type fakeAgents struct{ known map[string]bool }

func (f fakeAgents) AgentExists(id string) bool { return f.known[id] }

type fakeManaged struct{ managed map[string]bool }

func (f *fakeManaged) SetManagedMode(agentID string, managed bool) {
	if f.managed == nil {
		f.managed = map[string]bool{}
	}
	f.managed[agentID] = managed
}

func newTestEngine(t *testing.T) (*Engine, *taskstore.Store) {
	t.Helper()
	store := taskstore.New(t.TempDir())
	return &Engine{
		AgentID: "agent-1",
		Store:   store,
		Bus:     bus.New(),
		Agents:  fakeAgents{known: map[string]bool{"agent-2": true, "agent-3": true}},
		Managed: &fakeManaged{},
	}, store
}

func TestStartRequiresApproval(t *testing.T) {
	e, _ := newTestEngine(t)
	task, err := e.Start(StartOptions{Description: "ship it", RequiresApproval: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != taskstore.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", task.Status)
	}
}

func TestStartWithoutApprovalGoesStraightToInProgress(t *testing.T) {
	e, _ := newTestEngine(t)
	task, err := e.Start(StartOptions{Description: "ship it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != taskstore.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
}

func TestApproveWrongStatusFails(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	if _, err := e.Approve(task.ID); !errors.Is(err, taskstore.ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}
}

func TestBlockRejectsSelfReference(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	_, err := e.Block(BlockOptions{TaskID: task.ID, BlockedReason: "waiting", UnblockedBy: []string{"agent-1"}})
	if !errors.Is(err, taskstore.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestBlockRejectsUnknownAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	_, err := e.Block(BlockOptions{TaskID: task.ID, BlockedReason: "waiting", UnblockedBy: []string{"ghost"}})
	if !errors.Is(err, taskstore.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestBlockThenResume(t *testing.T) {
	e, store := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})

	blocked, err := e.Block(BlockOptions{TaskID: task.ID, BlockedReason: "need input", UnblockedBy: []string{"agent-2"}})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if blocked.Status != taskstore.StatusBlocked {
		t.Fatalf("status = %s, want blocked", blocked.Status)
	}

	resumed, err := e.Resume(task.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != taskstore.StatusInProgress || resumed.Blocking != nil {
		t.Fatalf("resumed task wrong: %+v", resumed)
	}

	got, _ := store.Read(task.ID)
	if got.Status != taskstore.StatusInProgress {
		t.Fatalf("persisted status = %s, want in_progress", got.Status)
	}
}

func TestStepLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})

	_, err := e.Update(UpdateOptions{TaskID: task.ID, Step: &StepAction{Kind: "set_steps", NewSteps: []string{"a", "b", "c"}}})
	if err != nil {
		t.Fatalf("set_steps: %v", err)
	}

	got, err := e.Update(UpdateOptions{TaskID: task.ID, Step: &StepAction{Kind: "complete_step", StepID: "s1"}})
	if err != nil {
		t.Fatalf("complete_step: %v", err)
	}
	if got.Steps[0].Status != taskstore.StepDone {
		t.Fatalf("step 0 = %s, want done", got.Steps[0].Status)
	}
	if got.Steps[1].Status != taskstore.StepInProgress {
		t.Fatalf("step 1 = %s, want in_progress (auto-started)", got.Steps[1].Status)
	}

	got, err = e.Update(UpdateOptions{TaskID: task.ID, Step: &StepAction{Kind: "add_step", Content: "d"}})
	if err != nil {
		t.Fatalf("add_step: %v", err)
	}
	if len(got.Steps) != 4 || got.Steps[3].ID != "s4" {
		t.Fatalf("expected 4th step with monotonic id s4, got %+v", got.Steps)
	}
}

func TestCompleteBlockedByStopGuard(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	e.Update(UpdateOptions{TaskID: task.ID, Step: &StepAction{Kind: "set_steps", NewSteps: []string{"a", "b"}}})

	result, guard, err := e.Complete(CompleteOptions{TaskID: task.ID})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result when stop-guarded, got %+v", result)
	}
	if guard == nil || guard.BlockedBy != "stop_guard" {
		t.Fatalf("expected a stop guard result, got %+v", guard)
	}
	if len(guard.RemainingSteps) != 2 {
		t.Fatalf("remaining steps = %v", guard.RemainingSteps)
	}
}

func TestCompleteForceBypassesStopGuard(t *testing.T) {
	e, store := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	e.Update(UpdateOptions{TaskID: task.ID, Step: &StepAction{Kind: "set_steps", NewSteps: []string{"a"}}})

	result, guard, err := e.Complete(CompleteOptions{TaskID: task.ID, ForceComplete: true, Summary: "done anyway"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if guard != nil {
		t.Fatalf("expected no stop guard block, got %+v", guard)
	}
	if result.Status != taskstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}

	stillThere, err := store.Read(task.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if stillThere != nil {
		t.Fatalf("expected completed task to be archived out of tasks/, found %+v", stillThere)
	}
}

func TestCompleteWithNoOpenStepsSucceeds(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})

	result, guard, err := e.Complete(CompleteOptions{TaskID: task.ID, Summary: "all done"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if guard != nil {
		t.Fatalf("unexpected stop guard: %+v", guard)
	}
	if result.Outcome == nil || result.Outcome.Kind != taskstore.OutcomeCompleted {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
}

func TestPickBacklogRefusesWhenActiveTaskExists(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Start(StartOptions{Description: "active"})
	_, err := e.BacklogAdd(BacklogAddOptions{Description: "later", CreatedBy: "agent-1", Assignee: "agent-1"})
	if err != nil {
		t.Fatalf("BacklogAdd: %v", err)
	}
	if _, err := e.PickBacklog(""); !errors.Is(err, taskstore.ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}
}

func TestPickBacklogPicksHighestPriority(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.BacklogAdd(BacklogAddOptions{Description: "low prio", Priority: taskstore.PriorityLow, CreatedBy: "agent-1", Assignee: "agent-1"})
	if err != nil {
		t.Fatalf("BacklogAdd: %v", err)
	}
	urgent, err := e.BacklogAdd(BacklogAddOptions{Description: "urgent prio", Priority: taskstore.PriorityUrgent, CreatedBy: "agent-1", Assignee: "agent-1"})
	if err != nil {
		t.Fatalf("BacklogAdd: %v", err)
	}

	picked, err := e.PickBacklog("")
	if err != nil {
		t.Fatalf("PickBacklog: %v", err)
	}
	if picked.ID != urgent.ID {
		t.Fatalf("picked %s, want urgent task %s", picked.ID, urgent.ID)
	}
	if picked.Status != taskstore.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", picked.Status)
	}
}

func TestBacklogAddRejectsUnknownAssignee(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.BacklogAdd(BacklogAddOptions{Description: "x", CreatedBy: "agent-1", Assignee: "ghost"})
	if !errors.Is(err, taskstore.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCancelArchivesNonTerminalTask(t *testing.T) {
	e, store := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})

	cancelled, err := e.Cancel(task.ID, "no longer needed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Outcome == nil || cancelled.Outcome.Kind != taskstore.OutcomeCancelled {
		t.Fatalf("outcome = %+v", cancelled.Outcome)
	}
	if got, _ := store.Read(task.ID); got != nil {
		t.Fatalf("expected cancelled task to be archived, found %+v", got)
	}
}

func TestCancelRejectsAlreadyTerminal(t *testing.T) {
	e, _ := newTestEngine(t)
	task, _ := e.Start(StartOptions{Description: "x"})
	if _, _, err := e.Complete(CompleteOptions{TaskID: task.ID}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := e.Cancel(task.ID, "too late"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound (task already archived)", err)
	}
}

func TestNowOverrideIsHonored(t *testing.T) {
	e, _ := newTestEngine(t)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return fixed }

	task, err := e.Start(StartOptions{Description: "x"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !task.Created.Equal(fixed) {
		t.Fatalf("Created = %v, want %v", task.Created, fixed)
	}
}
