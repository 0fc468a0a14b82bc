// Package delegation implements the per-task Delegation records and
// status-lattice transition validator described in §3's Delegation entity.
// Delegation records are embedded in the owning task's JSON-in-markdown
// document (internal/taskstore) — there are no cross-file references. The
// transition-table-plus-terminal-state-guard shape here is grounded on
// other_examples/00501b5c_AltairaLabs-PromptKit__sdk-a2a_task_store.go.go's
// validTransitions/terminalStates pattern, applied to delegations instead
// of A2A tasks.
package delegation

import (
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/fleet/internal/taskstore"
)

// ErrInvalidTransition is returned when a requested status change is not
// in the lattice.
var ErrInvalidTransition = errors.New("delegation: invalid transition")

// ErrTerminal is returned when a transition is attempted from a terminal
// status.
var ErrTerminal = errors.New("delegation: already terminal")

// terminalStates are delegation statuses with no further valid transition.
var terminalStates = map[taskstore.DelegationStatus]bool{
	taskstore.DelegationVerified:  true,
	taskstore.DelegationAbandoned: true,
}

// validTransitions encodes the lattice:
//
//	spawned → running → {completed | failed} → {verified | rejected | abandoned}
//	rejected → retrying → spawned (up to maxRetries, else → abandoned)
var validTransitions = map[taskstore.DelegationStatus]map[taskstore.DelegationStatus]bool{
	taskstore.DelegationSpawned: {
		taskstore.DelegationRunning: true,
	},
	taskstore.DelegationRunning: {
		taskstore.DelegationCompleted: true,
		taskstore.DelegationFailed:    true,
	},
	taskstore.DelegationCompleted: {
		taskstore.DelegationVerified:  true,
		taskstore.DelegationRejected:  true,
		taskstore.DelegationAbandoned: true,
	},
	taskstore.DelegationFailed: {
		taskstore.DelegationVerified:  true,
		taskstore.DelegationRejected:  true,
		taskstore.DelegationAbandoned: true,
	},
	taskstore.DelegationRejected: {
		taskstore.DelegationRetrying: true,
		taskstore.DelegationAbandoned: true,
	},
	taskstore.DelegationRetrying: {
		taskstore.DelegationSpawned: true,
	},
}

// Event is the Delegation Event emitted by a successful transition.
type Event struct {
	DelegationID string
	From         taskstore.DelegationStatus
	To           taskstore.DelegationStatus
	At           time.Time
	Error        string
}

// New creates a new Delegation in status=spawned.
func New(delegationID, runID, targetAgentID, targetSessionKey, task, label string, maxRetries int) taskstore.Delegation {
	now := time.Now().UTC()
	return taskstore.Delegation{
		DelegationID:     delegationID,
		RunID:            runID,
		TargetAgentID:    targetAgentID,
		TargetSessionKey: targetSessionKey,
		Task:             task,
		Label:            label,
		Status:           taskstore.DelegationSpawned,
		MaxRetries:       maxRetries,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Update validates a requested status transition and, on success, returns
// the updated Delegation and the Event to append/emit. errMsg is recorded
// in PreviousErrors when transitioning to failed or rejected.
func Update(d taskstore.Delegation, to taskstore.DelegationStatus, errMsg, verificationNote string) (taskstore.Delegation, Event, error) {
	from := d.Status
	if terminalStates[from] {
		return d, Event{}, fmt.Errorf("%w: delegation %s is %s", ErrTerminal, d.DelegationID, from)
	}
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return d, Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	// rejected -> retrying is only valid while retries remain; beyond that
	// the caller must request abandoned directly.
	if from == taskstore.DelegationRejected && to == taskstore.DelegationRetrying {
		if d.RetryCount >= d.MaxRetries {
			return d, Event{}, fmt.Errorf("%w: %s has exhausted its %d retries", ErrInvalidTransition, d.DelegationID, d.MaxRetries)
		}
	}

	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = now
	switch to {
	case taskstore.DelegationFailed, taskstore.DelegationRejected:
		if errMsg != "" {
			d.PreviousErrors = append(d.PreviousErrors, errMsg)
		}
	case taskstore.DelegationRetrying:
		d.RetryCount++
	case taskstore.DelegationVerified:
		d.VerificationNote = verificationNote
	}

	return d, Event{DelegationID: d.DelegationID, From: from, To: to, At: now, Error: errMsg}, nil
}

// Summary aggregates the delegations attached to one task.
type Summary struct {
	Total      int
	Spawned    int
	Running    int
	Completed  int
	Failed     int
	Verified   int
	Rejected   int
	Retrying   int
	Abandoned  int
	AllSettled bool
}

// Aggregate computes the Delegation Summary for a task's delegation list.
// AllSettled is true once every delegation has reached a terminal status
// (verified or abandoned) — completed/failed/rejected/retrying still
// represent work in flight.
func Aggregate(delegations []taskstore.Delegation) Summary {
	var s Summary
	s.Total = len(delegations)
	settled := 0
	for _, d := range delegations {
		switch d.Status {
		case taskstore.DelegationSpawned:
			s.Spawned++
		case taskstore.DelegationRunning:
			s.Running++
		case taskstore.DelegationCompleted:
			s.Completed++
		case taskstore.DelegationFailed:
			s.Failed++
		case taskstore.DelegationVerified:
			s.Verified++
			settled++
		case taskstore.DelegationRejected:
			s.Rejected++
		case taskstore.DelegationRetrying:
			s.Retrying++
		case taskstore.DelegationAbandoned:
			s.Abandoned++
			settled++
		}
	}
	s.AllSettled = s.Total > 0 && settled == s.Total
	return s
}

// FindByID returns a pointer-free copy of the delegation with the given id
// and its index, or (_, -1, false) if not found.
func FindByID(delegations []taskstore.Delegation, id string) (taskstore.Delegation, int, bool) {
	for i, d := range delegations {
		if d.DelegationID == id {
			return d, i, true
		}
	}
	return taskstore.Delegation{}, -1, false
}
