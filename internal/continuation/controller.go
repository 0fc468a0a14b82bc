// controller.go wires the pure classification/decision logic in this
// package to live bus subscriptions and timers. The goroutine-plus-ticker
// skeleton for the periodic driver (Layer D/E) is grounded on the
// teacher's HeartbeatManager (internal/engine/heartbeat.go): a
// background goroutine selecting on ctx.Done() and a ticker channel,
// started and stopped by the embedding process. Layer D additionally
// uses robfig/cron/v3 for the @every schedule so the interval is
// declarative rather than a hand-rolled ticker, matching how the rest of
// this repository's periodic jobs are expressed.
package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/taskstore"
)

// Runner is the narrow seam onto the out-of-scope LLM adapter / chat
// gateway: it tells the controller whether an agent's work lane is
// currently occupied, and lets it enqueue an internal continuation run.
// Nothing in this package knows how a run is actually executed.
type Runner interface {
	IsAgentBusy(agentID string) bool
	EnqueueContinuation(ctx context.Context, agentID, taskID, prompt string) error
}

// Controller runs the five-layer Continuation Controller for one agent's
// workspace.
type Controller struct {
	AgentID string
	Store   *taskstore.Store
	Bus     *bus.Bus
	Runner  Runner
	Cfg     Config
	Logger  *slog.Logger
	Now     func() time.Time

	tracker *Tracker

	mu            sync.Mutex
	selfDriveTmr  map[string]*time.Timer // sessionKey -> pending Layer B timer
	stepNudgeTmr  map[string]*time.Timer // sessionKey -> pending Layer C timer

	sub *bus.Subscription
	cr  *cron.Cron
}

// New creates a Controller ready to Start.
func New(agentID string, store *taskstore.Store, b *bus.Bus, runner Runner, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		AgentID:      agentID,
		Store:        store,
		Bus:          b,
		Runner:       runner,
		Cfg:          cfg,
		Logger:       logger,
		Now:          func() time.Time { return time.Now().UTC() },
		tracker:      NewTracker(),
		selfDriveTmr: make(map[string]*time.Timer),
		stepNudgeTmr: make(map[string]*time.Timer),
	}
}

func (c *Controller) now() time.Time { return c.Now() }

// Start subscribes to lifecycle events (Layers B/C) and starts the
// polling driver (Layers D/E). Call Stop to tear both down.
func (c *Controller) Start(ctx context.Context) {
	c.sub = c.Bus.Subscribe("lifecycle:")
	go c.runLifecycleLoop(ctx)

	c.cr = cron.New()
	spec := fmt.Sprintf("@every %s", c.Cfg.PollInterval)
	_, err := c.cr.AddFunc(spec, func() { c.pollOnce(ctx) })
	if err != nil && c.Logger != nil {
		c.Logger.Error("continuation_poll_schedule_failed", slog.String("error", err.Error()))
	}
	c.cr.Start()
}

// Stop cancels all pending timers and the polling driver.
func (c *Controller) Stop() {
	if c.sub != nil {
		c.Bus.Unsubscribe(c.sub)
	}
	if c.cr != nil {
		c.cr.Stop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.selfDriveTmr {
		t.Stop()
	}
	for _, t := range c.stepNudgeTmr {
		t.Stop()
	}
}

func (c *Controller) runLifecycleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			if ev.AgentID != c.AgentID {
				continue
			}
			data, _ := ev.Data.(bus.LifecycleEventData)
			switch ev.Type {
			case bus.EventLifecycleStart:
				c.onLifecycleStart(data)
			case bus.EventLifecycleEnd:
				c.onLifecycleEnd(ctx, data)
			}
		}
	}
}

// onLifecycleStart cancels any pending Layer B/C timers for this agent —
// a new run starting is proof the agent is already driving itself, so the
// grace-window continuations are no longer needed — and records activity.
func (c *Controller) onLifecycleStart(data bus.LifecycleEventData) {
	c.tracker.NoteActivity(c.AgentID, c.Cfg, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.selfDriveTmr[data.SessionKey]; ok {
		t.Stop()
		delete(c.selfDriveTmr, data.SessionKey)
	}
	if t, ok := c.stepNudgeTmr[data.SessionKey]; ok {
		t.Stop()
		delete(c.stepNudgeTmr, data.SessionKey)
	}
}

// onLifecycleEnd arms Layer B (self-drive, 500ms grace) and Layer C
// (step-continuation, 2s) for a main session. Sub-sessions (delegated
// runs) never self-drive.
func (c *Controller) onLifecycleEnd(ctx context.Context, data bus.LifecycleEventData) {
	if data.IsSubSession {
		return
	}

	c.mu.Lock()
	c.selfDriveTmr[data.SessionKey] = time.AfterFunc(c.Cfg.SelfDriveGrace, func() {
		c.fireSelfDrive(ctx, data.SessionKey)
	})
	c.stepNudgeTmr[data.SessionKey] = time.AfterFunc(c.Cfg.StepNudgeDelay, func() {
		c.fireStepNudge(ctx, data.SessionKey)
	})
	c.mu.Unlock()
}

// fireSelfDrive is Layer B. If it fires (not cancelled by a new
// lifecycle:start), it suppresses Layer C for the same window.
func (c *Controller) fireSelfDrive(ctx context.Context, sessionKey string) {
	task, err := c.Store.FindActive()
	if err != nil || task == nil {
		return
	}
	open := OpenSteps(task)
	if len(open) == 0 {
		return
	}
	if !c.tracker.AllowSelfDrive(c.AgentID, c.Cfg) {
		c.Bus.Emit(bus.EventContinuationEscalate, c.AgentID, map[string]any{
			"taskId": task.ID,
			"reason": "max_consecutive_self_drives",
		})
		return
	}

	stepStalled, zeroProgress := c.tracker.StallUpdate(c.AgentID, CurrentStepID(task), DoneStepCount(task), c.Cfg)
	if stepStalled || zeroProgress {
		reason := "same_step_stall"
		if zeroProgress {
			reason = "zero_progress"
		}
		c.Bus.Emit(bus.EventContinuationEscalate, c.AgentID, map[string]any{"taskId": task.ID, "reason": reason})
	}

	prompt := SelfDrivePrompt(task, open)
	c.cancelStepNudge(sessionKeyForTask(task.ID))
	c.sendContinuation(ctx, task, prompt, bus.EventContinuationSelfDrive)
}

// fireStepNudge is Layer C: a milder nudge, suppressed if Layer B already
// fired for this window (cancelStepNudge clears its own timer entry, so a
// stale fire here is a no-op once the self-drive goroutine runs first).
func (c *Controller) fireStepNudge(ctx context.Context, sessionKey string) {
	c.mu.Lock()
	_, stillArmed := c.stepNudgeTmr[sessionKey]
	delete(c.stepNudgeTmr, sessionKey)
	c.mu.Unlock()
	if !stillArmed {
		return
	}

	task, err := c.Store.FindActive()
	if err != nil || task == nil {
		return
	}
	open := OpenSteps(task)
	if len(open) == 0 {
		return
	}
	prompt := StepNudgePrompt(task, open)
	c.sendContinuation(ctx, task, prompt, bus.EventContinuationStepNudge)
}

func (c *Controller) cancelStepNudge(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.stepNudgeTmr[sessionKey]; ok {
		t.Stop()
		delete(c.stepNudgeTmr, sessionKey)
	}
}

func sessionKeyForTask(taskID string) string { return taskID }

func (c *Controller) sendContinuation(ctx context.Context, task *taskstore.Task, prompt, eventType string) {
	err := c.Runner.EnqueueContinuation(ctx, c.AgentID, task.ID, prompt)
	if err != nil {
		delay := c.tracker.NextBackoff(c.AgentID, task.ID, err.Error(), c.now())
		c.Bus.Emit(bus.EventContinuationBackoff, c.AgentID, map[string]any{
			"taskId": task.ID,
			"error":  err.Error(),
			"delaySeconds": int(delay.Seconds()),
		})
		return
	}
	c.tracker.ResetBackoff(c.AgentID, task.ID)
	c.tracker.MarkContinuationSent(task.ID, c.now())
	c.Bus.Emit(eventType, c.AgentID, map[string]any{"taskId": task.ID, "prompt": prompt})
}

// pollOnce runs one Layer D/E tick across every non-terminal task in the
// workspace.
func (c *Controller) pollOnce(ctx context.Context) {
	active, err := c.Store.List("")
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("continuation_poll_list_failed", slog.String("error", err.Error()))
		}
		return
	}
	now := c.now()
	busy := c.Runner.IsAgentBusy(c.AgentID)
	for _, task := range active {
		action, reason := DecidePoll(c.AgentID, task, busy, c.Cfg, c.tracker, now)
		c.Bus.Emit(bus.EventContinuationPoll, c.AgentID, map[string]any{"taskId": task.ID, "action": string(action), "reason": reason})
		switch action {
		case PollActionContinue:
			open := OpenSteps(task)
			c.sendContinuation(ctx, task, StepNudgePrompt(task, open), bus.EventContinuationStepNudge)
		case PollActionUnblock:
			c.requestUnblock(task, now)
		case PollActionZombieReassign:
			c.zombieReassign(task)
		case PollActionZombieAbandon:
			c.zombieAbandon(task)
		}
	}
}

// requestUnblock round-robins a request across a blocked task's
// unblockedBy list, bumping its escalation state once MaxUnblockRequests
// is exhausted.
func (c *Controller) requestUnblock(task *taskstore.Task, now time.Time) {
	err := c.Store.WithLock(task.ID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil || current.Status != taskstore.StatusBlocked || current.Blocking == nil {
			return nil, nil
		}
		b := current.Blocking
		if len(b.UnblockedBy) == 0 {
			return nil, nil
		}
		idx := c.tracker.NextUnblockIndex(current.ID, len(b.UnblockedBy))
		target := b.UnblockedBy[idx]
		b.UnblockRequestCount++
		b.LastUnblockerIndex = &idx
		t := now
		b.LastUnblockRequestAt = &t
		if b.UnblockRequestCount >= c.Cfg.MaxUnblockRequests {
			b.EscalationState = taskstore.EscalationEscalated
		} else {
			b.EscalationState = taskstore.EscalationRequesting
		}
		current.LastActivity = now
		c.Bus.Emit(bus.EventContinuationUnblock, c.AgentID, map[string]any{
			"taskId": current.ID,
			"target": target,
			"count":  b.UnblockRequestCount,
		})
		return current, nil
	})
	if err != nil && c.Logger != nil {
		c.Logger.Error("continuation_unblock_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
}

func (c *Controller) zombieReassign(task *taskstore.Task) {
	err := c.Store.WithLock(task.ID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, nil
		}
		if current.Backlog == nil {
			current.Backlog = &taskstore.Backlog{}
		}
		current.Backlog.ReassignCount++
		current.Status = taskstore.StatusBacklog
		current.Blocking = nil
		current.Progress = append(current.Progress, fmt.Sprintf("[zombie recovery] returned to backlog (reassign #%d)", current.Backlog.ReassignCount))
		return current, nil
	})
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("continuation_zombie_reassign_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		}
		return
	}
	c.Bus.Emit(bus.EventTaskZombieRecover, c.AgentID, map[string]any{"taskId": task.ID})
}

func (c *Controller) zombieAbandon(task *taskstore.Task) {
	err := c.Store.WithLock(task.ID, func(current *taskstore.Task) (*taskstore.Task, error) {
		if current == nil {
			return nil, nil
		}
		current.Status = taskstore.StatusAbandoned
		retriable := false
		current.Outcome = &taskstore.Outcome{
			Kind:      taskstore.OutcomeInterrupted,
			Reason:    "zombie task exceeded TTL with reassigns exhausted",
			Retriable: &retriable,
		}
		return current, nil
	})
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("continuation_zombie_abandon_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		}
		return
	}
	if err := c.Store.AppendToHistory(taskstore.HistoryEntry{
		When:        c.now(),
		Description: fmt.Sprintf("%s abandoned (zombie, reassigns exhausted)", task.ID),
		Body:        task.Description,
	}); err != nil && c.Logger != nil {
		c.Logger.Error("continuation_zombie_abandon_history_failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
	_ = c.Store.Delete(task.ID)
	c.Bus.Emit(bus.EventTaskZombieAbandon, c.AgentID, map[string]any{"taskId": task.ID})
}
