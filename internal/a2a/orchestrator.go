// orchestrator.go drives one A2A flow end to end per the ten-step
// contract of §4.7. It composes the Gate (§4.5) and Job Store (§4.6)
// with the intent-classification and ping-pong turn logic below, and
// delegates the actual work of sending a message and waiting for a
// reply to the Transport seam — the out-of-scope LLM adapter / chat
// gateway. The step-sequencing shape (permit, send, wait-with-backoff,
// loop, complete) is grounded on the teacher's coordinator.Executor
// (internal/coordinator/executor.go) and coordinator.Waiter
// (internal/coordinator/waiter.go); the retry-with-backoff classification
// mirors coordinator.RetryWithError (internal/coordinator/retry.go).
// Outbound messages are screened by internal/safety.Sanitizer before
// send, and replies are scanned by internal/safety.LeakDetector before
// they are persisted to a delegation's result snapshot — the same
// guardrails the teacher ran over chat-gateway traffic, repurposed
// here for agent-to-agent traffic.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/delegation"
	"github.com/openclaw/fleet/internal/safety"
	"github.com/openclaw/fleet/internal/shared"
	"github.com/openclaw/fleet/internal/taskstore"
)

// ReplyOutcome classifies the result of waiting for a round-1 reply.
type ReplyOutcome string

const (
	ReplyOK        ReplyOutcome = "ok"
	ReplyNotFound  ReplyOutcome = "not_found"
	ReplyError     ReplyOutcome = "error"
	ReplyTransient ReplyOutcome = "transient"
)

// Transport is the narrow seam onto the out-of-scope chat gateway / LLM
// adapter. Nothing in this package knows how a message actually reaches
// an agent session or how its reply is produced.
type Transport interface {
	// Send delivers message to toSessionKey on behalf of fromAgent and
	// returns once the send itself is accepted (not once a reply arrives).
	Send(ctx context.Context, fromAgent, toSessionKey, message string, payload json.RawMessage) error

	// PollReply polls once for a reply to conversationID, returning
	// (reply, ReplyOK) if one is ready, (_, ReplyNotFound) if still
	// pending, or (_, ReplyError/ReplyTransient) on failure.
	PollReply(ctx context.Context, conversationID string) (string, ReplyOutcome, error)
}

// Intent is the classified purpose of an A2A message, per §4.7 step 5.
type Intent string

const (
	IntentNotification  Intent = "notification"
	IntentQuestion      Intent = "question"
	IntentCollaboration Intent = "collaboration"
	IntentResultReport  Intent = "result_report"
)

// turnCeiling bounds the ping-pong loop by intent, before clamping
// against the caller-supplied maxPingPongTurns.
var turnCeiling = map[Intent]int{
	IntentNotification:  0,
	IntentQuestion:      2,
	IntentCollaboration: 6,
	IntentResultReport:  1,
}

// ClassifyIntent maps a structured payload kind to its intent, falling
// back to free-text heuristics when no (valid) structured payload is
// present.
func ClassifyIntent(payloadKind PayloadKind, payloadValid bool, message string) Intent {
	if payloadValid {
		switch payloadKind {
		case PayloadTaskDelegation:
			return IntentCollaboration
		case PayloadStatusReport:
			return IntentResultReport
		case PayloadQuestion:
			return IntentQuestion
		case PayloadAnswer:
			return IntentNotification
		}
	}

	msg := strings.ToLower(strings.TrimSpace(message))
	switch {
	case strings.HasSuffix(msg, "?") || strings.HasPrefix(msg, "could you") || strings.HasPrefix(msg, "can you") || strings.HasPrefix(msg, "what") || strings.HasPrefix(msg, "why") || strings.HasPrefix(msg, "how"):
		return IntentQuestion
	case strings.Contains(msg, "please") && (strings.Contains(msg, "help") || strings.Contains(msg, "work on") || strings.Contains(msg, "handle")):
		return IntentCollaboration
	case strings.Contains(msg, "done") || strings.Contains(msg, "completed") || strings.Contains(msg, "finished") || strings.Contains(msg, "status:"):
		return IntentResultReport
	default:
		return IntentNotification
	}
}

// EffectiveTurns clamps the caller-requested ceiling against the
// intent's own ceiling, per §4.7 step 6.
func EffectiveTurns(intent Intent, maxPingPongTurns int) int {
	ceil, ok := turnCeiling[intent]
	if !ok {
		ceil = 0
	}
	if maxPingPongTurns < 0 {
		maxPingPongTurns = 0
	}
	if maxPingPongTurns < ceil {
		return maxPingPongTurns
	}
	return ceil
}

var completionMarkers = []string{
	"no further action needed", "nothing more to report", "all done",
	"task complete", "conversation complete", "end of conversation",
}

// isEndSignal reports whether a turn's content is an explicit
// termination signal per §4.7's ping-pong early-termination heuristics.
func isEndSignal(content string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	if c == "" || c == "end" || c == "done" || c == "ack" || c == "acknowledged" {
		return true
	}
	for _, marker := range completionMarkers {
		if strings.Contains(c, marker) {
			return true
		}
	}
	return false
}

// isRepeatOf reports whether content is a near-duplicate of prev (the
// "repeated content" early-termination heuristic): same text after
// trimming and case-folding.
func isRepeatOf(content, prev string) bool {
	if prev == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(content), strings.TrimSpace(prev))
}

// deriveEventRole determines a2a.send's eventRole, per §4.7 step 2:
// sub-sessions are named agent:<id>:subagent:<label>.
func deriveEventRole(fromSessionKey, toSessionKey string) string {
	if strings.Contains(fromSessionKey, ":subagent:") || strings.Contains(toSessionKey, ":subagent:") {
		return "delegation.subagent"
	}
	return "conversation.main"
}

// FlowRequest is the input to Run: everything needed to start (or
// resume) one A2A flow.
type FlowRequest struct {
	JobID               string
	FromAgent           string
	ToAgent             string
	RequesterSessionKey string
	TargetSessionKey    string
	Message             string
	PayloadKind         PayloadKind
	Payload             json.RawMessage
	MaxPingPongTurns    int
	TaskID              string
	DelegationID        string
	MaxDelegationRetries int
	// RoundOneReply, if non-empty, is an already-available reply that
	// skips the round-1 polling wait (§4.7 step 3's "skip if supplied").
	RoundOneReply string
	AnnounceTo    string // session key to announce completion to, if any
}

// Orchestrator runs A2A flows for one workspace.
type Orchestrator struct {
	Gate      *Gate
	Jobs      *Store
	Tasks     *taskstore.Store
	Bus       *bus.Bus
	Transport Transport
	Logger    *slog.Logger
	Now       func() time.Time
	// Sanitizer screens outbound A2A messages for injection attempts
	// before they reach another agent's session. Defaults to a new
	// safety.Sanitizer when nil.
	Sanitizer *safety.Sanitizer
	// Leaks scans replies for leaked secrets before they are persisted
	// to a job's or delegation's result snapshot. Defaults to a new
	// safety.LeakDetector when nil.
	Leaks *safety.LeakDetector
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) sanitizer() *safety.Sanitizer {
	if o.Sanitizer != nil {
		return o.Sanitizer
	}
	return safety.NewSanitizer()
}

func (o *Orchestrator) leaks() *safety.LeakDetector {
	if o.Leaks != nil {
		return o.Leaks
	}
	return safety.NewLeakDetector()
}

const (
	roundOnePollInterval = 30 * time.Second
	roundOneMaxWait      = 5 * time.Minute
	retryBaseDelay       = 1 * time.Second
	maxRetries           = 3
)

// Run executes the full ten-step §4.7 contract for one flow.
func (o *Orchestrator) Run(ctx context.Context, req FlowRequest) error {
	conversationID := req.JobID
	if conversationID == "" {
		conversationID = uuid.NewString()
		req.JobID = conversationID
	}

	// Step 1: record & permit. A caller that supplies a TaskID without a
	// pre-existing DelegationID is asking us to spawn one: append a
	// {status:spawned, maxRetries, retryCount:0} record to the owning
	// task atomically, before the Job itself is recorded, so the Job
	// carries the real delegation id from the start.
	if req.TaskID != "" && req.DelegationID == "" && o.Tasks != nil {
		delegationID := uuid.NewString()
		if err := o.Tasks.WithLock(req.TaskID, func(task *taskstore.Task) (*taskstore.Task, error) {
			if task == nil {
				return nil, fmt.Errorf("a2a: task %s not found for delegation spawn", req.TaskID)
			}
			d := delegation.New(delegationID, req.JobID, req.ToAgent, req.TargetSessionKey, req.Message, "", req.MaxDelegationRetries)
			task.Delegations = append(task.Delegations, d)
			return task, nil
		}); err != nil {
			return fmt.Errorf("a2a: spawn delegation for task %s: %w", req.TaskID, err)
		}
		req.DelegationID = delegationID
	}

	job, err := o.Jobs.Read(req.JobID)
	if err != nil {
		return fmt.Errorf("a2a: read job %s: %w", req.JobID, err)
	}
	if job == nil {
		job = &Job{
			JobID:               req.JobID,
			FromAgent:           req.FromAgent,
			ToAgent:             req.ToAgent,
			RequesterSessionKey: req.RequesterSessionKey,
			TargetSessionKey:    req.TargetSessionKey,
			Message:             req.Message,
			TaskID:              req.TaskID,
			DelegationID:        req.DelegationID,
			MaxPingPongTurns:    req.MaxPingPongTurns,
		}
		if err := o.Jobs.Create(job); err != nil {
			return fmt.Errorf("a2a: create job %s: %w", req.JobID, err)
		}
	}
	if err := o.Jobs.WithLock(req.JobID, func(cur *Job) (*Job, error) {
		if cur == nil {
			return nil, fmt.Errorf("a2a: job %s vanished before running", req.JobID)
		}
		cur.Status = JobRunning
		return cur, nil
	}); err != nil {
		return fmt.Errorf("a2a: mark job %s running: %w", req.JobID, err)
	}

	if err := o.Gate.Acquire(ctx, req.FromAgent, req.JobID); err != nil {
		o.failJob(req.JobID, err.Error())
		return fmt.Errorf("a2a: acquire gate for %s: %w", req.FromAgent, err)
	}
	released := false
	release := func() {
		if !released {
			o.Gate.Release(req.FromAgent, req.JobID)
			released = true
		}
	}
	defer release()

	if check := o.sanitizer().Check(req.Message); check.Action == safety.ActionBlock {
		o.logger().Warn("a2a message blocked by sanitizer", "conversationId", conversationID, "reason", check.Reason)
		o.failJob(req.JobID, fmt.Sprintf("blocked: %s", check.Reason))
		return check.MustAllow()
	}

	// A delegation sits in spawned until the message for it actually goes
	// out; advance it to running right around the send, leaving it alone
	// if this Run call is resuming a flow whose delegation already moved
	// past spawned.
	if req.TaskID != "" && req.DelegationID != "" && o.Tasks != nil {
		if err := o.Tasks.WithLock(req.TaskID, func(task *taskstore.Task) (*taskstore.Task, error) {
			if task == nil {
				return nil, fmt.Errorf("a2a: task %s not found for delegation transition", req.TaskID)
			}
			d, idx, found := delegation.FindByID(task.Delegations, req.DelegationID)
			if !found {
				return nil, fmt.Errorf("a2a: delegation %s not found on task %s", req.DelegationID, req.TaskID)
			}
			if d.Status != taskstore.DelegationSpawned {
				return task, nil
			}
			updated, _, err := delegation.Update(d, taskstore.DelegationRunning, "", "")
			if err != nil {
				return nil, fmt.Errorf("a2a: transition delegation %s to running: %w", req.DelegationID, err)
			}
			task.Delegations[idx] = updated
			return task, nil
		}); err != nil {
			o.failJob(req.JobID, err.Error())
			return err
		}
	}

	// Step 2: emit a2a.send.
	eventRole := deriveEventRole(req.RequesterSessionKey, req.TargetSessionKey)
	o.Bus.Emit(bus.EventA2ASend, req.FromAgent, bus.A2ASendData{
		FromAgent:      req.FromAgent,
		ToAgent:        req.ToAgent,
		MessageExcerpt: excerpt(req.Message, 200),
		ConversationID: conversationID,
		EventRole:      eventRole,
	})
	if err := o.Transport.Send(ctx, req.FromAgent, req.TargetSessionKey, req.Message, req.Payload); err != nil {
		o.failJob(req.JobID, err.Error())
		return fmt.Errorf("a2a: send to %s: %w", req.TargetSessionKey, err)
	}

	// Step 3: round-1 reply wait.
	reply := req.RoundOneReply
	var outcome ReplyOutcome = ReplyOK
	if reply == "" {
		reply, outcome, err = o.waitForRoundOneReply(ctx, req.FromAgent, conversationID)
		if err != nil {
			o.failJob(req.JobID, err.Error())
			return fmt.Errorf("a2a: round-1 wait for %s: %w", conversationID, err)
		}
	}

	// Step 4: no-reply handling.
	if outcome != ReplyOK {
		cause := string(outcome)
		blocked := fmt.Sprintf("blocked: no reply received (%s)", cause)
		o.Bus.Emit(bus.EventA2AComplete, req.FromAgent, bus.A2ACompleteData{
			ConversationID:    conversationID,
			ConfiguredMaxTurns: req.MaxPingPongTurns,
			AnnounceSkipped:   true,
			Announced:         false,
			Outcome:           "blocked",
		})
		return o.completeJob(req, blocked, 0, 0, false, "", true, false, "blocked")
	}

	// Step 5: intent classification.
	payloadValid := false
	if req.PayloadKind != "" && len(req.Payload) > 0 {
		payloadValid, _ = ValidatePayload(req.PayloadKind, req.Payload)
	}
	intent := ClassifyIntent(req.PayloadKind, payloadValid, req.Message)

	// Step 6: effective turns.
	effectiveTurns := EffectiveTurns(intent, req.MaxPingPongTurns)

	// Step 7: ping-pong loop.
	actualTurns := 0
	earlyTermination := false
	terminationReason := ""
	prevContent := reply
	current := req.FromAgent
	currentSession := req.RequesterSessionKey
	other := req.ToAgent
	otherSession := req.TargetSessionKey
	lastReply := reply

	if isEndSignal(reply) {
		earlyTermination = true
		terminationReason = "explicit end signal"
	}

	for turn := 1; turn <= effectiveTurns && !earlyTermination; turn++ {
		// Swap roles: whoever just replied now sends, the original sender
		// becomes the replier for this turn.
		current, other = other, current
		currentSession, otherSession = otherSession, currentSession

		if strings.TrimSpace(lastReply) == "" {
			earlyTermination = true
			terminationReason = "empty reply"
			break
		}

		if err := o.Transport.Send(ctx, current, otherSession, lastReply, nil); err != nil {
			o.failJob(req.JobID, err.Error())
			return fmt.Errorf("a2a: ping-pong send turn %d: %w", turn, err)
		}

		nextReply, turnOutcome, err := o.waitForRoundOneReply(ctx, current, conversationID)
		if err != nil {
			o.failJob(req.JobID, err.Error())
			return fmt.Errorf("a2a: ping-pong wait turn %d: %w", turn, err)
		}
		actualTurns = turn
		if turnOutcome != ReplyOK {
			earlyTermination = true
			terminationReason = fmt.Sprintf("no reply (%s)", turnOutcome)
			o.Bus.Emit(bus.EventA2AResponse, current, bus.A2AResponseData{
				ConversationID:    conversationID,
				Turn:              turn,
				TerminationReason: terminationReason,
			})
			break
		}

		if isRepeatOf(nextReply, prevContent) {
			earlyTermination = true
			terminationReason = "repeated content"
		} else if isEndSignal(nextReply) {
			earlyTermination = true
			terminationReason = "explicit end signal"
		}

		o.Bus.Emit(bus.EventA2AResponse, current, bus.A2AResponseData{
			ConversationID:    conversationID,
			Turn:              turn,
			TerminationReason: terminationReason,
		})

		prevContent = nextReply
		lastReply = nextReply
	}

	// Step 8: optional announce step.
	announceSkipped := req.AnnounceTo == ""
	announced := false
	if !announceSkipped {
		if err := o.Transport.Send(ctx, req.ToAgent, req.AnnounceTo, summarizeForAnnounce(lastReply), nil); err != nil {
			o.logger().Warn("a2a announce step failed", "conversationId", conversationID, "error", err)
		} else {
			announced = true
		}
	}

	// Step 9 & 10: completion event, job terminal state, delegation wiring.
	o.Bus.Emit(bus.EventA2AComplete, req.FromAgent, bus.A2ACompleteData{
		ConversationID:     conversationID,
		ConfiguredMaxTurns: req.MaxPingPongTurns,
		EffectiveTurns:     effectiveTurns,
		ActualTurns:        actualTurns,
		EarlyTermination:   earlyTermination,
		TerminationReason:  terminationReason,
		AnnounceSkipped:    announceSkipped,
		Announced:          announced,
		Outcome:            "completed",
	})

	return o.completeJob(req, lastReply, effectiveTurns, actualTurns, earlyTermination, terminationReason, announceSkipped, announced, "completed")
}

// waitForRoundOneReply polls Transport.PollReply in fixed intervals up to
// roundOneMaxWait, retrying transient failures with capped exponential
// backoff (§4.7 step 3).
func (o *Orchestrator) waitForRoundOneReply(ctx context.Context, agentID, conversationID string) (string, ReplyOutcome, error) {
	deadline := o.now().Add(roundOneMaxWait)
	attempt := 0

	for {
		reply, outcome, err := o.Transport.PollReply(ctx, conversationID)
		if err == nil {
			switch outcome {
			case ReplyOK:
				return reply, ReplyOK, nil
			case ReplyNotFound:
				if o.now().After(deadline) {
					return "", ReplyNotFound, nil
				}
				if !sleepOrDone(ctx, roundOnePollInterval) {
					return "", ReplyNotFound, ctx.Err()
				}
				continue
			case ReplyError:
				return "", ReplyError, nil
			}
		}

		// transient/unknown failure: retry with backoff up to maxRetries.
		attempt++
		if attempt > maxRetries {
			return "", ReplyTransient, nil
		}
		reason := "transient poll failure"
		if err != nil {
			reason = err.Error()
		}
		o.Bus.Emit(bus.EventA2ARetry, agentID, bus.A2ARetryData{
			ConversationID: conversationID,
			Attempt:        attempt,
			Reason:         reason,
		})
		delay := retryBaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		if delay > roundOneMaxWait {
			delay = roundOneMaxWait
		}
		if o.now().After(deadline) {
			return "", ReplyTransient, nil
		}
		if !sleepOrDone(ctx, delay) {
			return "", ReplyTransient, ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) failJob(jobID, errMsg string) {
	_ = o.Jobs.WithLock(jobID, func(cur *Job) (*Job, error) {
		if cur == nil {
			return nil, nil
		}
		cur.Status = JobFailed
		cur.Error = errMsg
		return cur, nil
	})
}

// completeJob marks the job DONE and, when a TaskID/DelegationID was
// supplied, wires the outcome into the owning task's Delegation record
// via internal/delegation.Update.
func (o *Orchestrator) completeJob(req FlowRequest, finalContent string, effectiveTurns, actualTurns int, earlyTermination bool, terminationReason string, announceSkipped, announced bool, outcome string) error {
	err := o.Jobs.WithLock(req.JobID, func(cur *Job) (*Job, error) {
		if cur == nil {
			return nil, nil
		}
		cur.Status = JobDone
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("a2a: mark job %s done: %w", req.JobID, err)
	}

	if req.TaskID == "" || req.DelegationID == "" || o.Tasks == nil {
		return nil
	}

	return o.Tasks.WithLock(req.TaskID, func(task *taskstore.Task) (*taskstore.Task, error) {
		if task == nil {
			return nil, fmt.Errorf("a2a: task %s not found for delegation wiring", req.TaskID)
		}
		d, idx, found := delegation.FindByID(task.Delegations, req.DelegationID)
		if !found {
			return nil, fmt.Errorf("a2a: delegation %s not found on task %s", req.DelegationID, req.TaskID)
		}

		target := taskstore.DelegationCompleted
		errMsg := ""
		if outcome == "blocked" {
			target = taskstore.DelegationFailed
			errMsg = finalContent
		}

		updated, _, err := delegation.Update(d, target, errMsg, "")
		if err != nil {
			return nil, fmt.Errorf("a2a: wire delegation %s: %w", req.DelegationID, err)
		}
		if warnings := o.leaks().Scan(finalContent); len(warnings) > 0 {
			for _, w := range warnings {
				o.logger().Warn("a2a reply leak warning", "conversationId", req.JobID, "pattern", w.Pattern)
			}
			finalContent = shared.Redact(finalContent)
		}
		updated.ResultSnapshot = excerpt(finalContent, 2000)
		task.Delegations[idx] = updated
		return task, nil
	})
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func summarizeForAnnounce(content string) string {
	return "conversation complete: " + excerpt(content, 300)
}
