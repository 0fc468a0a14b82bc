package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/config"
	"github.com/openclaw/fleet/internal/policy"
	"github.com/openclaw/fleet/internal/tasklifecycle"
	"github.com/openclaw/fleet/internal/taskstore"
)

// runTaskCommand drives Task Lifecycle Operations directly against an
// agent's workspace, without starting the Continuation Controller or A2A
// orchestrator. It is a scripting surface, not a daemon.
func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fleetctl task <agentId> <operation> [flags...]")
		return 1
	}
	agentID, op, rest := args[0], args[1], args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: load config: %v\n", err)
		return 1
	}

	workspaceDir, err := workspaceDirFor(cfg, agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		return 1
	}

	pol, err := policy.Load(policyPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: load policy: %v\n", err)
		return 1
	}
	if capability := capabilityForOp(op); capability != "" && !pol.AllowCapability(capability) {
		fmt.Fprintf(os.Stderr, "fleetctl: operation %q denied by policy (capability %q not allowed)\n", op, capability)
		return 1
	}

	engine := &tasklifecycle.Engine{
		AgentID: agentID,
		Store:   taskstore.New(workspaceDir),
		Bus:     bus.New(),
		Agents:  configAgentResolver(cfg),
	}

	result, err := dispatchTaskOp(engine, op, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %s: %v\n", op, err)
		return 1
	}
	return printTaskResult(result)
}

func workspaceDirFor(cfg config.Config, agentID string) (string, error) {
	for _, a := range cfg.Agents {
		if a.AgentID == agentID {
			return a.WorkspaceDir, nil
		}
	}
	return "", fmt.Errorf("agent %q not found in config", agentID)
}

// configAgentResolver implements tasklifecycle.AgentResolver against the
// static agent list loaded from config, since the CLI doesn't have a
// live fleet.Registry to ask.
type configAgentResolver []config.AgentEntry

func (r configAgentResolver) AgentExists(agentID string) bool {
	for _, a := range r {
		if a.AgentID == agentID {
			return true
		}
	}
	return false
}

// capabilityForOp maps a task operation name to the policy capability
// that gates it, or "" for operations a policy never restricts.
func capabilityForOp(op string) string {
	switch op {
	case "start", "update", "approve", "block", "resume", "complete", "cancel":
		return "task." + op
	case "backlog-add":
		return "task.backlog_add"
	case "pick-backlog":
		return "task.backlog_pick"
	default:
		return ""
	}
}

func dispatchTaskOp(e *tasklifecycle.Engine, op string, args []string) (any, error) {
	switch op {
	case "start":
		fs := flag.NewFlagSet("start", flag.ContinueOnError)
		desc := fs.String("description", "", "task description")
		taskCtx := fs.String("context", "", "task context")
		source := fs.String("source", "", "source of the task")
		priority := fs.String("priority", "", "urgent|high|medium|low")
		requiresApproval := fs.Bool("requires-approval", false, "start in pending_approval instead of in_progress")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.Start(tasklifecycle.StartOptions{
			Description:      *desc,
			Context:          *taskCtx,
			Source:           *source,
			Priority:         taskstore.Priority(*priority),
			RequiresApproval: *requiresApproval,
		})

	case "update":
		fs := flag.NewFlagSet("update", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		progress := fs.String("progress", "", "free-form progress line")
		stepKind := fs.String("step-kind", "", "set_steps|add_step|complete_step|start_step|skip_step|reorder_steps")
		stepContent := fs.String("step-content", "", "content for add_step")
		stepID := fs.String("step-id", "", "step id for complete_step/start_step/skip_step")
		newSteps := fs.String("new-steps", "", "comma-separated step contents for set_steps")
		order := fs.String("order", "", "comma-separated step ids for reorder_steps")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		opts := tasklifecycle.UpdateOptions{TaskID: *taskID, ProgressLine: *progress}
		if *stepKind != "" {
			opts.Step = &tasklifecycle.StepAction{
				Kind:     *stepKind,
				NewSteps: splitNonEmpty(*newSteps),
				Content:  *stepContent,
				StepID:   *stepID,
				Order:    splitNonEmpty(*order),
			}
		}
		return e.Update(opts)

	case "approve":
		fs := flag.NewFlagSet("approve", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.Approve(*taskID)

	case "block":
		fs := flag.NewFlagSet("block", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		reason := fs.String("reason", "", "blocked reason")
		unblockedBy := fs.String("unblocked-by", "", "comma-separated agent ids")
		unblockedAction := fs.String("unblocked-action", "", "what should happen on unblock")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.Block(tasklifecycle.BlockOptions{
			TaskID:          *taskID,
			BlockedReason:   *reason,
			UnblockedBy:     splitNonEmpty(*unblockedBy),
			UnblockedAction: *unblockedAction,
		})

	case "resume":
		fs := flag.NewFlagSet("resume", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.Resume(*taskID)

	case "complete":
		fs := flag.NewFlagSet("complete", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		summary := fs.String("summary", "", "completion summary")
		force := fs.Bool("force", false, "force completion despite remaining steps")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		task, guard, err := e.Complete(tasklifecycle.CompleteOptions{
			TaskID:        *taskID,
			Summary:       *summary,
			ForceComplete: *force,
		})
		if err != nil {
			return nil, err
		}
		if guard != nil {
			return guard, nil
		}
		return task, nil

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
		taskID := fs.String("task", "", "task id")
		reason := fs.String("reason", "", "cancellation reason")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.Cancel(*taskID, *reason)

	case "backlog-add":
		fs := flag.NewFlagSet("backlog-add", flag.ContinueOnError)
		desc := fs.String("description", "", "task description")
		taskCtx := fs.String("context", "", "task context")
		priority := fs.String("priority", "", "urgent|high|medium|low")
		createdBy := fs.String("created-by", "", "creating agent id")
		assignee := fs.String("assignee", "", "assignee agent id")
		dependsOn := fs.String("depends-on", "", "comma-separated task ids")
		effort := fs.String("effort", "", "small|medium|large")
		milestoneID := fs.String("milestone-id", "", "milestone id")
		milestoneItemID := fs.String("milestone-item-id", "", "milestone item id")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.BacklogAdd(tasklifecycle.BacklogAddOptions{
			Description:     *desc,
			Context:         *taskCtx,
			Priority:        taskstore.Priority(*priority),
			CreatedBy:       *createdBy,
			Assignee:        *assignee,
			DependsOn:       splitNonEmpty(*dependsOn),
			EstimatedEffort: taskstore.EstimatedEffort(*effort),
			MilestoneID:     *milestoneID,
			MilestoneItemID: *milestoneItemID,
		})

	case "pick-backlog":
		fs := flag.NewFlagSet("pick-backlog", flag.ContinueOnError)
		taskID := fs.String("task", "", "specific backlog task id (optional)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return e.PickBacklog(*taskID)

	default:
		return nil, fmt.Errorf("unknown task operation %q", op)
	}
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printTaskResult(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: encode result: %v\n", err)
		return 1
	}
	return 0
}
