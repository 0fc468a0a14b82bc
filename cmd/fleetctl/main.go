// Command fleetctl is the in-scope entrypoint wiring the Task Lifecycle
// Engine, the Continuation Controller, and the A2A Flow Orchestrator
// together for local operation. It is not a replacement for the
// out-of-scope monitor HTTP+WS server; it exists for running a fleet
// process directly and for scripting task operations against a
// workspace.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is reported by doctor and embedded in telemetry resources.
const Version = "v0.5-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runRunCommand(ctx, rest)
	case "task":
		return runTaskCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	case "watch":
		return runWatchCommand(ctx, rest)
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "fleetctl: unknown command %q\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `fleetctl - fleet task/continuation/a2a runtime

Usage:
  fleetctl run [--config <path>]
      Start the agent registry, Continuation Controller, and A2A reaper.
      Blocks until interrupted.

  fleetctl task <agentId> <operation> [flags...]
      Drive Task Lifecycle Operations directly against a workspace.
      Operations: start, update, approve, block, resume, complete,
      cancel, backlog-add, pick-backlog.

  fleetctl doctor [-json]
      Run local health checks: config, workspace permissions, store.

  fleetctl watch
      Read-only terminal dashboard subscribed to the event bus.
`)
}
