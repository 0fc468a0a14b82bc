package otelinit

import "go.opentelemetry.io/otel/metric"

// Metrics holds the fleet runtime's metric instruments, covering the
// queue-depth equivalents named in §1.1: open tasks by status,
// backoff-in-effect counts, and A2A active-flow gauges.
type Metrics struct {
	OpenTasks            metric.Int64UpDownCounter
	TaskTransitions      metric.Int64Counter
	TaskCompletionTime   metric.Float64Histogram
	ContinuationBackoffs metric.Int64UpDownCounter
	ZombieRecoveries     metric.Int64Counter
	A2AActiveFlows       metric.Int64UpDownCounter
	A2AGateQueueRejects  metric.Int64Counter
	A2AJobsResumed       metric.Int64Counter
	A2AJobsAbandoned     metric.Int64Counter
	DelegationOutcomes   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OpenTasks, err = meter.Int64UpDownCounter("fleet.tasks.open",
		metric.WithDescription("Open tasks by status across the fleet"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("fleet.tasks.transitions",
		metric.WithDescription("Task Lifecycle Engine status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCompletionTime, err = meter.Float64Histogram("fleet.tasks.completion_seconds",
		metric.WithDescription("Time from task creation to a terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ContinuationBackoffs, err = meter.Int64UpDownCounter("fleet.continuation.backoffs_active",
		metric.WithDescription("Tasks currently in a Continuation Controller backoff window"),
	)
	if err != nil {
		return nil, err
	}

	m.ZombieRecoveries, err = meter.Int64Counter("fleet.continuation.zombie_recoveries",
		metric.WithDescription("Layer E zombie-recovery actions taken (backlog or abandon)"),
	)
	if err != nil {
		return nil, err
	}

	m.A2AActiveFlows, err = meter.Int64UpDownCounter("fleet.a2a.active_flows",
		metric.WithDescription("A2A flows currently holding a concurrency gate permit, per agent"),
	)
	if err != nil {
		return nil, err
	}

	m.A2AGateQueueRejects, err = meter.Int64Counter("fleet.a2a.gate_queue_rejects",
		metric.WithDescription("A2A gate acquisitions that timed out waiting in the FIFO queue"),
	)
	if err != nil {
		return nil, err
	}

	m.A2AJobsResumed, err = meter.Int64Counter("fleet.a2a.jobs_resumed",
		metric.WithDescription("A2A job records resumed to PENDING by the startup reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.A2AJobsAbandoned, err = meter.Int64Counter("fleet.a2a.jobs_abandoned",
		metric.WithDescription("A2A job records marked ABANDONED by the startup reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationOutcomes, err = meter.Int64Counter("fleet.delegations.outcomes",
		metric.WithDescription("Delegation status-lattice terminal transitions (verified/rejected/abandoned)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
