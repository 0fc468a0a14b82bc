package otelinit

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.OpenTasks == nil {
		t.Error("OpenTasks is nil")
	}
	if m.TaskTransitions == nil {
		t.Error("TaskTransitions is nil")
	}
	if m.TaskCompletionTime == nil {
		t.Error("TaskCompletionTime is nil")
	}
	if m.ContinuationBackoffs == nil {
		t.Error("ContinuationBackoffs is nil")
	}
	if m.ZombieRecoveries == nil {
		t.Error("ZombieRecoveries is nil")
	}
	if m.A2AActiveFlows == nil {
		t.Error("A2AActiveFlows is nil")
	}
	if m.A2AGateQueueRejects == nil {
		t.Error("A2AGateQueueRejects is nil")
	}
	if m.A2AJobsResumed == nil {
		t.Error("A2AJobsResumed is nil")
	}
	if m.A2AJobsAbandoned == nil {
		t.Error("A2AJobsAbandoned is nil")
	}
	if m.DelegationOutcomes == nil {
		t.Error("DelegationOutcomes is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
