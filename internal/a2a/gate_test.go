package a2a

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGateAllowsUpToMax(t *testing.T) {
	g := NewGate(2, time.Second)
	ctx := context.Background()

	if err := g.Acquire(ctx, "a1", "f1"); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if err := g.Acquire(ctx, "a1", "f2"); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if g.Active("a1") != 2 {
		t.Fatalf("active = %d, want 2", g.Active("a1"))
	}
}

func TestGateQueuesAndWakesOnRelease(t *testing.T) {
	g := NewGate(1, 2*time.Second)
	ctx := context.Background()

	if err := g.Acquire(ctx, "a1", "f1"); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(ctx, "a1", "f2")
	}()

	time.Sleep(50 * time.Millisecond)
	g.Release("a1", "f1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire never woke up")
	}
	if g.Active("a1") != 1 {
		t.Fatalf("active = %d, want 1", g.Active("a1"))
	}
}

func TestGateTimesOutAndStaysConsistent(t *testing.T) {
	g := NewGate(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := g.Acquire(ctx, "a1", "f1"); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	err := g.Acquire(ctx, "a1", "f2")
	var qerr *ErrQueueTimeout
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want *ErrQueueTimeout", err)
	}
	if qerr.AgentID != "a1" || qerr.FlowID != "f2" {
		t.Fatalf("err fields = %+v", qerr)
	}

	g.Release("a1", "f1")
	if g.Active("a1") != 0 {
		t.Fatalf("active after release = %d, want 0", g.Active("a1"))
	}

	// A fresh acquire must succeed immediately now that the slot is free.
	if err := g.Acquire(ctx, "a1", "f3"); err != nil {
		t.Fatalf("Acquire after timeout+release: %v", err)
	}
}

func TestGateIsolatesAgents(t *testing.T) {
	g := NewGate(1, time.Second)
	ctx := context.Background()
	if err := g.Acquire(ctx, "a1", "f1"); err != nil {
		t.Fatalf("a1 acquire: %v", err)
	}
	if err := g.Acquire(ctx, "a2", "f1"); err != nil {
		t.Fatalf("a2 acquire should not be blocked by a1: %v", err)
	}
}

func TestGateConcurrentStress(t *testing.T) {
	g := NewGate(3, time.Second)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := g.Acquire(ctx, "a1", "f"); err != nil {
				errs <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
			g.Release("a1", "f")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected acquire error under stress: %v", err)
	}
	if g.Active("a1") != 0 {
		t.Fatalf("active after drain = %d, want 0", g.Active("a1"))
	}
}
