package fleet

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openclaw/fleet/internal/continuation"
	"github.com/openclaw/fleet/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterAndAgentExists(t *testing.T) {
	r := New(openTestStore(t))
	ctx := context.Background()

	if r.AgentExists("a1") {
		t.Fatalf("expected a1 unknown before Register")
	}

	m, err := r.Register(ctx, "a1", "Agent One", filepath.Join(t.TempDir(), "a1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if m.AgentID != "a1" || m.Store == nil || m.Bus == nil || m.ToolGate == nil {
		t.Fatalf("member = %+v", m)
	}
	if m.ToolGate.IsToolGated("session-1", "tools.exec") {
		t.Fatalf("expected a freshly registered agent's tool gate to start empty")
	}
	if !r.AgentExists("a1") {
		t.Fatalf("expected a1 known after Register")
	}

	if _, err := r.Register(ctx, "a1", "dup", "/whatever"); err == nil {
		t.Fatalf("expected error re-registering a1")
	}
}

func TestRemoveDropsMemberAndStopsRoster(t *testing.T) {
	s := openTestStore(t)
	r := New(s)
	ctx := context.Background()

	if _, err := r.Register(ctx, "a1", "Agent One", filepath.Join(t.TempDir(), "a1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Remove(ctx, "a1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.AgentExists("a1") {
		t.Fatalf("expected a1 gone after Remove")
	}

	rec, err := s.Agents.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Status != store.AgentStopped {
		t.Fatalf("rec = %+v, want status stopped", rec)
	}

	if err := r.Remove(ctx, "a1"); err == nil {
		t.Fatalf("expected error removing already-removed agent")
	}
}

func TestSetManagedModeTracksPerAgent(t *testing.T) {
	r := New(openTestStore(t))
	ctx := context.Background()
	r.Register(ctx, "a1", "Agent One", filepath.Join(t.TempDir(), "a1"))
	r.Register(ctx, "a2", "Agent Two", filepath.Join(t.TempDir(), "a2"))

	if r.IsManaged("a1") || r.IsManaged("a2") {
		t.Fatalf("expected both agents unmanaged initially")
	}

	r.SetManagedMode("a1", true)
	if !r.IsManaged("a1") {
		t.Fatalf("expected a1 managed")
	}
	if r.IsManaged("a2") {
		t.Fatalf("expected a2 unaffected")
	}

	r.SetManagedMode("a1", false)
	if r.IsManaged("a1") {
		t.Fatalf("expected a1 unmanaged after toggling off")
	}

	// Unknown agent: no-op, no panic.
	r.SetManagedMode("ghost", true)
	if r.IsManaged("ghost") {
		t.Fatalf("expected unknown agent to stay unmanaged")
	}
}

func TestListReturnsAllMembers(t *testing.T) {
	r := New(openTestStore(t))
	ctx := context.Background()
	r.Register(ctx, "a1", "Agent One", filepath.Join(t.TempDir(), "a1"))
	r.Register(ctx, "a2", "Agent Two", filepath.Join(t.TempDir(), "a2"))

	members := r.List()
	if len(members) != 2 {
		t.Fatalf("List() = %d members, want 2", len(members))
	}
}

func TestRestorePersistedRebuildsRoster(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "a1")
	if err := s.Agents.Create(ctx, "a1", "Agent One", dir); err != nil {
		t.Fatalf("seed Create: %v", err)
	}
	if err := s.Agents.Create(ctx, "a2", "Agent Two", filepath.Join(t.TempDir(), "a2")); err != nil {
		t.Fatalf("seed Create a2: %v", err)
	}
	if err := s.Agents.UpdateStatus(ctx, "a2", store.AgentStopped); err != nil {
		t.Fatalf("stop a2: %v", err)
	}

	r := New(s)
	if err := r.RestorePersisted(ctx); err != nil {
		t.Fatalf("RestorePersisted: %v", err)
	}

	if !r.AgentExists("a1") {
		t.Fatalf("expected active agent a1 restored")
	}
	if r.AgentExists("a2") {
		t.Fatalf("expected stopped agent a2 not restored")
	}
}

type fakeRunner struct{}

func (fakeRunner) IsAgentBusy(agentID string) bool { return false }
func (fakeRunner) EnqueueContinuation(ctx context.Context, agentID, taskID, prompt string) error {
	return nil
}

func TestNewContinuationControllerRequiresRegisteredAgent(t *testing.T) {
	r := New(openTestStore(t))
	ctx := context.Background()

	if _, err := r.NewContinuationController("ghost", fakeRunner{}, continuation.Config{}); err == nil {
		t.Fatalf("expected error for unregistered agent")
	}

	if _, err := r.Register(ctx, "a1", "Agent One", filepath.Join(t.TempDir(), "a1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctrl, err := r.NewContinuationController("a1", fakeRunner{}, continuation.Config{})
	if err != nil {
		t.Fatalf("NewContinuationController: %v", err)
	}
	if ctrl == nil {
		t.Fatalf("expected non-nil controller")
	}
}
