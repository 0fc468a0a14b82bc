// Package fleet is the agent roster: the set of agent workspaces this
// process knows about, each backed by its own taskstore.Store/bus.Bus
// pair, persisted to internal/store's Agents table so the roster
// survives restarts. It implements the narrow AgentResolver and
// ManagedModeSetter interfaces internal/tasklifecycle depends on,
// generalized from the teacher's Registry
// (internal/agent/registry.go) — the same map-of-running-things under
// one RWMutex shape, with the teacher's engine/brain/wasm wiring
// (out of scope: LLM adapters) dropped in favor of tracking each
// agent's workspace store and continuation controller.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/continuation"
	"github.com/openclaw/fleet/internal/sessiontoolgate"
	"github.com/openclaw/fleet/internal/store"
	"github.com/openclaw/fleet/internal/taskstore"
)

// Member is one running agent's workspace wiring.
type Member struct {
	AgentID      string
	DisplayName  string
	WorkspaceDir string

	Store *taskstore.Store
	Bus   *bus.Bus
	// ToolGate is this agent's §4.9 Session Tool Gate: whatever drives
	// its sub-sessions' tool dispatch (the out-of-scope LLM adapter)
	// consults it before running a gated tool and mutates it as a lead
	// session approves or revokes one for a sub-session.
	ToolGate *sessiontoolgate.Gate

	managed   bool
	startedAt time.Time
}

// Registry tracks the fleet's member agents and persists their roster
// entry to the ambient store.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*Member
	store   *store.Store
}

// New creates an empty Registry backed by the ambient store.
func New(s *store.Store) *Registry {
	return &Registry{members: make(map[string]*Member), store: s}
}

// Register adds an agent to the fleet, creating its task workspace and
// event bus, and persists the roster entry.
func (r *Registry) Register(ctx context.Context, agentID, displayName, workspaceDir string) (*Member, error) {
	if agentID == "" {
		return nil, fmt.Errorf("fleet: agent id must be non-empty")
	}

	r.mu.Lock()
	if _, exists := r.members[agentID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("fleet: agent %q already registered", agentID)
	}
	m := &Member{
		AgentID:      agentID,
		DisplayName:  displayName,
		WorkspaceDir: workspaceDir,
		Store:        taskstore.New(workspaceDir),
		Bus:          bus.New(),
		ToolGate:     sessiontoolgate.New(),
		startedAt:    time.Now().UTC(),
	}
	r.members[agentID] = m
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Agents.Create(ctx, agentID, displayName, workspaceDir); err != nil {
			r.mu.Lock()
			delete(r.members, agentID)
			r.mu.Unlock()
			return nil, fmt.Errorf("fleet: persist agent %s: %w", agentID, err)
		}
	}
	return m, nil
}

// Remove drops an agent from the fleet and marks its roster entry stopped.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, exists := r.members[agentID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("fleet: agent %q not found", agentID)
	}
	delete(r.members, agentID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Agents.UpdateStatus(ctx, agentID, store.AgentStopped); err != nil {
			return fmt.Errorf("fleet: mark agent %s stopped: %w", agentID, err)
		}
	}
	return nil
}

// Get returns a registered member, or nil if agentID is unknown.
func (r *Registry) Get(agentID string) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[agentID]
}

// List returns every registered member.
func (r *Registry) List() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// AgentExists implements tasklifecycle.AgentResolver.
func (r *Registry) AgentExists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[agentID]
	return ok
}

// SetManagedMode implements tasklifecycle.ManagedModeSetter: it records
// whether agentID currently has an active task in flight.
func (r *Registry) SetManagedMode(agentID string, managed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[agentID]; ok {
		m.managed = managed
	}
}

// IsManaged reports the last value set by SetManagedMode for agentID.
func (r *Registry) IsManaged(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[agentID]
	return ok && m.managed
}

// RestorePersisted re-registers every agent record found in the ambient
// store with status=active that isn't already a live member — used on
// process startup to rebuild the in-memory roster from a prior run.
func (r *Registry) RestorePersisted(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Agents.List(ctx)
	if err != nil {
		return fmt.Errorf("fleet: list persisted agents: %w", err)
	}
	var errs []error
	for _, rec := range records {
		if rec.Status != store.AgentActive {
			continue
		}
		if r.AgentExists(rec.AgentID) {
			continue
		}
		if _, err := r.Register(ctx, rec.AgentID, rec.DisplayName, rec.WorkspaceDir); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.AgentID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fleet: some agents failed to restore: %v", errs)
	}
	return nil
}

// NewContinuationController builds a continuation.Controller for member
// agentID, wired to its own store and bus. Returns an error if agentID is
// not a registered member.
func (r *Registry) NewContinuationController(agentID string, runner continuation.Runner, cfg continuation.Config) (*continuation.Controller, error) {
	m := r.Get(agentID)
	if m == nil {
		return nil, fmt.Errorf("fleet: agent %q not registered", agentID)
	}
	return continuation.New(agentID, m.Store, m.Bus, runner, cfg, nil), nil
}
