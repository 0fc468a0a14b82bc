package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/fleet/internal/policy"
)

func TestLoad_MissingFileAllowsAll(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowCapability("task.start") {
		t.Fatal("default policy (no policy.yaml) must allow every capability")
	}
	if !p.AllowPath("/anywhere") {
		t.Fatal("default policy (no policy.yaml) must allow every path")
	}
}

func TestLoad_AllowlistedCapability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("allow_capabilities:\n  - task.start\n  - a2a.send\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowCapability("task.start") {
		t.Fatal("expected allowlisted capability to be allowed")
	}
	if p.AllowCapability("task.cancel") {
		t.Fatal("expected non-allowlisted capability to be denied once the list is non-empty")
	}
}

func TestLoad_UnknownCapabilityRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("allow_capabilities:\n  - task.start\n  - task.nonsense\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected unknown capability to be rejected")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	if err := os.WriteFile(path, []byte("allow_capabilities:\n  - task.start\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}
	live := policy.NewLivePolicy(initial, path)

	if !live.AllowCapability("task.start") {
		t.Fatal("expected initial capability")
	}

	if err := os.WriteFile(path, []byte("allow_capabilities:\n  - task.start\n  - task.nonsense\n"), 0o644); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatal("expected reload error for invalid capability")
	}

	if !live.AllowCapability("task.start") {
		t.Fatal("expected prior policy to remain active after invalid reload")
	}
	if live.AllowCapability("task.nonsense") {
		t.Fatal("unknown capability must remain denied")
	}
}

func TestAllowPath_EmptyAllowsAll(t *testing.T) {
	p := policy.Policy{AllowPaths: nil}
	if !p.AllowPath("/any/path/at/all") {
		t.Fatal("empty AllowPaths should allow all paths")
	}
}

func TestAllowPath_SpecificPaths(t *testing.T) {
	dir := t.TempDir()
	p := policy.Policy{AllowPaths: []string{dir}}

	allowed := filepath.Join(dir, "sub", "file.txt")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	if !p.AllowPath(allowed) {
		t.Fatalf("path inside AllowPaths should be allowed: %s", allowed)
	}
	if !p.AllowPath(dir) {
		t.Fatal("exact AllowPaths entry should be allowed")
	}

	outside := filepath.Join(os.TempDir(), "not-allowed", "file.txt")
	if p.AllowPath(outside) {
		t.Fatalf("path outside AllowPaths should be denied: %s", outside)
	}
}

func TestAllowPath_TraversalDenied(t *testing.T) {
	dir := t.TempDir()
	p := policy.Policy{AllowPaths: []string{dir}}

	traversal := filepath.Join(dir, "..", "escape")
	if p.AllowPath(traversal) {
		t.Fatalf("traversal path should be denied: %s", traversal)
	}
}

func TestLivePolicy_AllowPath(t *testing.T) {
	dir := t.TempDir()
	p := policy.Policy{AllowPaths: []string{dir}}
	lp := policy.NewLivePolicy(p, "")

	allowed := filepath.Join(dir, "file.txt")
	if !lp.AllowPath(allowed) {
		t.Fatal("LivePolicy.AllowPath should delegate to Policy.AllowPath")
	}

	outside := filepath.Join(os.TempDir(), "other")
	if lp.AllowPath(outside) {
		t.Fatal("LivePolicy.AllowPath should deny paths outside AllowPaths")
	}
}

func TestPolicyVersion_StableAcrossEquivalentSnapshots(t *testing.T) {
	a := policy.Policy{AllowCapabilities: []string{"task.start", "a2a.send"}}
	b := policy.Policy{AllowCapabilities: []string{"TASK.START", " a2a.send "}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("PolicyVersion should normalize case/whitespace before hashing")
	}

	c := policy.Policy{AllowCapabilities: []string{"task.cancel"}}
	if a.PolicyVersion() == c.PolicyVersion() {
		t.Fatal("different capability sets should hash to different versions")
	}
}
