// Package doctor runs local health checks for the fleet runtime,
// adapted from the teacher's CLI diagnostic report. The LLM-provider,
// external-tool, and network reachability checks it used to run make
// no sense once the LLM adapter is out of scope, so this version
// checks the things unique to this runtime instead: config load,
// per-agent workspace permissions, and the ambient SQLite store.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/openclaw/fleet/internal/config"
	"github.com/openclaw/fleet/internal/store"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, WARN, SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full report produced by Run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo describes the host the check ran on.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check and returns the combined report.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkWorkspacePermissions,
		checkStore,
		checkA2AJobDir,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "no config.yaml found; running with defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkWorkspacePermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace Permissions", Status: "SKIP", Message: "config missing"}
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{Name: "Workspace Permissions", Status: "WARN", Message: "no agents configured"}
	}

	var unwritable []string
	for _, a := range cfg.Agents {
		probe := filepath.Join(a.WorkspaceDir, ".doctor_write_test")
		if err := os.MkdirAll(a.WorkspaceDir, 0o755); err != nil {
			unwritable = append(unwritable, a.AgentID)
			continue
		}
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			unwritable = append(unwritable, a.AgentID)
			continue
		}
		_ = os.Remove(probe)
	}
	if len(unwritable) > 0 {
		return CheckResult{
			Name:    "Workspace Permissions",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d agent workspaces unwritable", len(unwritable), len(cfg.Agents)),
			Detail:  fmt.Sprintf("agents: %v", unwritable),
		}
	}
	return CheckResult{Name: "Workspace Permissions", Status: "PASS", Message: fmt.Sprintf("%d agent workspaces writable", len(cfg.Agents))}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "config missing"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "fleet.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer s.Close()

	if _, err := s.Agents.List(ctx); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("connection and schema valid at %s", dbPath)}
}

func checkA2AJobDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "A2A Job Store", Status: "SKIP", Message: "config missing"}
	}
	dir := filepath.Join(cfg.HomeDir, "a2a-jobs")
	if err := os.MkdirAll(filepath.Join(dir, "finished"), 0o755); err != nil {
		return CheckResult{Name: "A2A Job Store", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	probe := filepath.Join(dir, ".doctor_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "A2A Job Store", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "A2A Job Store", Status: "PASS", Message: fmt.Sprintf("%s writable", dir)}
}
