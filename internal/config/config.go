// Package config loads the single YAML document described in the ambient
// stack: a fleet roster, per-agent overrides, Continuation Controller
// tunables, A2A tunables, and observability settings. Defaults are
// applied in Go after unmarshalling, never baked into the YAML, so an
// empty or partial file is always valid — the same discipline the
// teacher's config.go follows.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/fleet/internal/a2a"
	"github.com/openclaw/fleet/internal/continuation"
)

// AgentEntry defines one fleet member and its optional per-agent
// overrides for the Continuation Controller and A2A tunables.
type AgentEntry struct {
	AgentID      string `yaml:"agent_id"`
	DisplayName  string `yaml:"display_name"`
	WorkspaceDir string `yaml:"workspace_dir"`

	Continuation *ContinuationConfig `yaml:"continuation,omitempty"`
	A2A          *A2AConfig          `yaml:"a2a,omitempty"`
}

// ContinuationConfig mirrors continuation.Config, one field per §4.4
// tunable, expressed in YAML-friendly seconds/hours instead of
// time.Duration so the document stays plain numbers.
type ContinuationConfig struct {
	SelfDriveGraceMillis            int `yaml:"self_drive_grace_ms"`
	SelfDriveInactivityResetSeconds int `yaml:"self_drive_inactivity_reset_seconds"`
	MaxConsecutiveSelfDrives        int `yaml:"max_consecutive_self_drives"`
	MaxStallsOnSameStep             int `yaml:"max_stalls_on_same_step"`
	MaxZeroProgressRuns             int `yaml:"max_zero_progress_runs"`

	StepNudgeDelaySeconds int `yaml:"step_nudge_delay_seconds"`

	PollIntervalSeconds         int `yaml:"poll_interval_seconds"`
	TaskIdleThresholdSeconds    int `yaml:"task_idle_threshold_seconds"`
	ContinuationCooldownSeconds int `yaml:"continuation_cooldown_seconds"`
	MaxUnblockRequests          int `yaml:"max_unblock_requests"`

	ZombieTaskTTLHours int `yaml:"zombie_task_ttl_hours"`
	MaxZombieReassigns int `yaml:"max_zombie_reassigns"`
}

// ToEngineConfig converts to continuation.Config, applying any zero
// field as "use the §4.4 default" rather than "use zero".
func (c ContinuationConfig) ToEngineConfig() continuation.Config {
	def := continuation.DefaultConfig()
	cfg := def

	if c.SelfDriveGraceMillis > 0 {
		cfg.SelfDriveGrace = time.Duration(c.SelfDriveGraceMillis) * time.Millisecond
	}
	if c.SelfDriveInactivityResetSeconds > 0 {
		cfg.SelfDriveInactivityReset = time.Duration(c.SelfDriveInactivityResetSeconds) * time.Second
	}
	if c.MaxConsecutiveSelfDrives > 0 {
		cfg.MaxConsecutiveSelfDrives = c.MaxConsecutiveSelfDrives
	}
	if c.MaxStallsOnSameStep > 0 {
		cfg.MaxStallsOnSameStep = c.MaxStallsOnSameStep
	}
	if c.MaxZeroProgressRuns > 0 {
		cfg.MaxZeroProgressRuns = c.MaxZeroProgressRuns
	}
	if c.StepNudgeDelaySeconds > 0 {
		cfg.StepNudgeDelay = time.Duration(c.StepNudgeDelaySeconds) * time.Second
	}
	if c.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
	}
	if c.TaskIdleThresholdSeconds > 0 {
		cfg.TaskIdleThreshold = time.Duration(c.TaskIdleThresholdSeconds) * time.Second
	}
	if c.ContinuationCooldownSeconds > 0 {
		cfg.ContinuationCooldown = time.Duration(c.ContinuationCooldownSeconds) * time.Second
	}
	if c.MaxUnblockRequests > 0 {
		cfg.MaxUnblockRequests = c.MaxUnblockRequests
	}
	if c.ZombieTaskTTLHours > 0 {
		cfg.ZombieTaskTTL = time.Duration(c.ZombieTaskTTLHours) * time.Hour
	}
	if c.MaxZombieReassigns > 0 {
		cfg.MaxZombieReassigns = c.MaxZombieReassigns
	}
	return cfg
}

// A2AConfig controls the §4.5/§4.6 concurrency gate and job store.
type A2AConfig struct {
	MaxConcurrentFlows int `yaml:"max_concurrent_flows"`
	QueueTimeoutMs     int `yaml:"queue_timeout_ms"`
	StalenessTTLHours  int `yaml:"staleness_ttl_hours"`
	RetentionHours     int `yaml:"retention_hours"`
}

func defaultA2AConfig() A2AConfig {
	return A2AConfig{
		MaxConcurrentFlows: 3,
		QueueTimeoutMs:     30000,
		StalenessTTLHours:  1,
		RetentionHours:     24 * 7,
	}
}

// GateQueueTimeout returns QueueTimeoutMs as a time.Duration.
func (c A2AConfig) GateQueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// StalenessTTL returns StalenessTTLHours as a time.Duration.
func (c A2AConfig) StalenessTTL() time.Duration {
	return time.Duration(c.StalenessTTLHours) * time.Hour
}

// Retention returns RetentionHours as a time.Duration.
func (c A2AConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// NewGate builds an a2a.Gate from this config.
func (c A2AConfig) NewGate() *a2a.Gate {
	return a2a.NewGate(c.MaxConcurrentFlows, c.GateQueueTimeout())
}

// OTelConfig controls the optional tracing/metrics exporter (§1.1).
type OTelConfig struct {
	Exporter    string `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the top-level document.
type Config struct {
	HomeDir string `yaml:"-"`

	WorkspaceRoot string `yaml:"workspace_root"`
	LogLevel      string `yaml:"log_level"`

	Agents []AgentEntry `yaml:"agents"`

	Continuation ContinuationConfig `yaml:"continuation"`
	A2A          A2AConfig          `yaml:"a2a"`
	OTel         OTelConfig         `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// AgentContinuation returns the effective continuation.Config for
// agentID: its per-agent override layered over the fleet-wide config.
func (c Config) AgentContinuation(agentID string) continuation.Config {
	base := c.Continuation.ToEngineConfig()
	for _, a := range c.Agents {
		if a.AgentID == agentID && a.Continuation != nil {
			return a.Continuation.ToEngineConfig()
		}
	}
	return base
}

// AgentA2A returns the effective A2AConfig for agentID.
func (c Config) AgentA2A(agentID string) A2AConfig {
	for _, a := range c.Agents {
		if a.AgentID == agentID && a.A2A != nil {
			return *a.A2A
		}
	}
	return c.A2A
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, so callers can
// detect whether a reload actually changed anything observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workspace=%s|log=%s|agents=%d|a2a_max=%d|otel=%s",
		c.WorkspaceRoot, c.LogLevel, len(c.Agents), c.A2A.MaxConcurrentFlows, c.OTel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		A2A:      defaultA2AConfig(),
		OTel: OTelConfig{
			Exporter: "none",
		},
	}
}

// HomeDir returns the configuration home directory, honoring
// FLEET_HOME if set.
func HomeDir() string {
	if override := os.Getenv("FLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openclaw")
}

// Load reads config.yaml from HomeDir(), applying env overrides and
// normalizing defaults. A missing file is not an error: NeedsGenesis is
// set and defaults are used.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleet home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.A2A.MaxConcurrentFlows <= 0 {
		cfg.A2A.MaxConcurrentFlows = defaultA2AConfig().MaxConcurrentFlows
	}
	if cfg.A2A.QueueTimeoutMs <= 0 {
		cfg.A2A.QueueTimeoutMs = defaultA2AConfig().QueueTimeoutMs
	}
	if cfg.A2A.StalenessTTLHours <= 0 {
		cfg.A2A.StalenessTTLHours = defaultA2AConfig().StalenessTTLHours
	}
	if cfg.A2A.RetentionHours <= 0 {
		cfg.A2A.RetentionHours = defaultA2AConfig().RetentionHours
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	for i, a := range cfg.Agents {
		if a.WorkspaceDir == "" {
			cfg.Agents[i].WorkspaceDir = filepath.Join(cfg.WorkspaceRoot, a.AgentID)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLEET_WORKSPACE_ROOT"); raw != "" {
		cfg.WorkspaceRoot = raw
	}
	if raw := os.Getenv("FLEET_A2A_MAX_CONCURRENT_FLOWS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.A2A.MaxConcurrentFlows = v
		}
	}
	if raw := os.Getenv("FLEET_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("FLEET_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
