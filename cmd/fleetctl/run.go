package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/fleet/internal/a2a"
	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/config"
	"github.com/openclaw/fleet/internal/continuation"
	"github.com/openclaw/fleet/internal/fleet"
	"github.com/openclaw/fleet/internal/otelinit"
	"github.com/openclaw/fleet/internal/policy"
	"github.com/openclaw/fleet/internal/store"
	"github.com/openclaw/fleet/internal/telemetry"
)

// policyPath is where the §3.1 Policy snapshot is loaded from.
func policyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// loadAndRecordPolicy loads policy.yaml into a LivePolicy and records its
// version in the ambient store, so a dashboard can answer "which policy
// was active when" per §4.10's PolicyVersions log.
func loadAndRecordPolicy(ctx context.Context, st *store.Store, homeDir, source string) (*policy.LivePolicy, error) {
	path := policyPath(homeDir)
	pol, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	lp := policy.NewLivePolicy(pol, path)
	version := lp.PolicyVersion()
	if err := st.PolicyVersions.Record(ctx, version, version, source); err != nil {
		return nil, fmt.Errorf("record policy version: %w", err)
	}
	return lp, nil
}

// coordinationLogPath is where every agent's bus events are appended as
// JSON lines (§4.8), the cross-process feed `fleetctl watch` tails since
// it cannot share this process's in-memory bus.
func coordinationLogPath(homeDir string) string {
	return filepath.Join(homeDir, "coordination.log")
}

// loggingRunner is the default continuation.Runner: with no LLM adapter
// wired in, a continuation fire has nothing to dispatch to, so it logs
// the attempt and reports every agent idle. Processes that embed a real
// adapter replace this with one that actually enqueues a loop step.
type loggingRunner struct {
	logger *slog.Logger
}

func (r *loggingRunner) IsAgentBusy(agentID string) bool { return false }

func (r *loggingRunner) EnqueueContinuation(ctx context.Context, agentID, taskID, prompt string) error {
	r.logger.Info("continuation fired with no runner wired", "agentId", agentID, "taskId", taskID, "prompt", prompt)
	return nil
}

// loggingTransport is the default a2a.Transport: it logs the send and
// always reports no reply. A real chat-gateway transport is out of
// scope here and is the intended extension point.
type loggingTransport struct {
	logger *slog.Logger
}

func (t *loggingTransport) Send(ctx context.Context, fromAgent, toSessionKey, message string, payload json.RawMessage) error {
	t.logger.Info("a2a send with no transport wired", "fromAgent", fromAgent, "toSessionKey", toSessionKey)
	return nil
}

func (t *loggingTransport) PollReply(ctx context.Context, conversationID string) (string, a2a.ReplyOutcome, error) {
	return "", a2a.ReplyNotFound, nil
}

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml (defaults to $FLEET_HOME/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath != "" {
		os.Setenv("FLEET_HOME", filepath.Dir(*configPath))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	provider, err := otelinit.Init(ctx, otelinit.Config{
		Enabled:     cfg.OTel.Exporter != "" && cfg.OTel.Exporter != "none",
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: init telemetry: %v\n", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	dbPath := filepath.Join(cfg.HomeDir, "fleet.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	livePolicy, err := loadAndRecordPolicy(ctx, st, cfg.HomeDir, "startup")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: load policy: %v\n", err)
		return 1
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("start config watcher", "error", err)
	} else {
		go watchPolicyReloads(ctx, watcher, st, livePolicy, cfg.HomeDir, logger)
	}

	registry := fleet.New(st)
	if err := registry.RestorePersisted(ctx); err != nil {
		logger.Warn("restore persisted agents", "error", err)
	}
	for _, a := range cfg.Agents {
		if registry.AgentExists(a.AgentID) {
			continue
		}
		if _, err := registry.Register(ctx, a.AgentID, a.DisplayName, a.WorkspaceDir); err != nil {
			logger.Error("register agent from config", "agentId", a.AgentID, "error", err)
			return 1
		}
	}

	logPath := coordinationLogPath(cfg.HomeDir)
	runner := &loggingRunner{logger: logger}
	controllers := make([]*continuation.Controller, 0, len(registry.List()))
	logWriters := make([]*bus.LogWriter, 0, len(registry.List()))
	for _, m := range registry.List() {
		ctrl, err := registry.NewContinuationController(m.AgentID, runner, cfg.AgentContinuation(m.AgentID))
		if err != nil {
			logger.Error("create continuation controller", "agentId", m.AgentID, "error", err)
			return 1
		}
		ctrl.Start(ctx)
		controllers = append(controllers, ctrl)

		lw, err := bus.NewLogWriter(m.Bus, logPath, logger)
		if err != nil {
			logger.Error("open coordination log", "agentId", m.AgentID, "error", err)
			return 1
		}
		logWriters = append(logWriters, lw)
		logger.Info("continuation controller started", "agentId", m.AgentID)
	}
	defer func() {
		for _, ctrl := range controllers {
			ctrl.Stop()
		}
		for _, lw := range logWriters {
			lw.Close()
		}
	}()

	jobRoot := filepath.Join(cfg.HomeDir, "a2a-jobs")
	jobs := a2a.New(jobRoot)
	orchestrator := &a2a.Orchestrator{
		Gate:      cfg.A2A.NewGate(),
		Jobs:      jobs,
		Transport: &loggingTransport{logger: logger},
		Logger:    logger,
	}
	logger.Info("a2a orchestrator ready", "jobRoot", jobRoot, "maxConcurrentFlows", cfg.A2A.MaxConcurrentFlows)
	// orchestrator.Run is invoked per-flow by whatever drives agent
	// sessions (the out-of-scope LLM adapter); this process only keeps
	// its Gate/Jobs/Transport alive and reaps stale jobs in the
	// background.
	_ = orchestrator

	stop := startReaper(ctx, logger, jobs, cfg.A2A.StalenessTTL(), cfg.A2A.Retention())
	defer stop()

	logger.Info("fleetctl run started", "agents", len(registry.List()), "fingerprint", cfg.Fingerprint())
	<-ctx.Done()
	logger.Info("fleetctl run shutting down")
	return 0
}

// watchPolicyReloads reloads policy.yaml and records the new version
// whenever the config watcher reports it changed. A reload that fails to
// parse or validate leaves the previous policy active (policy.ReloadFromFile),
// so a half-edited file never drops the process to no-policy.
func watchPolicyReloads(ctx context.Context, watcher *config.Watcher, st *store.Store, lp *policy.LivePolicy, homeDir string, logger *slog.Logger) {
	path := policyPath(homeDir)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if ev.Path != path {
				continue
			}
			if err := policy.ReloadFromFile(lp, path); err != nil {
				logger.Error("reload policy", "error", err)
				continue
			}
			version := lp.PolicyVersion()
			if err := st.PolicyVersions.Record(ctx, version, version, "reload"); err != nil {
				logger.Error("record reloaded policy version", "error", err)
				continue
			}
			logger.Info("policy reloaded", "policyVersion", version)
		}
	}
}

// startReaper runs the §4.6 startup contract once immediately, then
// periodically, so a long-running process keeps reclaiming stale A2A
// jobs the same way a fresh `run` invocation would at startup.
func startReaper(ctx context.Context, logger *slog.Logger, jobs *a2a.Store, staleTTL, retention time.Duration) func() {
	done := make(chan struct{})
	reapOnce := func() {
		result, err := a2a.Reap(jobs, staleTTL, retention, time.Now().UTC())
		if err != nil {
			logger.Error("a2a reap", "error", err)
			return
		}
		if result.TotalIncomplete > 0 || result.CleanedUp > 0 {
			logger.Info("a2a reap", "resetToPending", result.ResetToPending, "abandoned", result.Abandoned, "cleanedUp", result.CleanedUp)
		}
	}

	reapOnce()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				reapOnce()
			}
		}
	}()
	return func() { <-done }
}
