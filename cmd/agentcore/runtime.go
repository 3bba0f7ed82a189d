package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/internal/agent/providers"
	"github.com/opsdiag/agentcore/internal/artifacts"
	"github.com/opsdiag/agentcore/internal/backend"
	"github.com/opsdiag/agentcore/internal/config"
	"github.com/opsdiag/agentcore/internal/policy"
	"github.com/opsdiag/agentcore/internal/store"
	"github.com/opsdiag/agentcore/internal/tools/diagnostics"
)

// defaultSystemPrompt is the static template §4.4 step 1 refers to. It is
// deliberately plain: operators running this CLI are diagnosing a
// machine, not chatting, so the prompt just states the operating
// contract rather than adopting a persona.
const defaultSystemPrompt = `You are an operations diagnostics assistant. You have tools to resolve ` +
	`execution targets, list and run diagnostic actions, and run shell commands. Every tool call you ` +
	`make is subject to a policy engine that may deny or require confirmation; treat a denied or ` +
	`errored tool result as information, not failure, and explain it to the operator.`

// auditMaxSizeBytes and auditKeepFiles are the CLI's fixed audit rotation
// settings; config.Config has no audit.keep_files key, so the CLI wiring
// passes NewAuditWriter's default generation count (5) directly.
const (
	auditMaxSizeBytes = 10 << 20
	auditKeepFiles    = 5
)

// artifactRetentionDefault bounds how long an unreferenced blob survives
// before the GC sweeper removes it, when GC is enabled at all.
const artifactRetentionDefault = 30 * 24 * time.Hour

// artifactGCSchedule runs the sweep once a day at 03:00, off any
// operator's business hours.
const artifactGCSchedule = "0 3 * * *"

// runtime bundles everything one CLI invocation needs, plus the handles
// that must be closed on the way out.
type runtime struct {
	orchestrator *agent.Orchestrator
	registry     *agent.ToolRegistry
	gate         *policy.Gate
	store        *store.Store
	artifacts    *artifacts.Store
	audit        *policy.AuditWriter
	gcSweeper    *artifacts.GCSweeper
}

func (r *runtime) Close() {
	if r.gcSweeper != nil {
		r.gcSweeper.Stop()
	}
	if r.audit != nil {
		r.audit.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

// buildRuntime wires the four core subsystems together from a resolved
// configuration, the way the teacher's cmd/nexus builds its gateway from
// internal/config before serving any request.
func buildRuntime(cfg config.Config, baseDir string, metrics *agent.Metrics, interactive bool) (*runtime, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("agentcore: create base dir: %w", err)
	}

	st, err := store.Open(filepath.Join(baseDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("agentcore: open store: %w", err)
	}

	artStore, err := artifacts.NewStore(filepath.Join(baseDir, "artifacts"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("agentcore: open artifact store: %w", err)
	}

	audit, err := policy.NewAuditWriter(filepath.Join(baseDir, "audit.jsonl"), auditMaxSizeBytes, auditKeepFiles)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("agentcore: open audit log: %w", err)
	}
	audit.OnRotate = metrics.RecordAuditRotation

	var confirm policy.ConfirmFunc
	if interactive {
		confirm = stdinConfirm
	}
	gate := policy.NewGate(cfg.ToPolicyConfig(), audit, confirm)

	registry := agent.NewToolRegistry()
	router := backend.NewRouter()
	router.SetDefault(backend.NewLocalBackend())
	catalog := backend.NewCatalog()
	seedCatalog(catalog)
	if err := diagnostics.Register(registry, router, catalog); err != nil {
		st.Close()
		audit.Close()
		return nil, fmt.Errorf("agentcore: register tools: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		st.Close()
		audit.Close()
		return nil, err
	}

	orchConfig := cfg.ToOrchestratorConfig(defaultSystemPrompt, cfg.LLMModel, metrics)
	orch := agent.NewOrchestrator(provider, registry, gate, st, orchConfig)

	var sweeper *artifacts.GCSweeper
	if cfg.PluginsEnabled {
		// Garbage collection shares the plugins.enabled opt-in gate since
		// both are "extra background behavior the operator turns on",
		// not because the two are conceptually related.
		sweeper = artifacts.NewGCSweeper(artStore, st, artifactRetentionDefault, slog.Default())
		if err := sweeper.Start(artifactGCSchedule); err != nil {
			st.Close()
			audit.Close()
			return nil, fmt.Errorf("agentcore: start gc sweeper: %w", err)
		}
	}

	return &runtime{
		orchestrator: orch,
		registry:     registry,
		gate:         gate,
		store:        st,
		artifacts:    artStore,
		audit:        audit,
		gcSweeper:    sweeper,
	}, nil
}

func buildProvider(cfg config.Config) (agent.LLMProvider, error) {
	return buildNamedProvider(cfg, cfg.LLMName)
}

// buildNamedProvider builds the provider identified by name (defaulting
// to anthropic), reusing cfg's API base and model but not its llm.name —
// this is what /switch calls with an operator-supplied name rather than
// the config file's configured default.
func buildNamedProvider(cfg config.Config, name string) (agent.LLMProvider, error) {
	apiKey := ""
	if cfg.LLMAPIKeyEnv != "" {
		apiKey = os.Getenv(cfg.LLMAPIKeyEnv)
	}

	switch strings.ToLower(name) {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.LLMAPIBase,
			DefaultModel: cfg.LLMModel,
		}), nil
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.LLMAPIBase,
			DefaultModel: cfg.LLMModel,
		}), nil
	default:
		return nil, fmt.Errorf("agentcore: unknown llm.name %q", name)
	}
}

// seedCatalog registers the handful of diagnostic actions a bare local
// backend can usefully advertise. An operator wiring a real remote
// backend is expected to register its own catalog entries alongside it.
func seedCatalog(catalog *backend.Catalog) {
	catalog.Register(backend.DiagnosticAction{
		Name: "uptime", Description: "Report how long the host has been up.",
		Category: "host", TargetTypes: []string{"host"}, Risk: 10,
	})
	catalog.Register(backend.DiagnosticAction{
		Name: "disk_usage", Description: "Report filesystem usage.",
		Category: "host", TargetTypes: []string{"host"}, Risk: 10,
	})
}

// stdinConfirm asks the operator on stdin/stderr for a yes/no answer.
// Any response other than a case-insensitive "y"/"yes" denies, matching
// the gate's own treatment of a missing callback. It waits for a line
// with no time limit.
func stdinConfirm(req policy.Request) bool {
	fmt.Fprintf(os.Stderr, "confirm %s on call %s? [y/N] ", req.ToolName, req.CallID)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
