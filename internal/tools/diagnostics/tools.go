// Package diagnostics implements the built-in tools that give a model a
// way to inspect and act on an operator's execution targets: resolving a
// target, listing the diagnostic actions available for it, running one,
// and (at the top of the risk ladder) running an arbitrary shell command.
// All four dispatch through a backend.Router, so registering a new
// backend automatically extends every tool here to its targets.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/internal/backend"
	"github.com/opsdiag/agentcore/pkg/models"
)

// ResolveTargetTool looks up what a named target is before a model
// decides which diagnostic action makes sense for it.
type ResolveTargetTool struct {
	router *backend.Router
}

// NewResolveTargetTool returns a tool that resolves targets through router.
func NewResolveTargetTool(router *backend.Router) *ResolveTargetTool {
	return &ResolveTargetTool{router: router}
}

func (t *ResolveTargetTool) Name() string        { return "resolve_target" }
func (t *ResolveTargetTool) Description() string { return "Resolve a named execution target and report its type." }
func (t *ResolveTargetTool) Risk() models.RiskLevel         { return models.RiskReadOnly }
func (t *ResolveTargetTool) PrivacyScope() models.PrivacyScope { return models.PrivacyPublic }
func (t *ResolveTargetTool) SecretFields() []string         { return nil }

func (t *ResolveTargetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {"type": "string", "description": "Target name, e.g. a hostname or 'localhost'."}
		},
		"required": ["target"]
	}`)
}

func (t *ResolveTargetTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("resolve_target: decode arguments: %w", err)
	}

	b, err := t.router.Resolve(input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	info, err := b.Resolve(ctx, input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	output, _ := json.Marshal(info)
	return &models.ToolResult{Status: models.StatusOK, Output: output}, nil
}

// ListDiagnosticsTool reports the diagnostic actions a catalog offers for
// a target's type, so a model can choose one before calling run_diagnostic.
type ListDiagnosticsTool struct {
	router  *backend.Router
	catalog *backend.Catalog
}

// NewListDiagnosticsTool returns a tool that lists catalog entries for the
// type a router resolves a target to.
func NewListDiagnosticsTool(router *backend.Router, catalog *backend.Catalog) *ListDiagnosticsTool {
	return &ListDiagnosticsTool{router: router, catalog: catalog}
}

func (t *ListDiagnosticsTool) Name() string        { return "list_diagnostics" }
func (t *ListDiagnosticsTool) Description() string {
	return "List the diagnostic actions available for a target."
}
func (t *ListDiagnosticsTool) Risk() models.RiskLevel         { return models.RiskReadOnly }
func (t *ListDiagnosticsTool) PrivacyScope() models.PrivacyScope { return models.PrivacyPublic }
func (t *ListDiagnosticsTool) SecretFields() []string         { return nil }

func (t *ListDiagnosticsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {"type": "string", "description": "Target name to list actions for."}
		},
		"required": ["target"]
	}`)
}

func (t *ListDiagnosticsTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("list_diagnostics: decode arguments: %w", err)
	}

	b, err := t.router.Resolve(input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	info, err := b.Resolve(ctx, input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	actions := t.catalog.ListForTarget(info.Type)
	output, _ := json.Marshal(struct {
		Actions []backend.DiagnosticAction `json:"actions"`
	}{Actions: actions})
	return &models.ToolResult{Status: models.StatusOK, Output: output}, nil
}

// RunDiagnosticTool invokes a named diagnostic action against a target.
// The action name is caller-supplied, not validated against the catalog
// here — the catalog only advertises what's available; the backend itself
// decides whether it recognizes the action, the same separation §4 of
// SPEC_FULL draws between the two registries.
type RunDiagnosticTool struct {
	router *backend.Router
}

// NewRunDiagnosticTool returns a tool that runs a diagnostic action
// through router.
func NewRunDiagnosticTool(router *backend.Router) *RunDiagnosticTool {
	return &RunDiagnosticTool{router: router}
}

func (t *RunDiagnosticTool) Name() string        { return "run_diagnostic" }
func (t *RunDiagnosticTool) Description() string { return "Run a named diagnostic action against a target." }
func (t *RunDiagnosticTool) Risk() models.RiskLevel         { return models.RiskWrite }
func (t *RunDiagnosticTool) PrivacyScope() models.PrivacyScope { return models.PrivacySensitive }
func (t *RunDiagnosticTool) SecretFields() []string         { return nil }

func (t *RunDiagnosticTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {"type": "string", "description": "Target name to run the action against."},
			"action": {"type": "string", "description": "Diagnostic action name, from list_diagnostics."},
			"args": {"type": "object", "description": "Action-specific parameters."}
		},
		"required": ["target", "action"]
	}`)
}

func (t *RunDiagnosticTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Target string         `json:"target"`
		Action string         `json:"action"`
		Args   map[string]any `json:"args"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("run_diagnostic: decode arguments: %w", err)
	}

	b, err := t.router.Resolve(input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	result, err := b.RunDiagnostic(ctx, input.Target, input.Action, input.Args)
	if err != nil {
		return toolErrorResult(err), nil
	}
	output, _ := json.Marshal(result)
	return &models.ToolResult{Status: models.StatusOK, Output: output}, nil
}

// RunShellTool runs an arbitrary shell command on a target. It is the
// highest-risk built-in tool (models.RiskShell): the policy engine's
// confirm_shell and max_risk rules are the only thing standing between a
// model and an arbitrary command, so this tool carries no authorization
// logic of its own beyond what the gate already enforces upstream.
type RunShellTool struct {
	router *backend.Router
}

// NewRunShellTool returns a tool that runs shell commands through router.
func NewRunShellTool(router *backend.Router) *RunShellTool {
	return &RunShellTool{router: router}
}

func (t *RunShellTool) Name() string        { return "run_shell" }
func (t *RunShellTool) Description() string { return "Run a shell command on a target." }
func (t *RunShellTool) Risk() models.RiskLevel         { return models.RiskShell }
func (t *RunShellTool) PrivacyScope() models.PrivacyScope { return models.PrivacyPrivate }
func (t *RunShellTool) SecretFields() []string         { return nil }

func (t *RunShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {"type": "string", "description": "Target name to run the command on."},
			"command": {"type": "string", "description": "Shell command to run."}
		},
		"required": ["target", "command"]
	}`)
}

func (t *RunShellTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Target  string `json:"target"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("run_shell: decode arguments: %w", err)
	}

	b, err := t.router.Resolve(input.Target)
	if err != nil {
		return toolErrorResult(err), nil
	}
	result, err := b.RunShell(ctx, input.Target, input.Command)
	if err != nil {
		return toolErrorResult(err), nil
	}
	output, _ := json.Marshal(result)
	return &models.ToolResult{Status: models.StatusOK, Output: output}, nil
}

func toolErrorResult(err error) *models.ToolResult {
	return &models.ToolResult{Status: models.StatusError, Error: err.Error()}
}

// Register adds every built-in diagnostics tool to registry. Tools are
// stateless beyond their router/catalog references, so callers doing
// plugin loading (plugins.enabled) can register additional tools the same
// way after this call.
func Register(registry *agent.ToolRegistry, router *backend.Router, catalog *backend.Catalog) error {
	tools := []agent.Tool{
		NewResolveTargetTool(router),
		NewListDiagnosticsTool(router, catalog),
		NewRunDiagnosticTool(router),
		NewRunShellTool(router),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
