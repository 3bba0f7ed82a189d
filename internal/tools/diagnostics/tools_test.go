package diagnostics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/internal/backend"
	"github.com/opsdiag/agentcore/pkg/models"
)

func newTestRouter() *backend.Router {
	router := backend.NewRouter()
	router.SetDefault(backend.NewLocalBackend())
	return router
}

func TestResolveTargetTool_OK(t *testing.T) {
	tool := NewResolveTargetTool(newTestRouter())
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"target":"localhost"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.StatusOK {
		t.Fatalf("status = %v, want ok", res.Status)
	}
	var info backend.TargetInfo
	if err := json.Unmarshal(res.Output, &info); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if info.Type != "host" {
		t.Errorf("type = %q, want host", info.Type)
	}
}

func TestResolveTargetTool_UnknownTarget(t *testing.T) {
	router := backend.NewRouter() // no default, no registrations
	tool := NewResolveTargetTool(router)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"target":"prod-99"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.StatusError {
		t.Fatalf("status = %v, want error", res.Status)
	}
}

func TestRunShellTool_OK(t *testing.T) {
	tool := NewRunShellTool(newTestRouter())
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"target":"localhost","command":"echo hi"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.StatusOK {
		t.Fatalf("status = %v, want ok: %s", res.Status, res.Error)
	}
}

func TestListDiagnosticsTool_FiltersByTargetType(t *testing.T) {
	router := newTestRouter()
	catalog := backend.NewCatalog()
	catalog.Register(backend.DiagnosticAction{Name: "ping", TargetTypes: []string{"host"}})
	catalog.Register(backend.DiagnosticAction{Name: "query", TargetTypes: []string{"database"}})

	tool := NewListDiagnosticsTool(router, catalog)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"target":"localhost"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var decoded struct {
		Actions []backend.DiagnosticAction `json:"actions"`
	}
	if err := json.Unmarshal(res.Output, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(decoded.Actions) != 1 || decoded.Actions[0].Name != "ping" {
		t.Fatalf("actions = %+v, want only ping", decoded.Actions)
	}
}

func TestRunDiagnosticTool_OK(t *testing.T) {
	tool := NewRunDiagnosticTool(newTestRouter())
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"target":"localhost","action":"echo ok"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.StatusOK {
		t.Fatalf("status = %v, want ok: %s", res.Status, res.Error)
	}
}

func TestRegister_AddsAllFour(t *testing.T) {
	registry := agent.NewToolRegistry()
	if err := Register(registry, newTestRouter(), backend.NewCatalog()); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"resolve_target", "list_diagnostics", "run_diagnostic", "run_shell"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestRunShellTool_UnknownArgumentsRejectedByRegistry(t *testing.T) {
	registry := agent.NewToolRegistry()
	if err := registry.Register(NewRunShellTool(newTestRouter())); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Validate("run_shell", json.RawMessage(`{"target":"localhost","command":"ls","extra":"y"}`)); err == nil {
		t.Fatal("expected validation error for unknown key, got nil")
	}
}
