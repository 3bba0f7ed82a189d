package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaults_HaveSensibleFallbacks(t *testing.T) {
	d := Defaults()
	if d.LLMName == "" || d.SessionMaxTurns <= 0 || d.SessionTokenBudget <= 0 {
		t.Fatalf("defaults incomplete: %+v", d)
	}
}

func TestLoadFile_MissingFileLeavesBaseUnchanged(t *testing.T) {
	base := Defaults()
	cfg, err := LoadFile(base, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, base) {
		t.Fatalf("cfg = %+v, want unchanged base %+v", cfg, base)
	}
}

func TestLoadFile_OverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	yaml := `
llm:
  name: openai
  model: gpt-4o
policy:
  max_risk: SHELL
  confirm_shell: false
session:
  token_budget: 4000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadFile(Defaults(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLMName != "openai" || cfg.LLMModel != "gpt-4o" {
		t.Errorf("llm = %+v", cfg)
	}
	if cfg.PolicyMaxRisk != "SHELL" || cfg.PolicyConfirmShell != false {
		t.Errorf("policy = %+v", cfg)
	}
	if cfg.SessionTokenBudget != 4000 {
		t.Errorf("token budget = %d, want 4000", cfg.SessionTokenBudget)
	}
	// confirm_destructive wasn't in the file; the default must survive.
	if cfg.PolicyConfirmDestructive != Defaults().PolicyConfirmDestructive {
		t.Errorf("confirm_destructive changed unexpectedly: %v", cfg.PolicyConfirmDestructive)
	}
}

func TestLoadEnv_OverridesFileTier(t *testing.T) {
	t.Setenv("AGENTCORE_LLM_NAME", "openai")
	t.Setenv("AGENTCORE_SESSION_MAX_TURNS", "50")

	cfg := LoadEnv(Defaults())
	if cfg.LLMName != "openai" {
		t.Errorf("llm name = %q, want openai", cfg.LLMName)
	}
	if cfg.SessionMaxTurns != 50 {
		t.Errorf("max turns = %d, want 50", cfg.SessionMaxTurns)
	}
}

func TestApply_CallerOptionsOverrideEnv(t *testing.T) {
	t.Setenv("AGENTCORE_LLM_NAME", "openai")
	cfg := LoadEnv(Defaults())
	cfg = Apply(cfg, WithLLM("anthropic", "claude-sonnet-4-20250514"))
	if cfg.LLMName != "anthropic" {
		t.Errorf("llm name = %q, want anthropic (caller override should win)", cfg.LLMName)
	}
}

func TestApplySession_OverridesEverythingElse(t *testing.T) {
	cfg := Apply(Defaults(), WithMaxRisk("WRITE"))
	cfg = ApplySession(cfg, SessionOverrides{MaxRisk: "SHELL", MaxTurns: 5})
	if cfg.PolicyMaxRisk != "SHELL" {
		t.Errorf("max risk = %q, want SHELL", cfg.PolicyMaxRisk)
	}
	if cfg.SessionMaxTurns != 5 {
		t.Errorf("max turns = %d, want 5", cfg.SessionMaxTurns)
	}
}

func TestApplySession_ZeroValueMeansNoOverride(t *testing.T) {
	cfg := Apply(Defaults(), WithSessionBudget(9000, 30))
	cfg = ApplySession(cfg, SessionOverrides{})
	if cfg.SessionTokenBudget != 9000 || cfg.SessionMaxTurns != 30 {
		t.Fatalf("zero-value session overrides should not clobber prior tiers: %+v", cfg)
	}
}
