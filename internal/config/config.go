// Package config assembles the runtime configuration table from
// spec.md §6: defaults, then a YAML config file, then environment
// overrides, then caller-supplied functional options, then per-session
// overrides — each tier strictly beating the one before it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/internal/policy"
	"github.com/opsdiag/agentcore/pkg/models"
)

// Config is the fully-resolved set of options the orchestrator, policy
// engine, and packer read from. Fields mirror the key table in spec.md §6
// one-to-one.
type Config struct {
	LLMName           string        `yaml:"-"`
	LLMModel          string        `yaml:"-"`
	LLMAPIBase        string        `yaml:"-"`
	LLMAPIKeyEnv      string        `yaml:"-"`
	LLMTimeoutSeconds int           `yaml:"-"`

	PolicyMaxRisk           string   `yaml:"-"`
	PolicyConfirmDestructive bool    `yaml:"-"`
	PolicyConfirmShell       bool    `yaml:"-"`
	PolicyBlockedPatterns    []string `yaml:"-"`
	PolicyRedactionPatterns  []string `yaml:"-"`

	SessionTokenBudget int `yaml:"-"`
	SessionMaxTurns    int `yaml:"-"`

	PluginsEnabled   bool     `yaml:"-"`
	PluginsAllowlist []string `yaml:"-"`
}

// LLMTimeout returns LLMTimeoutSeconds as a time.Duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// Defaults returns the bottom tier of the five-tier precedence stack.
func Defaults() Config {
	return Config{
		LLMName:           "anthropic",
		LLMModel:          "",
		LLMTimeoutSeconds: 60,

		PolicyMaxRisk:            "WRITE",
		PolicyConfirmDestructive: true,
		PolicyConfirmShell:       true,

		SessionTokenBudget: 8000,
		SessionMaxTurns:    25,

		PluginsEnabled: false,
	}
}

// fileConfig mirrors Config's fields using the dotted key names from
// spec.md §6, since that is the shape the YAML file uses.
type fileConfig struct {
	LLM *struct {
		Name           string `yaml:"name"`
		Model          string `yaml:"model"`
		APIBase        string `yaml:"api_base"`
		APIKeyEnv      string `yaml:"api_key_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`

	Policy *struct {
		MaxRisk            string   `yaml:"max_risk"`
		ConfirmDestructive *bool    `yaml:"confirm_destructive"`
		ConfirmShell       *bool    `yaml:"confirm_shell"`
		BlockedPatterns    []string `yaml:"blocked_patterns"`
		RedactionPatterns  []string `yaml:"redaction_patterns"`
	} `yaml:"policy"`

	Session *struct {
		TokenBudget int `yaml:"token_budget"`
		MaxTurns    int `yaml:"max_turns"`
	} `yaml:"session"`

	Plugins *struct {
		Enabled   bool     `yaml:"enabled"`
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"plugins"`
}

// LoadFile reads a YAML config file and applies its fields on top of
// base, the "config file" precedence tier. A missing file is not an
// error — it simply leaves base unchanged, so a file is optional.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := base
	if fc.LLM != nil {
		applyString(&cfg.LLMName, fc.LLM.Name)
		applyString(&cfg.LLMModel, fc.LLM.Model)
		applyString(&cfg.LLMAPIBase, fc.LLM.APIBase)
		applyString(&cfg.LLMAPIKeyEnv, fc.LLM.APIKeyEnv)
		if fc.LLM.TimeoutSeconds > 0 {
			cfg.LLMTimeoutSeconds = fc.LLM.TimeoutSeconds
		}
	}
	if fc.Policy != nil {
		applyString(&cfg.PolicyMaxRisk, fc.Policy.MaxRisk)
		if fc.Policy.ConfirmDestructive != nil {
			cfg.PolicyConfirmDestructive = *fc.Policy.ConfirmDestructive
		}
		if fc.Policy.ConfirmShell != nil {
			cfg.PolicyConfirmShell = *fc.Policy.ConfirmShell
		}
		if fc.Policy.BlockedPatterns != nil {
			cfg.PolicyBlockedPatterns = fc.Policy.BlockedPatterns
		}
		if fc.Policy.RedactionPatterns != nil {
			cfg.PolicyRedactionPatterns = fc.Policy.RedactionPatterns
		}
	}
	if fc.Session != nil {
		if fc.Session.TokenBudget > 0 {
			cfg.SessionTokenBudget = fc.Session.TokenBudget
		}
		if fc.Session.MaxTurns > 0 {
			cfg.SessionMaxTurns = fc.Session.MaxTurns
		}
	}
	if fc.Plugins != nil {
		cfg.PluginsEnabled = fc.Plugins.Enabled
		if fc.Plugins.Allowlist != nil {
			cfg.PluginsAllowlist = fc.Plugins.Allowlist
		}
	}
	return cfg, nil
}

func applyString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

// envOverrides maps each supported key to the environment variable that
// overrides it, per the "environment overrides" precedence tier.
var envOverrides = map[string]string{
	"llm.name":                   "AGENTCORE_LLM_NAME",
	"llm.model":                  "AGENTCORE_LLM_MODEL",
	"llm.api_base":               "AGENTCORE_LLM_API_BASE",
	"llm.api_key_env":            "AGENTCORE_LLM_API_KEY_ENV",
	"llm.timeout_seconds":        "AGENTCORE_LLM_TIMEOUT_SECONDS",
	"policy.max_risk":            "AGENTCORE_POLICY_MAX_RISK",
	"policy.confirm_destructive": "AGENTCORE_POLICY_CONFIRM_DESTRUCTIVE",
	"policy.confirm_shell":       "AGENTCORE_POLICY_CONFIRM_SHELL",
	"session.token_budget":       "AGENTCORE_SESSION_TOKEN_BUDGET",
	"session.max_turns":          "AGENTCORE_SESSION_MAX_TURNS",
	"plugins.enabled":            "AGENTCORE_PLUGINS_ENABLED",
}

// LoadEnv applies process environment variables on top of base, the
// "environment overrides" precedence tier.
func LoadEnv(base Config) Config {
	cfg := base
	if v, ok := os.LookupEnv(envOverrides["llm.name"]); ok {
		cfg.LLMName = v
	}
	if v, ok := os.LookupEnv(envOverrides["llm.model"]); ok {
		cfg.LLMModel = v
	}
	if v, ok := os.LookupEnv(envOverrides["llm.api_base"]); ok {
		cfg.LLMAPIBase = v
	}
	if v, ok := os.LookupEnv(envOverrides["llm.api_key_env"]); ok {
		cfg.LLMAPIKeyEnv = v
	}
	if v, ok := os.LookupEnv(envOverrides["llm.timeout_seconds"]); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLMTimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv(envOverrides["policy.max_risk"]); ok {
		cfg.PolicyMaxRisk = strings.ToUpper(v)
	}
	if v, ok := os.LookupEnv(envOverrides["policy.confirm_destructive"]); ok {
		cfg.PolicyConfirmDestructive = parseBool(v, cfg.PolicyConfirmDestructive)
	}
	if v, ok := os.LookupEnv(envOverrides["policy.confirm_shell"]); ok {
		cfg.PolicyConfirmShell = parseBool(v, cfg.PolicyConfirmShell)
	}
	if v, ok := os.LookupEnv(envOverrides["session.token_budget"]); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTokenBudget = n
		}
	}
	if v, ok := os.LookupEnv(envOverrides["session.max_turns"]); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionMaxTurns = n
		}
	}
	if v, ok := os.LookupEnv(envOverrides["plugins.enabled"]); ok {
		cfg.PluginsEnabled = parseBool(v, cfg.PluginsEnabled)
	}
	return cfg
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Option applies a caller override — the fourth precedence tier, above
// environment and below per-session overrides.
type Option func(*Config)

// WithLLM overrides the provider name and model.
func WithLLM(name, model string) Option {
	return func(c *Config) {
		if name != "" {
			c.LLMName = name
		}
		if model != "" {
			c.LLMModel = model
		}
	}
}

// WithMaxRisk overrides the policy risk ceiling.
func WithMaxRisk(risk string) Option {
	return func(c *Config) { c.PolicyMaxRisk = risk }
}

// WithSessionBudget overrides the token budget and max-turns ceiling.
func WithSessionBudget(tokenBudget, maxTurns int) Option {
	return func(c *Config) {
		if tokenBudget > 0 {
			c.SessionTokenBudget = tokenBudget
		}
		if maxTurns > 0 {
			c.SessionMaxTurns = maxTurns
		}
	}
}

// Apply layers opts onto base in order, the "caller overrides" tier.
func Apply(base Config, opts ...Option) Config {
	cfg := base
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SessionOverrides is the fifth and final precedence tier: per-session
// values a caller layers onto a resolved Config with ApplySession, winning
// over every other tier. A zero value in any field means "no override" — the caller must
// set the prior tier's value explicitly to override it with zero/empty.
type SessionOverrides struct {
	Model       string
	MaxRisk     string
	MaxTurns    int
	TokenBudget int
}

// ApplySession layers a single session's overrides on top of cfg.
func ApplySession(cfg Config, overrides SessionOverrides) Config {
	if overrides.Model != "" {
		cfg.LLMModel = overrides.Model
	}
	if overrides.MaxRisk != "" {
		cfg.PolicyMaxRisk = overrides.MaxRisk
	}
	if overrides.MaxTurns > 0 {
		cfg.SessionMaxTurns = overrides.MaxTurns
	}
	if overrides.TokenBudget > 0 {
		cfg.SessionTokenBudget = overrides.TokenBudget
	}
	return cfg
}

// Resolve runs the full five-tier precedence stack: Defaults, an
// optional config file, environment, caller options, then session
// overrides (applied by the caller afterward via ApplySession, since
// session scope isn't known until a turn begins).
func Resolve(configPath string, opts ...Option) (Config, error) {
	cfg := Defaults()
	cfg, err := LoadFile(cfg, configPath)
	if err != nil {
		return Config{}, err
	}
	cfg = LoadEnv(cfg)
	cfg = Apply(cfg, opts...)
	return cfg, nil
}

// ToPolicyConfig projects the policy.* keys into the shape the gate
// consults, compiling the configured pattern strings once. A pattern
// that fails to compile is dropped rather than failing the whole
// resolve — a single bad regex in an operator's config file shouldn't
// take down every other gating rule.
func (c Config) ToPolicyConfig() policy.Config {
	risk, ok := models.ParseRiskLevel(strings.ToUpper(c.PolicyMaxRisk))
	if !ok {
		risk = models.RiskWrite
	}
	return policy.Config{
		MaxRisk:            risk,
		ConfirmDestructive: c.PolicyConfirmDestructive,
		ConfirmShell:       c.PolicyConfirmShell,
		BlockedPatterns:    compilePatterns(c.PolicyBlockedPatterns),
		RedactionPatterns:  compilePatterns(c.PolicyRedactionPatterns),
	}
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// ToOrchestratorConfig projects session.* keys into the orchestrator's
// bounds, converting the token budget into the packer's char budget at
// the documented 4-chars-per-token proxy rate.
func (c Config) ToOrchestratorConfig(systemPrompt, model string, metrics *agent.Metrics) agent.OrchestratorConfig {
	opts := agent.DefaultPackOptions()
	if c.SessionTokenBudget > 0 {
		opts.MaxChars = c.SessionTokenBudget * 4
	}
	maxTurns := c.SessionMaxTurns
	if maxTurns <= 0 {
		maxTurns = agent.DefaultOrchestratorConfig().MaxTurns
	}
	return agent.OrchestratorConfig{
		MaxTurns:     maxTurns,
		PackOpts:     opts,
		SystemPrompt: systemPrompt,
		Model:        model,
		Metrics:      metrics,
	}
}
