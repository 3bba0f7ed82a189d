// Package policy implements the gating layer that decides, per tool call,
// whether execution is permitted, requires confirmation, or is denied, and
// produces a tamper-evident audit record. It is a pure decision function
// plus one side effect: appending to the audit log.
package policy

import (
	"encoding/json"
	"regexp"

	"github.com/opsdiag/agentcore/pkg/models"
)

// Config is the subset of configuration the gate consults on every
// decision. It corresponds to the policy.* keys in the configuration
// table: max_risk, confirm_destructive, confirm_shell,
// blocked_patterns, redaction_patterns.
type Config struct {
	MaxRisk            models.RiskLevel
	ConfirmDestructive bool
	ConfirmShell       bool
	BlockedPatterns    []*regexp.Regexp
	RedactionPatterns  []*regexp.Regexp
}

// Request bundles everything the gate needs to decide one tool call.
type Request struct {
	SessionID string
	CallID    string
	ToolName  string
	Risk      models.RiskLevel
	// Privacy controls how much of this call's audit record survives
	// redaction — see Gate.Decide and Gate.AuditResult.
	Privacy models.PrivacyScope
	// SecretFields lists argument keys the tool itself declares as
	// always-redact, independent of RedactionPatterns.
	SecretFields []string
	Arguments    json.RawMessage
}

// Reason is the closed set of gating-rule outcomes, matching the order
// they're evaluated in (see Gate.Decide).
type Reason string

const (
	ReasonRiskCeiling        Reason = "risk_ceiling"
	ReasonBlockedPattern     Reason = "blocked_pattern"
	ReasonConfirmShell       Reason = "confirm_shell"
	ReasonConfirmDestructive Reason = "confirm_destructive"
	ReasonAllowed            Reason = "allowed"
	ReasonOperatorDenied     Reason = "operator_denied"
	ReasonConfirmTimeout     Reason = "confirm_timeout"
)

// ConfirmFunc is the caller-supplied callback the gate invokes when a rule
// yields "confirm". A false return is treated as deny. The gate calls it
// synchronously and applies no time limit of its own.
type ConfirmFunc func(req Request) (approved bool)
