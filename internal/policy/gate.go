package policy

import (
	"encoding/json"
	"regexp"

	"github.com/opsdiag/agentcore/pkg/models"
)

// Gate evaluates the five gating rules in order and writes the resulting
// decision to the audit log. It holds no per-call state; Config is
// re-read by value on every Decide so callers may swap it between turns
// (e.g. a per-session override of max_risk).
type Gate struct {
	config   Config
	redactor *Redactor
	audit    *AuditWriter
	confirm  ConfirmFunc
}

// NewGate constructs a gate. confirm may be nil, in which case any rule
// that would yield "confirm" degrades to "deny" (no operator channel to
// ask through).
func NewGate(config Config, audit *AuditWriter, confirm ConfirmFunc) *Gate {
	return &Gate{
		config:   config,
		redactor: NewRedactor(config.RedactionPatterns),
		audit:    audit,
		confirm:  confirm,
	}
}

// SetConfig replaces the gate's configuration, e.g. for a per-session
// override layered over the process defaults.
func (g *Gate) SetConfig(config Config) {
	g.config = config
	g.redactor = NewRedactor(config.RedactionPatterns)
}

// outputPreviewChars bounds how much of a tool's output survives into the
// audit log at the PUBLIC and SENSITIVE privacy tiers, matching the
// prototype's PolicyEngine.audit_log truncation lengths exactly.
const (
	outputPreviewCharsPublic    = 2000
	outputPreviewCharsSensitive = 500
)

// Decide runs the five ordered gating rules, writes an audit record, and
// returns the verdict. It never calls the tool itself — callers execute
// only on VerdictAllow.
//
// Argument redaction is tiered by req.Privacy, following the prototype's
// PolicyEngine.audit_log: PUBLIC keeps a pattern/secret-field redacted
// copy of the arguments; SENSITIVE and PRIVATE discard them entirely
// rather than persist even a redacted shape.
func (g *Gate) Decide(req Request) models.PolicyDecision {
	decision := g.evaluate(req)

	var redacted json.RawMessage
	if req.Privacy == models.PrivacySensitive || req.Privacy == models.PrivacyPrivate {
		redacted = g.redactor.FullyRedact()
	} else {
		redacted = g.redactor.Redact(req.Arguments, req.SecretFields)
	}
	decision.ArgsRedacted = redacted

	if g.audit != nil {
		g.audit.Write(Record{
			SessionID:    req.SessionID,
			CallID:       req.CallID,
			Tool:         req.ToolName,
			Risk:         req.Risk,
			Privacy:      req.Privacy,
			Decision:     decision.Verdict,
			Reason:       decision.Reason,
			ArgsRedacted: redacted,
		})
	}

	return decision
}

// AuditResult appends a second audit line carrying the tool's output,
// redacted and truncated per req.Privacy: PUBLIC gets a pattern-redacted
// 2000-character preview, SENSITIVE a 500-character one, and PRIVATE gets
// no output at all. Called after execution, once output exists — Decide
// runs before the tool does and never sees it.
func (g *Gate) AuditResult(req Request, output string) {
	if g.audit == nil {
		return
	}

	var preview string
	switch req.Privacy {
	case models.PrivacySensitive:
		preview = g.redactor.RedactOutput(output, outputPreviewCharsSensitive)
	case models.PrivacyPrivate:
		preview = ""
	default: // PrivacyPublic and unset default to the most permissive tier
		preview = g.redactor.RedactOutput(output, outputPreviewCharsPublic)
	}

	g.audit.Write(Record{
		SessionID: req.SessionID,
		CallID:    req.CallID,
		Tool:      req.ToolName,
		Risk:      req.Risk,
		Privacy:   req.Privacy,
		Decision:  models.VerdictAllow,
		Reason:    "tool_result",
		Output:    preview,
	})
}

// evaluate implements §4.3's five rules, in order, the first match wins.
func (g *Gate) evaluate(req Request) models.PolicyDecision {
	if req.Risk > g.config.MaxRisk {
		return models.PolicyDecision{Verdict: models.VerdictDeny, Reason: string(ReasonRiskCeiling)}
	}

	if matchesBlockedPattern(g.config.BlockedPatterns, req.Arguments) {
		return models.PolicyDecision{Verdict: models.VerdictDeny, Reason: string(ReasonBlockedPattern)}
	}

	if req.Risk == models.RiskShell && g.config.ConfirmShell {
		return g.resolveConfirm(req, ReasonConfirmShell)
	}

	if req.Risk == models.RiskDestructive && g.config.ConfirmDestructive {
		return g.resolveConfirm(req, ReasonConfirmDestructive)
	}

	return models.PolicyDecision{Verdict: models.VerdictAllow, Reason: string(ReasonAllowed)}
}

// resolveConfirm asks the operator via the gate's ConfirmFunc. A nil
// callback and a false answer are both treated as deny. No wall-clock
// limit is placed around the callback, here or in the orchestrator; the
// gate only interprets its boolean result.
func (g *Gate) resolveConfirm(req Request, triggeredBy Reason) models.PolicyDecision {
	if g.confirm == nil {
		return models.PolicyDecision{Verdict: models.VerdictDeny, Reason: string(ReasonConfirmTimeout)}
	}
	if g.confirm(req) {
		return models.PolicyDecision{Verdict: models.VerdictAllow, Reason: string(triggeredBy)}
	}
	return models.PolicyDecision{Verdict: models.VerdictDeny, Reason: string(ReasonOperatorDenied)}
}

// matchesBlockedPattern reports whether any string value in the arguments
// object matches a configured blocked pattern. Values are inspected
// shallowly (top-level string fields) and recursively into nested objects
// and arrays, since a blocked substring could appear anywhere in the
// argument tree.
func matchesBlockedPattern(patterns []*regexp.Regexp, args json.RawMessage) bool {
	if len(patterns) == 0 || len(args) == 0 {
		return false
	}
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return false
	}
	return walkStrings(decoded, func(s string) bool {
		for _, p := range patterns {
			if p.MatchString(s) {
				return true
			}
		}
		return false
	})
}

func walkStrings(v interface{}, pred func(string) bool) bool {
	switch t := v.(type) {
	case string:
		return pred(t)
	case map[string]interface{}:
		for _, val := range t {
			if walkStrings(val, pred) {
				return true
			}
		}
	case []interface{}:
		for _, val := range t {
			if walkStrings(val, pred) {
				return true
			}
		}
	}
	return false
}
