package policy

import (
	"encoding/json"
	"regexp"
)

const redactedPlaceholder = "***REDACTED***"

// Redactor masks argument values before they reach the audit log or a
// policy_decision event. The live arguments passed to Tool.Execute are
// never touched — redaction only ever applies to the stored copy.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor wraps the already-compiled set of secret-pattern matchers
// (API-key-shaped strings, authorization headers, private-key blocks).
func NewRedactor(patterns []*regexp.Regexp) *Redactor {
	return &Redactor{patterns: patterns}
}

// Redact returns a copy of args with every value under a secretFields key
// fully masked, and every remaining string value with any pattern match
// replaced. secretFields is checked first and takes precedence — a field
// named in both lists is still fully masked, not pattern-substituted.
func (r *Redactor) Redact(args json.RawMessage, secretFields []string) json.RawMessage {
	if len(args) == 0 {
		return args
	}
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err != nil {
		// Not a JSON object we can walk; redact wholesale rather than
		// risk leaking an unparsed secret into the audit trail.
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}

	secretSet := make(map[string]bool, len(secretFields))
	for _, f := range secretFields {
		secretSet[f] = true
	}

	redacted := r.redactValue(decoded, secretSet)
	out, err := json.Marshal(redacted)
	if err != nil {
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	return out
}

// FullyRedact discards args entirely, returning the placeholder in their
// place. Used for the SENSITIVE and PRIVATE privacy tiers, where even a
// pattern-redacted argument blob is considered too much to persist.
func (r *Redactor) FullyRedact() json.RawMessage {
	return json.RawMessage(`"` + redactedPlaceholder + `"`)
}

// RedactOutput applies the same pattern substitution Redact uses to
// argument strings, then truncates to maxChars. maxChars <= 0 means no
// truncation.
func (r *Redactor) RedactOutput(output string, maxChars int) string {
	out := r.redactString(output)
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func (r *Redactor) redactValue(v interface{}, secretFields map[string]bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if secretFields[k] {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = r.redactValue(val, secretFields)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.redactValue(val, secretFields)
		}
		return out
	case string:
		return r.redactString(t)
	default:
		return t
	}
}

func (r *Redactor) redactString(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
