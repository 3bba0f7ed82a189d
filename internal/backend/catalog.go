package backend

import "github.com/opsdiag/agentcore/pkg/models"

// DiagnosticAction describes one action a backend can run for a target
// type. This is data a backend reports about itself, distinct from the
// tool registry: a tool call is what the model invokes, a diagnostic
// action is what's available to invoke once a target's type is known.
type DiagnosticAction struct {
	Name        string
	Description string
	Category    string
	TargetTypes []string
	Parameters  map[string]string
	Risk        models.RiskLevel
}

// appliesTo reports whether the action is available for targetType, or
// applies to every type when TargetTypes is empty.
func (a DiagnosticAction) appliesTo(targetType string) bool {
	if len(a.TargetTypes) == 0 {
		return true
	}
	for _, t := range a.TargetTypes {
		if t == targetType {
			return true
		}
	}
	return false
}

// Catalog is a read-only-to-consumers registry of diagnostic actions,
// consulted by tools such as list_diagnostics/run_diagnostic.
type Catalog struct {
	actions []DiagnosticAction
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Register adds action to the catalog. Registering the same name twice
// keeps both entries; the catalog does not enforce uniqueness since two
// backends may legitimately expose actions under the same name for
// different target types.
func (c *Catalog) Register(action DiagnosticAction) {
	c.actions = append(c.actions, action)
}

// ListForTarget returns every action available for targetType, in
// registration order.
func (c *Catalog) ListForTarget(targetType string) []DiagnosticAction {
	var out []DiagnosticAction
	for _, a := range c.actions {
		if a.appliesTo(targetType) {
			out = append(out, a)
		}
	}
	return out
}
