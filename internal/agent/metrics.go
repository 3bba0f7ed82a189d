package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters the orchestrator and the audit writer's
// rotation hook update as they run. Every method is a no-op on a nil
// Metrics or on a collector that was never built, so instrumentation stays
// optional. NewMetrics builds the collectors, which count from then on;
// Register only exposes them to a prometheus.Registerer.
type Metrics struct {
	turnsRun         prometheus.Counter
	toolCallsByRisk  *prometheus.CounterVec
	policyDenials    prometheus.Counter
	auditRotations   prometheus.Counter
}

// NewMetrics constructs the collector set without registering it.
func NewMetrics() *Metrics {
	return &Metrics{
		turnsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_turns_run_total",
			Help: "Number of orchestrator turns completed.",
		}),
		toolCallsByRisk: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_calls_total",
			Help: "Number of tool calls dispatched, by risk level.",
		}, []string{"risk"}),
		policyDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_policy_denials_total",
			Help: "Number of tool calls denied by the policy engine.",
		}),
		auditRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_audit_rotations_total",
			Help: "Number of times the audit log has rotated.",
		}),
	}
}

// Register attaches every collector to reg. Call once at startup.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.turnsRun, m.toolCallsByRisk, m.policyDenials, m.auditRotations} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) recordTurn() {
	if m == nil || m.turnsRun == nil {
		return
	}
	m.turnsRun.Inc()
}

func (m *Metrics) recordToolCall(risk string) {
	if m == nil || m.toolCallsByRisk == nil {
		return
	}
	m.toolCallsByRisk.WithLabelValues(risk).Inc()
}

func (m *Metrics) recordDenial() {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.Inc()
}

// RecordAuditRotation increments the audit-rotation counter. It is exported
// so a caller can pass it as an AuditWriter.OnRotate callback without this
// package depending on the policy package.
func (m *Metrics) RecordAuditRotation() {
	if m == nil || m.auditRotations == nil {
		return
	}
	m.auditRotations.Inc()
}
