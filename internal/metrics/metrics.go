// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts committed state transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_transitions_total",
		Help: "Committed pipeline-run state transitions.",
	}, []string{"from", "to", "trigger"})

	// RejectedTransitionsTotal counts advance calls that did not transition.
	RejectedTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_rejected_transitions_total",
		Help: "Advance calls rejected without a transition.",
	}, []string{"reason"})

	// SideEffectFailuresTotal counts handler errors caught at the
	// post-commit boundary.
	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_side_effect_failures_total",
		Help: "Side-effect handler invocations that returned an error.",
	}, []string{"effect"})

	// ActiveMonitors tracks currently registered agent-session monitors.
	ActiveMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_active_agent_monitors",
		Help: "Agent-session monitors currently polling.",
	})
)
