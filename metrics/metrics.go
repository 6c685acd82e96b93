// Package metrics exposes Prometheus instrumentation for the agent core.
// Collectors register on the default registry; serve them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_runs_started_total",
			Help: "Total number of runs started, by mode",
		},
		[]string{"mode"},
	)
	runsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_runs_ended_total",
			Help: "Total number of runs ended, by termination reason",
		},
		[]string{"reason"},
	)
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_active_runs",
			Help: "Number of runs currently holding a session lock",
		},
	)
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_tool_calls_total",
			Help: "Total number of tool invocations, by tool and outcome",
		},
		[]string{"tool", "status"},
	)
	approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_approvals_total",
			Help: "Total number of approval verdicts, by outcome",
		},
		[]string{"outcome"},
	)
	compactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_compactions_total",
			Help: "Total number of memory compactions performed",
		},
	)
	modelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_model_calls_total",
			Help: "Total number of model transport calls, by status",
		},
		[]string{"status"},
	)
	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_tokens_total",
			Help: "Total tokens consumed, by direction",
		},
		[]string{"direction"},
	)
)

// RunStarted records a run acquiring its session lock.
func RunStarted(mode string) {
	runsStarted.WithLabelValues(mode).Inc()
	activeRuns.Inc()
}

// RunEnded records a run reaching its terminal state.
func RunEnded(reason string) {
	runsEnded.WithLabelValues(reason).Inc()
	activeRuns.Dec()
}

// ToolCall records one tool invocation outcome.
func ToolCall(tool, status string) {
	toolCalls.WithLabelValues(tool, status).Inc()
}

// ApprovalResolved records an approval verdict outcome.
func ApprovalResolved(outcome string) {
	approvals.WithLabelValues(outcome).Inc()
}

// CompactionRun records one memory compaction.
func CompactionRun() {
	compactions.Inc()
}

// ModelCall records one transport call outcome.
func ModelCall(status string) {
	modelCalls.WithLabelValues(status).Inc()
}

// TokensUsed records token consumption from a model response.
func TokensUsed(input, output int) {
	tokensUsed.WithLabelValues("input").Add(float64(input))
	tokensUsed.WithLabelValues("output").Add(float64(output))
}
