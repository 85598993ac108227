package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters and histograms for the session core.
//
// Everything registers on a caller-supplied registry so tests can use a
// private one without collisions.
type Metrics struct {
	// TurnCounter counts model turns by outcome.
	// Labels: stop_reason (end_turn|tool_use|aborted|error|length)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RetryCounter counts retry attempts by outcome.
	// Labels: outcome (success|gave_up|cancelled)
	RetryCounter *prometheus.CounterVec

	// CompactionCounter counts compactions by trigger and outcome.
	// Labels: reason (threshold|overflow|manual), status (success|error|aborted)
	CompactionCounter *prometheus.CounterVec

	// StreamRuleTriggers counts TTSR rule firings.
	// Labels: rule
	StreamRuleTriggers *prometheus.CounterVec

	// BashExecutions counts shell executions.
	// Labels: kind (bash|ssh), status (ok|error|cancelled)
	BashExecutions *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set on the given registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_turns_total",
			Help: "Model turns completed, by stop reason.",
		}, []string{"stop_reason"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_llm_request_duration_seconds",
			Help:    "Provider stream latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_llm_tokens_total",
			Help: "Token consumption by type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_tool_executions_total",
			Help: "Tool invocations by status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		RetryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_retries_total",
			Help: "Retry attempts by outcome.",
		}, []string{"outcome"}),
		CompactionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_compactions_total",
			Help: "Compactions by trigger and status.",
		}, []string{"reason", "status"}),
		StreamRuleTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_stream_rule_triggers_total",
			Help: "Stream rule firings.",
		}, []string{"rule"}),
		BashExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_bash_executions_total",
			Help: "Shell executions by kind and status.",
		}, []string{"kind", "status"}),
	}

	factory(m.TurnCounter)
	factory(m.LLMRequestDuration)
	factory(m.LLMTokensUsed)
	factory(m.ToolExecutionCounter)
	factory(m.ToolExecutionDuration)
	factory(m.RetryCounter)
	factory(m.CompactionCounter)
	factory(m.StreamRuleTriggers)
	factory(m.BashExecutions)

	return m
}

// NewTestMetrics creates metrics on a fresh private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
