// Package metrics exposes Prometheus collectors for the pipeline, the agent
// loop, the tool executor and the event bus. All record methods are nil-safe
// so components may run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the packbot collectors.
type Metrics struct {
	StageDuration    *prometheus.HistogramVec
	MessagesTotal    *prometheus.CounterVec
	ModelCalls       *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	BusDropped       prometheus.Counter
	BusHandlerErrors *prometheus.CounterVec
	RateLimitDenied  prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "packbot_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage, including nested stages",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "packbot_pipeline_messages_total",
			Help: "Messages processed by the pipeline by outcome",
		}, []string{"outcome"}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "packbot_agent_model_calls_total",
			Help: "Language model calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "packbot_agent_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"kind"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "packbot_agent_tool_calls_total",
			Help: "Tool invocations by tool and result status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "packbot_agent_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		BusDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "packbot_bus_dropped_total",
			Help: "Signals dropped because the bus queue was full",
		}),
		BusHandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "packbot_bus_handler_errors_total",
			Help: "Bus handler failures by signal kind",
		}, []string{"kind"}),
		RateLimitDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "packbot_ratelimit_denied_total",
			Help: "Messages terminated by the rate limiter",
		}),
	}
}

// ObserveStage records the duration of one stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.StageDuration == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordMessage counts a finished pipeline execution.
func (m *Metrics) RecordMessage(outcome string) {
	if m == nil || m.MessagesTotal == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordModelCall counts a model call and its token usage.
func (m *Metrics) RecordModelCall(provider, outcome string, promptTokens, completionTokens int) {
	if m == nil || m.ModelCalls == nil {
		return
	}
	m.ModelCalls.WithLabelValues(provider, outcome).Inc()
	if m.Tokens == nil {
		return
	}
	if promptTokens > 0 {
		m.Tokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.Tokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// RecordToolCall counts a tool result and observes its latency.
func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil || m.ToolCalls == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	if m.ToolDuration != nil {
		m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordBusDrop counts a signal dropped on a full queue.
func (m *Metrics) RecordBusDrop() {
	if m == nil || m.BusDropped == nil {
		return
	}
	m.BusDropped.Inc()
}

// RecordBusHandlerError counts a failed bus handler.
func (m *Metrics) RecordBusHandlerError(kind string) {
	if m == nil || m.BusHandlerErrors == nil {
		return
	}
	m.BusHandlerErrors.WithLabelValues(kind).Inc()
}

// RecordRateLimited counts a rate limited message.
func (m *Metrics) RecordRateLimited() {
	if m == nil || m.RateLimitDenied == nil {
		return
	}
	m.RateLimitDenied.Inc()
}
