// Package metrics exposes prometheus instrumentation for the relay.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/llm"
)

const namespace = "relay"

// Collector owns the process registry and every relay metric family. It
// registers its own registry rather than the global one, so tests and
// embedding programs never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	providerRequests  *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	tokensUsed        *prometheus.CounterVec
	retries           *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	toolExecutions    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	turns             *prometheus.CounterVec
	webhookDispatches *prometheus.CounterVec
	chatMessages      *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Model provider calls by terminal status.",
		}, []string{"provider", "model", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Wall-clock duration of provider calls.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens consumed by provider calls.",
		}, []string{"provider", "model", "type"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retry attempts by error class.",
		}, []string{"provider", "class"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_recoveries_total",
			Help:      "Calls that exhausted retries and synthesized a reply.",
		}, []string{"provider", "class"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution duration.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"tool"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversation turns.",
		}, []string{"recovered"}),
		webhookDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatches_total",
			Help:      "Webhook trigger dispatches by response mode and outcome.",
		}, []string{"mode", "outcome"}),
		chatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_chat_messages_total",
			Help:      "Inbound external-chat messages.",
		}, []string{"platform"}),
	}
}

// Handler serves the registry for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordWebhookDispatch counts one trigger dispatch outcome.
func (c *Collector) RecordWebhookDispatch(mode, outcome string) {
	c.webhookDispatches.WithLabelValues(mode, outcome).Inc()
}

// RecordChatMessage counts one inbound external-chat message.
func (c *Collector) RecordChatMessage(platform string) {
	c.chatMessages.WithLabelValues(platform).Inc()
}

// EngineHook feeds turn events into the collector. Satisfies engine.Hook.
type EngineHook struct {
	engine.NopHook
	c *Collector
}

func (c *Collector) EngineHook() EngineHook {
	return EngineHook{c: c}
}

func (h EngineHook) OnCallEnd(_ context.Context, provider, model string, usage llm.Usage, _ string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.c.providerRequests.WithLabelValues(provider, model, status).Inc()
	h.c.requestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if usage.Prompt > 0 {
		h.c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(usage.Prompt))
	}
	if usage.Completion > 0 {
		h.c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(usage.Completion))
	}
}

func (h EngineHook) OnRetry(_ context.Context, provider string, class engine.ErrorClass, _ int, _ time.Duration, _ error) {
	h.c.retries.WithLabelValues(provider, string(class)).Inc()
}

func (h EngineHook) OnRecovered(_ context.Context, provider string, class engine.ErrorClass, _ error) {
	h.c.recoveries.WithLabelValues(provider, string(class)).Inc()
}

func (h EngineHook) OnToolEnd(_ context.Context, call llm.ToolCall, _ string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.c.toolExecutions.WithLabelValues(call.Name, status).Inc()
	h.c.toolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
}

func (h EngineHook) OnTurnEnd(_ context.Context, result *llm.Result, _ int) {
	h.c.turns.WithLabelValues(strconv.FormatBool(result.Recovered)).Inc()
}
