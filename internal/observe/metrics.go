// Package observe provides application-wide observability primitives for Fae
// Core: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Fae Core metrics.
const meterName = "github.com/fae-run/fae-core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// BargeInLatency tracks the time from voice-activity-detected-during-
	// playback to the assistant's output actually going silent. SLO: p95 ≤ 50ms.
	BargeInLatency metric.Float64Histogram

	// HostDispatchDuration tracks the time the Host Boundary spends routing a
	// command to its handler (embedded Mode A path). SLO: p95 ≤ 0.25ms.
	HostDispatchDuration metric.Float64Histogram

	// EventDeliveryDuration tracks the time from an event being published on
	// the Event Bus to a Host Boundary subscriber receiving it. SLO: p95 ≤ 5ms.
	EventDeliveryDuration metric.Float64Histogram

	// SchedulerJitter tracks the difference between a scheduled task's due
	// time and its actual execution start. SLO: p95 ≤ 150ms.
	SchedulerJitter metric.Float64Histogram

	// MemoryRecallDuration tracks the latency of a Memory Store Recall call.
	MemoryRecallDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AssistantTurns counts completed LLM turn-loop executions. Use with
	// attribute: attribute.String("stop_reason", ...)
	AssistantTurns metric.Int64Counter

	// BargeIns counts user barge-in interruptions of assistant playback.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RuntimeState tracks the Pipeline Coordinator's current lifecycle state
	// as a 0/1 indicator per attribute.String("state", ...); exactly one
	// state attribute is 1 at a time.
	RuntimeState metric.Int64UpDownCounter

	// EventBusSubscribers tracks the number of live Event Bus subscribers.
	EventBusSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// slaLatencyBuckets defines histogram bucket boundaries (in seconds) for the
// sub-second boundary SLOs (host dispatch, event delivery, barge-in).
var slaLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("fae.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("fae.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("fae.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("fae.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("fae.barge_in.latency",
		metric.WithDescription("Time from detected user speech to assistant output silenced."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(slaLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HostDispatchDuration, err = m.Float64Histogram("fae.host.dispatch.duration",
		metric.WithDescription("Time the Host Boundary spends routing a command to its handler."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(slaLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EventDeliveryDuration, err = m.Float64Histogram("fae.event.delivery.duration",
		metric.WithDescription("Time from an event being published to a Host Boundary subscriber receiving it."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(slaLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SchedulerJitter, err = m.Float64Histogram("fae.scheduler.jitter",
		metric.WithDescription("Difference between a scheduled task's due time and its actual execution start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(slaLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryRecallDuration, err = m.Float64Histogram("fae.memory.recall.duration",
		metric.WithDescription("Latency of a Memory Store Recall call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("fae.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("fae.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.AssistantTurns, err = m.Int64Counter("fae.assistant.turns",
		metric.WithDescription("Total completed LLM turn-loop executions by stop reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("fae.barge_ins",
		metric.WithDescription("Total user barge-in interruptions of assistant playback."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("fae.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("fae.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.RuntimeState, err = m.Int64UpDownCounter("fae.runtime.state",
		metric.WithDescription("Pipeline Coordinator lifecycle state indicator, one per attribute.state."),
	); err != nil {
		return nil, err
	}
	if met.EventBusSubscribers, err = m.Int64UpDownCounter("fae.eventbus.subscribers",
		metric.WithDescription("Number of live Event Bus subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fae.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordAssistantTurn is a convenience method that records a completed LLM
// turn-loop execution.
func (m *Metrics) RecordAssistantTurn(ctx context.Context, stopReason string) {
	m.AssistantTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stop_reason", stopReason)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
