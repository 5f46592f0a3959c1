// Package observe provides application-wide observability primitives for the
// call brain: OpenTelemetry metrics, a Prometheus exporter bridge, and the
// per-session write-only metrics recorder the realtime invariant tests
// assert against.
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

// meterName is the instrumentation scope name used for all callbrain metrics.
const meterName = "github.com/evelabs/callbrain"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms (milliseconds) ---

	// AckLatency tracks time from turn finalization to the first ACK segment.
	AckLatency metric.Float64Histogram

	// FirstSegmentLatency tracks time from turn finalization to the first
	// response segment of any purpose.
	FirstSegmentLatency metric.Float64Histogram

	// BargeInCancelLatency tracks how long a barge-in cancel takes from
	// trigger to terminal-empty enqueue.
	BargeInCancelLatency metric.Float64Histogram

	// ToolCallDuration tracks tool execution latency including timeouts.
	ToolCallDuration metric.Float64Histogram

	// KeepaliveQueueDelay tracks how long ping frames sat queued before the
	// writer picked them up.
	KeepaliveQueueDelay metric.Float64Histogram

	// --- Counters ---

	// StaleSegmentsDropped counts outbound envelopes discarded because their
	// (epoch, speak_gen) no longer matched the gate.
	StaleSegmentsDropped metric.Int64Counter

	// FallbacksUsed counts deterministic fallback plans substituted for
	// tool-grounding violations, tool failures, and handler errors.
	FallbacksUsed metric.Int64Counter

	// ToolFailures counts tool invocations that timed out or errored.
	ToolFailures metric.Int64Counter

	// WriteTimeouts counts transport write attempts that exceeded the write
	// deadline.
	WriteTimeouts metric.Int64Counter

	// BadSchemaFrames counts inbound frames dropped for schema mismatch.
	BadSchemaFrames metric.Int64Counter

	// QueueEvictions counts items evicted from the bounded queues by
	// overflow policy. Use with attribute.String("queue", ...).
	QueueEvictions metric.Int64Counter

	// SessionCloses counts session terminations. Use with
	// attribute.String("reason", ...).
	SessionCloses metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in milliseconds)
// optimised for conversational voice budgets.
var latencyBuckets = []float64{
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AckLatency, err = m.Float64Histogram("callbrain.turn.ack_latency",
		metric.WithDescription("Turn finalization to first ACK segment."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstSegmentLatency, err = m.Float64Histogram("callbrain.turn.first_segment_latency",
		metric.WithDescription("Turn finalization to first response segment."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInCancelLatency, err = m.Float64Histogram("callbrain.turn.barge_in_cancel_latency",
		metric.WithDescription("Barge-in trigger to terminal-empty enqueue."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("callbrain.tool.duration",
		metric.WithDescription("Tool execution latency including timeouts."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.KeepaliveQueueDelay, err = m.Float64Histogram("callbrain.keepalive.queue_delay",
		metric.WithDescription("Time ping frames spent queued before writing."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StaleSegmentsDropped, err = m.Int64Counter("callbrain.speech.stale_segments_dropped",
		metric.WithDescription("Outbound envelopes dropped on gate mismatch."),
	); err != nil {
		return nil, err
	}
	if met.FallbacksUsed, err = m.Int64Counter("callbrain.speech.fallbacks_used",
		metric.WithDescription("Deterministic fallback plans substituted."),
	); err != nil {
		return nil, err
	}
	if met.ToolFailures, err = m.Int64Counter("callbrain.tool.failures",
		metric.WithDescription("Tool invocations that timed out or errored."),
	); err != nil {
		return nil, err
	}
	if met.WriteTimeouts, err = m.Int64Counter("callbrain.transport.write_timeouts",
		metric.WithDescription("Transport writes exceeding the write deadline."),
	); err != nil {
		return nil, err
	}
	if met.BadSchemaFrames, err = m.Int64Counter("callbrain.transport.bad_schema_frames",
		metric.WithDescription("Inbound frames dropped for schema mismatch."),
	); err != nil {
		return nil, err
	}
	if met.QueueEvictions, err = m.Int64Counter("callbrain.queue.evictions",
		metric.WithDescription("Bounded queue evictions by overflow policy."),
	); err != nil {
		return nil, err
	}
	if met.SessionCloses, err = m.Int64Counter("callbrain.session.closes",
		metric.WithDescription("Session terminations by close reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callbrain.active_sessions",
		metric.WithDescription("Number of live call sessions."),
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

// RecordSessionClose increments the close counter with the standard reason
// attribute.
func (m *Metrics) RecordSessionClose(ctx context.Context, reason string) {
	m.SessionCloses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueEviction increments the eviction counter for the named queue.
func (m *Metrics) RecordQueueEviction(ctx context.Context, queue string) {
	m.QueueEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
