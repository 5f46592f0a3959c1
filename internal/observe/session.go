package observe

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names recorded by the session core. Tests assert against these
// through [SessionMetrics]; a subset is additionally fanned out to the OTel
// instruments in [Metrics].
const (
	MetricTurnFinalToFirstSegmentMS = "turn.final_to_first_segment_ms"
	MetricTurnFinalToAckSegmentMS   = "turn.final_to_ack_segment_ms"
	MetricToolCallToFirstFillerMS   = "tool.call_to_first_filler_ms"
	MetricToolCallTotalMS           = "tool.call_total_ms"
	MetricSegmentExpectedDurationMS = "speech.segment_expected_duration_ms"
	MetricSegmentCountPerTurn       = "speech.segment_count_per_turn"
	MetricBargeInCancelLatencyMS    = "turn.barge_in_cancel_latency_ms"
	MetricStaleSegmentsDropped      = "speech.stale_segments_dropped_total"
	MetricRepairAttempts            = "dialogue.repair_attempts_total"
	MetricConfirmations             = "dialogue.confirmations_total"
	MetricReprompts                 = "dialogue.reprompts_total"
	MetricOfferedSlotsCount         = "dialogue.offered_slots_count"
	MetricGroundingViolations       = "speech.segment_without_tool_evidence_total"
	MetricToolFailures              = "tool.failures_total"
	MetricFallbacksUsed             = "speech.fallbacks_used_total"
	MetricKeepaliveQueueDelayMS     = "keepalive.ping_pong_queue_delay_ms"
	MetricKeepaliveMissedDeadline   = "keepalive.ping_pong_missed_deadline_total"
	MetricKeepaliveWriteAttempts    = "keepalive.ping_pong_write_attempt_total"
	MetricKeepaliveWriteTimeouts    = "keepalive.ping_pong_write_timeout_total"
	MetricInboundQueueEvictions     = "inbound.queue_evictions_total"
	MetricInboundQueueDropped       = "inbound.queue_dropped_total"
	MetricInboundBadSchema          = "inbound.bad_schema_total"
	MetricOutboundQueueDropped      = "outbound.queue_dropped_total"
	MetricWriteTimeouts             = "transport.write_timeout_total"
	MetricCloseReasonPrefix         = "transport.close_reason_total."
	MetricTurnRollbacks             = "turn.rollback_total"
	MetricSpeculativePlans          = "speculative.plans_total"
	MetricSpeculativeUsed           = "speculative.used_total"
	MetricMemoryCompactions         = "memory.transcript_compactions_total"
	MetricMemoryChars               = "memory.transcript_chars_current"
	MetricMemoryUtterances          = "memory.transcript_utterances_current"
	MetricReasoningLeaks            = "voice.reasoning_leak_total"
	MetricJargonViolations          = "voice.jargon_violation_total"
	MetricReadabilityGrade          = "voice.readability_grade"
	MetricObjectionPatterns         = "dialogue.objection_pattern_total"
	MetricPlaybookHits              = "dialogue.playbook_hit_total"
)

// SessionMetrics is the per-session write-only metrics sink. It keeps a
// deterministic in-memory view (counters, histograms, gauges) that invariant
// tests can snapshot, and fans a subset out to the process-level OTel
// [Metrics] when one is attached.
//
// Safe for concurrent use.
type SessionMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	hists    map[string][]int64
	gauges   map[string]int64

	otel  *Metrics
	attrs []attribute.KeyValue
}

// NewSessionMetrics creates an empty recorder. Pass a nil otel to keep the
// recorder purely in-memory (tests).
func NewSessionMetrics(otel *Metrics, attrs ...attribute.KeyValue) *SessionMetrics {
	return &SessionMetrics{
		counters: make(map[string]int64),
		hists:    make(map[string][]int64),
		gauges:   make(map[string]int64),
		otel:     otel,
		attrs:    attrs,
	}
}

// Inc adds v to the named counter.
func (m *SessionMetrics) Inc(name string, v int64) {
	m.mu.Lock()
	m.counters[name] += v
	m.mu.Unlock()
	m.fanOutCounter(name, v)
}

// Observe appends v to the named histogram.
func (m *SessionMetrics) Observe(name string, v int64) {
	m.mu.Lock()
	m.hists[name] = append(m.hists[name], v)
	m.mu.Unlock()
	m.fanOutHistogram(name, v)
}

// Set records v as the current value of the named gauge.
func (m *SessionMetrics) Set(name string, v int64) {
	m.mu.Lock()
	m.gauges[name] = v
	m.mu.Unlock()
}

// Get returns the current value of the named counter.
func (m *SessionMetrics) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// GetHist returns a copy of the named histogram's samples.
func (m *SessionMetrics) GetHist(name string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.hists[name]))
	copy(out, m.hists[name])
	return out
}

// GetGauge returns the current value of the named gauge.
func (m *SessionMetrics) GetGauge(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Percentile returns the p-th percentile (0–100) of the named histogram: the
// sorted sample at index p/100*(n-1) rounded to the nearest integer. Returns
// false if the histogram is empty.
func (m *SessionMetrics) Percentile(name string, p float64) (int64, bool) {
	m.mu.Lock()
	samples := make([]int64, len(m.hists[name]))
	copy(samples, m.hists[name])
	m.mu.Unlock()

	if len(samples) == 0 {
		return 0, false
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	if p <= 0 {
		return samples[0], true
	}
	if p >= 100 {
		return samples[len(samples)-1], true
	}
	k := int((p/100.0)*float64(len(samples)-1) + 0.5)
	return samples[k], true
}

// fanOutCounter mirrors selected counters onto the OTel instruments.
func (m *SessionMetrics) fanOutCounter(name string, v int64) {
	if m.otel == nil {
		return
	}
	ctx := context.Background()
	if reason, ok := strings.CutPrefix(name, MetricCloseReasonPrefix); ok {
		m.otel.RecordSessionClose(ctx, reason)
		return
	}
	opt := metric.WithAttributes(m.attrs...)
	switch name {
	case MetricStaleSegmentsDropped:
		m.otel.StaleSegmentsDropped.Add(ctx, v, opt)
	case MetricFallbacksUsed:
		m.otel.FallbacksUsed.Add(ctx, v, opt)
	case MetricToolFailures:
		m.otel.ToolFailures.Add(ctx, v, opt)
	case MetricWriteTimeouts:
		m.otel.WriteTimeouts.Add(ctx, v, opt)
	case MetricInboundBadSchema:
		m.otel.BadSchemaFrames.Add(ctx, v, opt)
	case MetricInboundQueueEvictions:
		m.otel.RecordQueueEviction(ctx, "inbound")
	case MetricOutboundQueueDropped:
		m.otel.RecordQueueEviction(ctx, "outbound")
	}
}

// fanOutHistogram mirrors selected histograms onto the OTel instruments.
func (m *SessionMetrics) fanOutHistogram(name string, v int64) {
	if m.otel == nil {
		return
	}
	ctx := context.Background()
	opt := metric.WithAttributes(m.attrs...)
	switch name {
	case MetricTurnFinalToAckSegmentMS:
		m.otel.AckLatency.Record(ctx, float64(v), opt)
	case MetricTurnFinalToFirstSegmentMS:
		m.otel.FirstSegmentLatency.Record(ctx, float64(v), opt)
	case MetricBargeInCancelLatencyMS:
		m.otel.BargeInCancelLatency.Record(ctx, float64(v), opt)
	case MetricToolCallTotalMS:
		m.otel.ToolCallDuration.Record(ctx, float64(v), opt)
	case MetricKeepaliveQueueDelayMS:
		m.otel.KeepaliveQueueDelay.Record(ctx, float64(v), opt)
	}
}

// Snapshot returns a deep copy of the recorder's state.
func (m *SessionMetrics) Snapshot() (counters map[string]int64, hists map[string][]int64, gauges map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters = make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	hists = make(map[string][]int64, len(m.hists))
	for k, v := range m.hists {
		cp := make([]int64, len(v))
		copy(cp, v)
		hists[k] = cp
	}
	gauges = make(map[string]int64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, hists, gauges
}
