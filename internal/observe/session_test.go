package observe

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestSessionMetrics_CountersAndGauges(t *testing.T) {
	m := NewSessionMetrics(nil)

	m.Inc(MetricStaleSegmentsDropped, 1)
	m.Inc(MetricStaleSegmentsDropped, 2)
	if got := m.Get(MetricStaleSegmentsDropped); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	if got := m.Get("never.recorded"); got != 0 {
		t.Errorf("expected 0 for unknown counter, got %d", got)
	}

	m.Set(MetricMemoryChars, 120)
	m.Set(MetricMemoryChars, 80)
	if got := m.GetGauge(MetricMemoryChars); got != 80 {
		t.Errorf("gauge should keep last value, got %d", got)
	}
}

func TestSessionMetrics_Percentile(t *testing.T) {
	m := NewSessionMetrics(nil)

	if _, ok := m.Percentile(MetricTurnFinalToAckSegmentMS, 95); ok {
		t.Error("empty histogram should report no percentile")
	}

	for _, v := range []int64{100, 200, 300, 400, 500} {
		m.Observe(MetricTurnFinalToAckSegmentMS, v)
	}

	tests := []struct {
		p    float64
		want int64
	}{
		{0, 100},
		{50, 300},
		{100, 500},
	}
	for _, tt := range tests {
		got, ok := m.Percentile(MetricTurnFinalToAckSegmentMS, tt.p)
		if !ok {
			t.Fatalf("p%.0f: no samples", tt.p)
		}
		if got != tt.want {
			t.Errorf("p%.0f: expected %d, got %d", tt.p, tt.want, got)
		}
	}
}

func TestSessionMetrics_Snapshot(t *testing.T) {
	m := NewSessionMetrics(nil)
	m.Inc(MetricFallbacksUsed, 1)
	m.Observe(MetricToolCallTotalMS, 42)
	m.Set(MetricMemoryUtterances, 7)

	counters, hists, gauges := m.Snapshot()
	if counters[MetricFallbacksUsed] != 1 {
		t.Error("counter missing from snapshot")
	}
	if len(hists[MetricToolCallTotalMS]) != 1 || hists[MetricToolCallTotalMS][0] != 42 {
		t.Error("histogram missing from snapshot")
	}
	if gauges[MetricMemoryUtterances] != 7 {
		t.Error("gauge missing from snapshot")
	}

	// Snapshot is a copy: mutating it must not affect the recorder.
	counters[MetricFallbacksUsed] = 99
	if m.Get(MetricFallbacksUsed) != 1 {
		t.Error("snapshot aliases internal state")
	}
}

func TestSessionMetrics_OTelFanOutDoesNotPanic(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	otelMetrics, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m := NewSessionMetrics(otelMetrics, Attr("session_id", "s1"))

	m.Inc(MetricStaleSegmentsDropped, 1)
	m.Inc(MetricInboundQueueEvictions, 1)
	m.Observe(MetricBargeInCancelLatencyMS, 120)
	m.Observe(MetricKeepaliveQueueDelayMS, 5)

	if m.Get(MetricStaleSegmentsDropped) != 1 {
		t.Error("in-memory view not updated alongside fan-out")
	}
}

func TestNewMetrics_CreatesAllInstruments(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.AckLatency == nil || m.StaleSegmentsDropped == nil || m.ActiveSessions == nil {
		t.Error("instrument left nil")
	}
}
