package trace

import (
	"strings"
	"testing"
)

func rec(tms int64, typ string, payload any) Record {
	return Record{
		TMS:       tms,
		SessionID: "s1",
		CallID:    "c1",
		TurnID:    1,
		Epoch:     1,
		WSState:   "OPEN",
		ConvState: "LISTENING",
		Type:      typ,
		Payload:   payload,
	}
}

func TestSink_EmitAssignsSequence(t *testing.T) {
	s := NewSink(16)
	s.Emit(rec(1, "a", map[string]any{"x": 1}))
	s.Emit(rec(2, "b", map[string]any{"x": 2}))

	events := s.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("sequence not monotonic: %d, %d", events[0].Seq, events[1].Seq)
	}
	if events[0].PayloadHash == "" || events[0].PayloadHash == events[1].PayloadHash {
		t.Error("payload hashes should be set and differ for differing payloads")
	}
}

func TestSink_BoundedRing(t *testing.T) {
	s := NewSink(3)
	for i := range 10 {
		s.Emit(rec(int64(i), "tick", i))
	}
	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(events))
	}
	// Oldest entries were discarded; sequence numbers keep counting.
	if events[0].Seq != 8 || events[2].Seq != 10 {
		t.Errorf("unexpected retained window: seq %d..%d", events[0].Seq, events[2].Seq)
	}
}

func TestHashPayload_CanonicalOrderIndependent(t *testing.T) {
	a := map[string]any{"alpha": 1, "beta": []any{"x", "y"}}
	b := map[string]any{"beta": []any{"x", "y"}, "alpha": 1}
	if HashPayload(a) != HashPayload(b) {
		t.Error("hash must not depend on map insertion order")
	}
	if HashPayload(a) == HashPayload(map[string]any{"alpha": 2}) {
		t.Error("different payloads must hash differently")
	}
}

func TestReplayDigest_Deterministic(t *testing.T) {
	build := func() *Sink {
		s := NewSink(64)
		s.Emit(rec(10, "inbound_event", map[string]any{"interaction_type": "response_required", "response_id": 1}))
		s.Emit(Record{
			TMS: 12, SessionID: "s1", CallID: "c1", TurnID: 1, Epoch: 1,
			WSState: "OPEN", ConvState: "SPEAKING", Type: "speech_segment",
			Payload:     map[string]any{"purpose": "ACK"},
			SegmentHash: HashSegment("Okay.", "ACK", 1, 1),
		})
		s.Emit(rec(20, "turn_complete", nil))
		return s
	}

	d1 := build().ReplayDigest()
	d2 := build().ReplayDigest()
	if d1 != d2 {
		t.Errorf("identical runs produced different digests:\n%s\n%s", d1, d2)
	}
	if len(d1) != 64 || strings.ToLower(d1) != d1 {
		t.Errorf("digest should be lowercase sha256 hex, got %q", d1)
	}

	// Any divergence changes the digest.
	s := build()
	s.Emit(rec(30, "extra", nil))
	if s.ReplayDigest() == d1 {
		t.Error("digest must change when the event stream changes")
	}
}

func TestSink_SchemaViolationsCounted(t *testing.T) {
	s := NewSink(8)
	s.Emit(Record{TMS: 1, SessionID: "", CallID: "c", TurnID: 0, Epoch: 0,
		WSState: "OPEN", ConvState: "LISTENING", Type: "x", Payload: nil})
	if s.SchemaViolations() != 1 {
		t.Errorf("expected 1 violation, got %d", s.SchemaViolations())
	}
}

func TestSink_WaitForType(t *testing.T) {
	s := NewSink(8)
	done := make(chan struct{})

	got := make(chan Event, 1)
	go func() {
		ev, ok := s.WaitForType(done, "needle")
		if ok {
			got <- ev
		}
		close(got)
	}()

	s.Emit(rec(1, "hay", nil))
	s.Emit(rec(2, "needle", nil))

	ev, ok := <-got
	if !ok {
		t.Fatal("waiter exited without finding event")
	}
	if ev.Type != "needle" {
		t.Errorf("expected needle, got %q", ev.Type)
	}
}

func TestSink_CountAndFirstOfType(t *testing.T) {
	s := NewSink(8)
	s.Emit(rec(1, "a", 1))
	s.Emit(rec(2, "b", 2))
	s.Emit(rec(3, "a", 3))

	if n := s.CountOfType("a"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	ev, ok := s.FirstOfType("a")
	if !ok || ev.TMS != 1 {
		t.Errorf("expected first 'a' at t=1, got %+v ok=%v", ev, ok)
	}
	if _, ok := s.FirstOfType("zzz"); ok {
		t.Error("found nonexistent type")
	}
}
