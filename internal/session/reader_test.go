package session

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/queue"
	"github.com/evelabs/callbrain/internal/wire"
)

func runReader(t *testing.T, queueMax, maxFrameBytes int, frames ...string) (*queue.Bounded[InboundItem], *observe.SessionMetrics) {
	t.Helper()
	conn := newFakeConn()
	for _, f := range frames {
		conn.recvCh <- f
	}
	_ = conn.Close(1000, "eof")

	inbound := queue.NewBounded[InboundItem](queueMax)
	metrics := observe.NewSessionMetrics(nil)
	r := NewReader(conn, inbound, metrics, maxFrameBytes, "call-test")

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), NewShutdown())
		close(done)
	}()
	<-done
	return inbound, metrics
}

func drainInbound(t *testing.T, q *queue.Bounded[InboundItem]) []InboundItem {
	t.Helper()
	var items []InboundItem
	for q.Len() > 0 {
		item, err := q.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		items = append(items, item)
	}
	return items
}

func TestReader_FrameTooLargeClosesSession(t *testing.T) {
	big := `{"interaction_type":"update_only","transcript":[{"role":"user","content":"` +
		strings.Repeat("a", 2048) + `"}]}`
	inbound, _ := runReader(t, 16, 256, big)

	items := drainInbound(t, inbound)
	if len(items) != 1 || items[0].Closed == nil {
		t.Fatalf("items = %+v, want one TransportClosed", items)
	}
	if items[0].Closed.Reason != ReasonFrameTooLarge {
		t.Errorf("reason = %q, want %q", items[0].Closed.Reason, ReasonFrameTooLarge)
	}
}

func TestReader_BadJSONClosesSession(t *testing.T) {
	inbound, _ := runReader(t, 16, 0, `{"interaction_type":`)

	items := drainInbound(t, inbound)
	if len(items) != 1 || items[0].Closed == nil || items[0].Closed.Reason != ReasonBadJSON {
		t.Fatalf("items = %+v, want TransportClosed(BAD_JSON)", items)
	}
}

func TestReader_BadSchemaDroppedSessionContinues(t *testing.T) {
	inbound, metrics := runReader(t, 16, 0,
		`{"interaction_type":"no_such_kind"}`,
		`{"interaction_type":"ping_pong","timestamp":7}`,
	)

	if got := metrics.Get(observe.MetricInboundBadSchema); got != 1 {
		t.Errorf("bad_schema = %d, want 1", got)
	}
	items := drainInbound(t, inbound)
	// The bad frame is gone; the ping and the EOF closure remain.
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if _, ok := items[0].Event.(wire.InboundPing); !ok {
		t.Errorf("first item = %T, want InboundPing", items[0].Event)
	}
}

func TestReader_TranscriptUpdateKeepsOnlyLatest(t *testing.T) {
	frames := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		frames = append(frames, fmt.Sprintf(
			`{"interaction_type":"update_only","transcript":[{"role":"user","content":"v%d"}]}`, i))
	}
	inbound, _ := runReader(t, 16, 0, frames...)

	items := drainInbound(t, inbound)
	var updates []wire.InboundUpdateOnly
	for _, it := range items {
		if u, ok := it.Event.(wire.InboundUpdateOnly); ok {
			updates = append(updates, u)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1 (only latest kept)", len(updates))
	}
	if got := wire.LastUserText(updates[0].Transcript); got != "v5" {
		t.Errorf("latest update = %q, want v5", got)
	}
}

func TestReader_ResponseRequiredEvictsUpdatesWhenFull(t *testing.T) {
	// Queue of 2 pre-filled with update + call_details; response_required must
	// still get in by evicting them.
	inbound, _ := runReader(t, 2, 0,
		`{"interaction_type":"call_details","call":{}}`,
		`{"interaction_type":"update_only","transcript":[]}`,
		`{"interaction_type":"response_required","response_id":1,"transcript":[]}`,
	)

	items := drainInbound(t, inbound)
	found := false
	for _, it := range items {
		if _, ok := it.Event.(wire.InboundResponseRequired); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("response_required was not admitted under overflow")
	}
}

func TestReader_PingEvictsTranscriptUpdateWhenFull(t *testing.T) {
	// Capacity 2 so the final EOF closure does not displace the ping.
	inbound, metrics := runReader(t, 2, 0,
		`{"interaction_type":"update_only","transcript":[]}`,
		`{"interaction_type":"call_details","call":{}}`,
		`{"interaction_type":"ping_pong","timestamp":42}`,
	)

	items := drainInbound(t, inbound)
	var ping *wire.InboundPing
	for _, it := range items {
		if p, ok := it.Event.(wire.InboundPing); ok {
			ping = &p
		}
	}
	if ping == nil || ping.Timestamp != 42 {
		t.Fatalf("items = %+v, want ping 42 admitted", items)
	}
	if got := metrics.Get(observe.MetricInboundQueueEvictions); got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}
