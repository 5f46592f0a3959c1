package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/queue"
	"github.com/evelabs/callbrain/internal/transport"
	"github.com/evelabs/callbrain/internal/wire"
)

// Reader pulls frames off the transport, validates them, and feeds the
// inbound queue under the per-kind overflow policy. Exactly one reader runs
// per session.
type Reader struct {
	conn          transport.Conn
	inbound       *queue.Bounded[InboundItem]
	metrics       *observe.SessionMetrics
	maxFrameBytes int
	callID        string
}

// NewReader creates a Reader.
func NewReader(conn transport.Conn, inbound *queue.Bounded[InboundItem],
	metrics *observe.SessionMetrics, maxFrameBytes int, callID string) *Reader {
	return &Reader{
		conn:          conn,
		inbound:       inbound,
		metrics:       metrics,
		maxFrameBytes: maxFrameBytes,
		callID:        callID,
	}
}

// Run reads until the transport fails, a fatal frame arrives, or shutdown is
// signalled. Fatal conditions enqueue a TransportClosed item; schema errors
// drop the frame and continue.
func (r *Reader) Run(ctx context.Context, shutdown *Shutdown) {
	for !shutdown.IsSet() {
		raw, err := r.conn.RecvText(ctx)
		if err != nil {
			if !shutdown.IsSet() && ctx.Err() == nil {
				r.signalClosed(ReasonTransportRead)
			}
			return
		}

		if r.maxFrameBytes > 0 && len(raw) > r.maxFrameBytes {
			slog.Warn("inbound frame over byte limit",
				"call_id", r.callID, "size_bytes", len(raw), "limit", r.maxFrameBytes)
			r.signalClosed(ReasonFrameTooLarge)
			return
		}

		ev, err := wire.ParseInbound([]byte(raw))
		if err != nil {
			if errors.Is(err, wire.ErrBadSchema) {
				// Schema drift must not tear down a live call.
				r.metrics.Inc(observe.MetricInboundBadSchema, 1)
				slog.Debug("dropped bad-schema frame", "call_id", r.callID, "err", err)
				continue
			}
			r.signalClosed(ReasonBadJSON)
			return
		}

		if !r.enqueue(ev) {
			r.metrics.Inc(observe.MetricInboundQueueDropped, 1)
		}
	}
}

// enqueue applies the per-kind inbound overflow policy.
func (r *Reader) enqueue(ev wire.Inbound) bool {
	switch typed := ev.(type) {
	case wire.InboundUpdateOnly:
		// Keep only the latest transcript snapshot.
		r.inbound.DropWhere(func(it InboundItem) bool {
			_, ok := it.Event.(wire.InboundUpdateOnly)
			return ok
		})
		return r.inbound.Put(eventItem(ev), nil)

	case wire.InboundResponseRequired, wire.InboundReminderRequired:
		ok := r.inbound.Put(eventItem(ev), func(it InboundItem) bool {
			switch it.Event.(type) {
			case wire.InboundUpdateOnly, wire.InboundPing, wire.InboundCallDetails:
				return true
			}
			return false
		})
		if !ok {
			// Extreme overload: shed an older epoch to keep the newest.
			newID := responseID(typed)
			ok = r.inbound.Put(eventItem(ev), func(it InboundItem) bool {
				old, isOld := epochOf(it.Event)
				return isOld && old < newID
			})
		}
		return ok

	case wire.InboundPing, wire.InboundClear:
		// Keepalive and interruption signals must never be starved by
		// update-only floods.
		if r.inbound.Put(eventItem(ev), nil) {
			return true
		}
		if r.inbound.EvictOneWhere(func(it InboundItem) bool {
			_, ok := it.Event.(wire.InboundUpdateOnly)
			return ok
		}) {
			r.metrics.Inc(observe.MetricInboundQueueEvictions, 1)
			return r.inbound.Put(eventItem(ev), nil)
		}
		return false

	default:
		// call_details: best effort, dropped when full.
		return r.inbound.Put(eventItem(ev), func(it InboundItem) bool {
			_, ok := it.Event.(wire.InboundUpdateOnly)
			return ok
		})
	}
}

// signalClosed delivers a TransportClosed item, evicting any ordinary event
// if the queue is full — the closure must always get through.
func (r *Reader) signalClosed(reason string) {
	r.inbound.Put(closedItem(reason), func(it InboundItem) bool {
		return it.Closed == nil
	})
}

func responseID(ev wire.Inbound) int {
	id, _ := epochOf(ev)
	return id
}

// epochOf extracts the response_id from response/reminder events.
func epochOf(ev wire.Inbound) (int, bool) {
	switch typed := ev.(type) {
	case wire.InboundResponseRequired:
		return typed.ResponseID, true
	case wire.InboundReminderRequired:
		return typed.ResponseID, true
	}
	return 0, false
}
