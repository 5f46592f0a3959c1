package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/queue"
	"github.com/evelabs/callbrain/internal/transport"
	"github.com/evelabs/callbrain/internal/wire"
)

// WriterConfig bounds the writer's transport behaviour.
type WriterConfig struct {
	WriteTimeoutMS              int
	CloseOnWriteTimeout         bool
	MaxConsecutiveWriteTimeouts int
}

// Writer is the ONLY goroutine that writes to the transport. It enforces the
// gate on turn-bound envelopes, lets control frames preempt in-flight speech
// sends, and escalates sustained write timeouts to session termination.
type Writer struct {
	conn     transport.Conn
	outbound *queue.Bounded[Envelope]
	inbound  *queue.Bounded[InboundItem]
	gate     *Gate
	clock    clock.Clock
	metrics  *observe.SessionMetrics
	cfg      WriterConfig
	shutdown *Shutdown

	consecutiveTimeouts int
}

// NewWriter creates a Writer. inbound may be nil in tests that do not assert
// fatal signalling.
func NewWriter(conn transport.Conn, outbound *queue.Bounded[Envelope],
	inbound *queue.Bounded[InboundItem], gate *Gate, clk clock.Clock,
	metrics *observe.SessionMetrics, cfg WriterConfig, shutdown *Shutdown) *Writer {
	if cfg.WriteTimeoutMS <= 0 {
		cfg.WriteTimeoutMS = 400
	}
	if cfg.MaxConsecutiveWriteTimeouts <= 0 {
		cfg.MaxConsecutiveWriteTimeouts = 2
	}
	return &Writer{
		conn:     conn,
		outbound: outbound,
		inbound:  inbound,
		gate:     gate,
		clock:    clk,
		metrics:  metrics,
		cfg:      cfg,
		shutdown: shutdown,
	}
}

// Run drains the outbound queue until it closes, shutdown fires, or a fatal
// transport condition escalates.
func (w *Writer) Run(ctx context.Context) {
	for !w.shutdown.IsSet() {
		env, err := w.outbound.GetPrefer(ctx, isControlEnvelope)
		if err != nil {
			return
		}

		snap := w.gate.Snapshot()
		if env.HasEpoch && env.Epoch != snap.Epoch {
			w.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
			continue
		}
		if env.HasSpeakGen && env.SpeakGen != snap.SpeakGen {
			w.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
			continue
		}
		// Never send a response frame for the wrong response_id.
		if resp, ok := env.Msg.(wire.OutboundResponse); ok && resp.ResponseID != snap.Epoch {
			w.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
			continue
		}

		payload, err := wire.EncodeOutbound(env.Msg)
		if err != nil {
			slog.Error("outbound encode failed", "response_type", env.Msg.ResponseType(), "err", err)
			continue
		}

		w.recordPingDelay(env)

		if env.Plane == PlaneControl || (!env.HasEpoch && !env.HasSpeakGen) {
			if fatal := w.send(ctx, env, string(payload)); fatal {
				return
			}
			continue
		}

		if fatal := w.sendSpeech(ctx, env, snap, string(payload)); fatal {
			return
		}
	}
}

// recordPingDelay tracks keepalive queue delay and missed deadlines.
func (w *Writer) recordPingDelay(env Envelope) {
	if env.Msg.ResponseType() != "ping_pong" {
		return
	}
	if env.EnqueuedMS > 0 {
		delay := max(0, w.clock.NowMS()-env.EnqueuedMS)
		w.metrics.Observe(observe.MetricKeepaliveQueueDelayMS, delay)
		if env.DeadlineMS > 0 && delay > env.DeadlineMS {
			w.metrics.Inc(observe.MetricKeepaliveMissedDeadline, 1)
		}
	}
	w.metrics.Inc(observe.MetricKeepaliveWriteAttempts, 1)
}

// send writes payload with the write-timeout budget. Returns true when the
// writer must stop (fatal escalation).
func (w *Writer) send(ctx context.Context, env Envelope, payload string) bool {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.conn.SendText(sendCtx, payload) }()

	timeout := w.after(sendCtx, w.clock.NowMS()+int64(w.cfg.WriteTimeoutMS))

	select {
	case err := <-done:
		return w.finishSend(env, err)
	case <-timeout:
		cancel()
		return w.writeTimedOut(env)
	}
}

// sendSpeech writes a gated speech envelope. The in-flight send is cancelled
// by a gate change or by a control envelope arriving; on control preemption
// the speech envelope is re-queued deterministically.
func (w *Writer) sendSpeech(ctx context.Context, env Envelope, snap GateSnapshot, payload string) bool {
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	done := make(chan error, 1)
	go func() { done <- w.conn.SendText(sendCtx, payload) }()

	timeout := w.after(sendCtx, w.clock.NowMS()+int64(w.cfg.WriteTimeoutMS))

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	controlCh := make(chan struct{})
	go func() {
		if err := w.outbound.WaitForAny(waitCtx, isControlEnvelope); err == nil {
			close(controlCh)
		}
	}()

	select {
	case err := <-done:
		return w.finishSend(env, err)

	case <-snap.Changed:
		cancelSend()
		w.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
		return false

	case <-controlCh:
		cancelSend()
		w.requeueSpeech(env)
		return false

	case <-timeout:
		cancelSend()
		return w.writeTimedOut(env)
	}
}

// requeueSpeech puts a preempted speech envelope back, evicting only queued
// lower-priority speech and never a terminal response frame.
func (w *Writer) requeueSpeech(env Envelope) {
	ok := w.outbound.Put(env, func(existing Envelope) bool {
		return existing.Plane == PlaneSpeech &&
			existing.Priority < env.Priority &&
			!wire.IsTerminalResponse(existing.Msg)
	})
	if !ok {
		w.metrics.Inc(observe.MetricOutboundQueueDropped, 1)
	}
}

// finishSend resolves a completed SendText call.
func (w *Writer) finishSend(env Envelope, err error) bool {
	if err == nil {
		w.consecutiveTimeouts = 0
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	slog.Warn("transport write failed", "response_type", env.Msg.ResponseType(), "err", err)
	w.signalFatal(ReasonTransportWrite)
	return true
}

// writeTimedOut counts a timeout and escalates after the configured run of
// consecutive misses.
func (w *Writer) writeTimedOut(env Envelope) bool {
	w.metrics.Inc(observe.MetricWriteTimeouts, 1)
	if env.Msg.ResponseType() == "ping_pong" {
		w.metrics.Inc(observe.MetricKeepaliveWriteTimeouts, 1)
	}
	w.consecutiveTimeouts++
	if w.cfg.CloseOnWriteTimeout && w.consecutiveTimeouts >= w.cfg.MaxConsecutiveWriteTimeouts {
		w.signalFatal(ReasonWriteBackpressure)
		return true
	}
	return false
}

// signalFatal tears the session down: the closure item always reaches the
// orchestrator, the shutdown signal fires, and the transport closes.
func (w *Writer) signalFatal(reason string) {
	if w.inbound != nil {
		w.inbound.Put(closedItem(reason), func(it InboundItem) bool {
			return it.Closed == nil
		})
	}
	w.shutdown.Set()
	_ = w.conn.Close(1011, reason)
}

// after returns a channel closed when the clock reaches deadlineMS; it stays
// open forever if ctx ends first.
func (w *Writer) after(ctx context.Context, deadlineMS int64) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if err := w.clock.SleepUntil(ctx, deadlineMS); err == nil {
			close(ch)
		}
	}()
	return ch
}
