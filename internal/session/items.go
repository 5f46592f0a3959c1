// Package session implements the per-call runtime: the reader and the single
// writer over the transport, the epoch/speak-generation gate, the
// orchestrator actor that owns all mutable call state, the per-epoch turn
// handler, and the speculative pre-computation path.
//
// One Session is created per platform call and destroyed when it ends. All
// cross-goroutine communication goes through the bounded queues and the turn
// output channel; the orchestrator is the only goroutine that mutates slot
// state, the transcript window, the epoch, and the FSMs.
package session

import (
	"sync"

	"github.com/evelabs/callbrain/internal/wire"
)

// Close reasons surfaced when a session terminates.
const (
	ReasonFrameTooLarge     = "FRAME_TOO_LARGE"
	ReasonBadJSON           = "BAD_JSON"
	ReasonWriteBackpressure = "WRITE_TIMEOUT_BACKPRESSURE"
	ReasonTransportRead     = "transport_read_error"
	ReasonTransportWrite    = "transport_write_error"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonQueueClosed       = "queue_closed"
)

// TransportClosed signals that the transport is gone and the session must
// terminate with the given reason.
type TransportClosed struct {
	Reason string
}

// InboundItem is one entry on the inbound queue: either a parsed platform
// event or a transport-closed signal. Exactly one field is set.
type InboundItem struct {
	Event  wire.Inbound
	Closed *TransportClosed
}

func eventItem(ev wire.Inbound) InboundItem {
	return InboundItem{Event: ev}
}

func closedItem(reason string) InboundItem {
	return InboundItem{Closed: &TransportClosed{Reason: reason}}
}

// isControlInbound marks the items the orchestrator dequeues ahead of
// transcript updates: transport closure, keepalives, clears, and the
// response-required family.
func isControlInbound(item InboundItem) bool {
	if item.Closed != nil {
		return true
	}
	switch item.Event.(type) {
	case wire.InboundPing, wire.InboundClear, wire.InboundResponseRequired, wire.InboundReminderRequired:
		return true
	}
	return false
}

// Shutdown is the session's idempotent termination signal.
type Shutdown struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdown creates an unset shutdown signal.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Set marks the session as shutting down. Safe to call multiple times.
func (s *Shutdown) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed once Set has been called.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

// IsSet reports whether Set has been called.
func (s *Shutdown) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
