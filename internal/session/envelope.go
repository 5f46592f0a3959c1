package session

import "github.com/evelabs/callbrain/internal/wire"

// Plane separates outbound traffic: control frames preempt speech but never
// evict it past terminal response frames.
type Plane string

// Planes.
const (
	PlaneControl Plane = "control"
	PlaneSpeech  Plane = "speech"
)

// Envelope wraps an outbound message with the gating, priority, and deadline
// metadata the writer needs. Only Msg is ever serialized to the wire.
type Envelope struct {
	Msg wire.Outbound

	// Epoch/SpeakGen tag turn-bound envelopes for gate checks. HasEpoch /
	// HasSpeakGen distinguish "untagged" from epoch 0.
	Epoch       int
	HasEpoch    bool
	SpeakGen    int
	HasSpeakGen bool

	Priority   int
	Plane      Plane
	EnqueuedMS int64

	// DeadlineMS, when > 0, is the queue-delay budget for this envelope
	// (attached to keepalive pings); misses are counted, not fatal.
	DeadlineMS int64
}

// PlaneOf classifies a message: config, agent tuning, and keepalive frames
// ride the control plane, everything else is speech.
func PlaneOf(msg wire.Outbound) Plane {
	switch msg.ResponseType() {
	case "config", "update_agent", "ping_pong":
		return PlaneControl
	}
	return PlaneSpeech
}

// DefaultPriority returns the envelope priority used when the producer does
// not override it. Higher sends first within the eviction policy; terminal
// response frames share the top priority with config.
func DefaultPriority(msg wire.Outbound) int {
	switch msg.ResponseType() {
	case "config":
		return 100
	case "update_agent":
		return 90
	case "ping_pong":
		return 80
	case "tool_call_invocation", "tool_call_result":
		return 70
	case "agent_interrupt":
		return 60
	case "metadata":
		return 10
	case "response":
		if wire.IsTerminalResponse(msg) {
			return 100
		}
		return 50
	}
	return 50
}

// isControlEnvelope is the writer's preferred-dequeue predicate.
func isControlEnvelope(env Envelope) bool {
	return env.Plane == PlaneControl
}

// isPendingSpeechFor matches queued non-terminal response frames for epoch.
func isPendingSpeechFor(epoch int) func(Envelope) bool {
	return func(env Envelope) bool {
		if !env.HasEpoch || env.Epoch != epoch {
			return false
		}
		r, ok := env.Msg.(wire.OutboundResponse)
		return ok && !r.ContentComplete
	}
}
