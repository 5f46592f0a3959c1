// Package trace provides the deterministic, append-only event log that backs
// session replay.
//
// Every significant state transition (inbound event, speech segment, turn
// cancel, FSM change, timing marker) is appended as an [Event] whose payload
// is hashed over canonical JSON. The [Sink.ReplayDigest] over the full event
// stream is the session's replay fingerprint: two runs over identical logical
// inputs under the same clock must produce identical digests.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/evelabs/callbrain/internal/wire"
)

// Event is one entry in the bounded trace ring.
type Event struct {
	Seq         int64
	TMS         int64
	SessionID   string
	CallID      string
	TurnID      int
	Epoch       int
	WSState     string
	ConvState   string
	Type        string
	PayloadHash string
	SegmentHash string // empty unless the event describes a speech segment
}

// Record is the input to [Sink.Emit]; the sink assigns Seq and hashes Payload.
type Record struct {
	TMS         int64
	SessionID   string
	CallID      string
	TurnID      int
	Epoch       int
	WSState     string
	ConvState   string
	Type        string
	Payload     any
	SegmentHash string
}

// HashPayload returns the SHA-256 hex digest of v's canonical JSON encoding.
func HashPayload(v any) string {
	blob, err := wire.CanonicalJSON(v)
	if err != nil {
		// Canonical encoding only fails for values that cannot be marshalled
		// at all; hash the error text so the digest still moves.
		blob = []byte("unhashable:" + err.Error())
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// HashSegment returns the stable hash identifying a rendered speech segment
// within an epoch.
func HashSegment(rendered, purpose string, epoch, turnID int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%s|%s", epoch, turnID, purpose, rendered))
	return hex.EncodeToString(sum[:])
}

// Sink is the bounded, append-only trace log. Safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	seq    int64
	events []Event
	max    int

	// wake is closed and replaced on each append so waiters can re-scan.
	wake chan struct{}

	schemaViolations int64
}

// NewSink creates a Sink retaining at most maxEvents entries; older entries
// are discarded ring-buffer style. Panics if maxEvents <= 0.
func NewSink(maxEvents int) *Sink {
	if maxEvents <= 0 {
		panic("trace: maxEvents must be > 0")
	}
	return &Sink{max: maxEvents, wake: make(chan struct{})}
}

// Emit appends rec to the log, hashing its payload canonically.
func (s *Sink) Emit(rec Record) {
	ev := Event{
		TMS:         rec.TMS,
		SessionID:   rec.SessionID,
		CallID:      rec.CallID,
		TurnID:      rec.TurnID,
		Epoch:       rec.Epoch,
		WSState:     rec.WSState,
		ConvState:   rec.ConvState,
		Type:        rec.Type,
		PayloadHash: HashPayload(rec.Payload),
		SegmentHash: rec.SegmentHash,
	}

	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	if !validate(ev) {
		s.schemaViolations++
	}
	s.events = append(s.events, ev)
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// Events returns a copy of the retained events in append order.
func (s *Sink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of retained events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// SchemaViolations returns the number of emitted events that failed the
// internal shape check.
func (s *Sink) SchemaViolations() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaViolations
}

// FirstOfType returns the first retained event with the given type.
func (s *Sink) FirstOfType(eventType string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return Event{}, false
}

// CountOfType returns how many retained events have the given type.
func (s *Sink) CountOfType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// WaitForType blocks until an event with the given type has been emitted, or
// done is closed. Intended for tests synchronising with background workers.
func (s *Sink) WaitForType(done <-chan struct{}, eventType string) (Event, bool) {
	for {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.Type == eventType {
				s.mu.Unlock()
				return ev, true
			}
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-done:
			return Event{}, false
		}
	}
}

// ReplayDigest returns the SHA-256 hex digest over the pipe-separated
// serialization of all retained events.
func (s *Sink) ReplayDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for i, e := range s.events {
		if i > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%d:%d:%s:%s:%d:%d:%s:%s:%s:%s:%s",
			e.Seq, e.TMS, e.SessionID, e.CallID, e.TurnID, e.Epoch,
			e.WSState, e.ConvState, e.Type, e.PayloadHash, e.SegmentHash)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// validate checks the minimal shape every event must satisfy.
func validate(ev Event) bool {
	switch {
	case ev.Seq <= 0,
		ev.TMS < 0,
		ev.SessionID == "",
		ev.CallID == "",
		ev.TurnID < 0,
		ev.Epoch < 0,
		ev.WSState == "",
		ev.ConvState == "",
		ev.Type == "",
		ev.PayloadHash == "":
		return false
	}
	return true
}
