package session

import "sync"

// Gate is the (epoch, speak_gen) pair guarding outbound emission. The
// orchestrator is its only writer; the writer goroutine observes it through
// snapshots and the edge-triggered change channel.
//
// Every queued outbound envelope carrying a gate tag that no longer matches
// the current gate is discarded rather than sent.
type Gate struct {
	mu       sync.Mutex
	epoch    int
	speakGen int
	version  int
	changed  chan struct{}
}

// GateSnapshot is an atomic view of the gate plus the change channel armed at
// snapshot time. Changed is closed exactly once, on the next gate mutation
// after the snapshot was taken.
type GateSnapshot struct {
	Epoch    int
	SpeakGen int
	Version  int
	Changed  <-chan struct{}
}

// NewGate creates a gate at epoch 0, speak generation 0.
func NewGate() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// Snapshot returns the current gate values and change channel.
func (g *Gate) Snapshot() GateSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateSnapshot{
		Epoch:    g.epoch,
		SpeakGen: g.speakGen,
		Version:  g.version,
		Changed:  g.changed,
	}
}

// SetEpoch moves the gate to a new epoch and resets the speak generation.
func (g *Gate) SetEpoch(epoch int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch = epoch
	g.speakGen = 0
	g.pulseLocked()
}

// BumpSpeakGen invalidates queued speech for the current epoch and returns
// the new generation.
func (g *Gate) BumpSpeakGen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speakGen++
	g.pulseLocked()
	return g.speakGen
}

// Epoch returns the current epoch.
func (g *Gate) Epoch() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// SpeakGen returns the current speak generation.
func (g *Gate) SpeakGen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speakGen
}

// pulseLocked wakes any in-flight observer exactly once, then re-arms.
func (g *Gate) pulseLocked() {
	g.version++
	close(g.changed)
	g.changed = make(chan struct{})
}
