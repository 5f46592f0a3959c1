package session

import "testing"

func TestGate_SetEpochResetsSpeakGen(t *testing.T) {
	g := NewGate()
	g.BumpSpeakGen()
	g.BumpSpeakGen()
	if got := g.SpeakGen(); got != 2 {
		t.Fatalf("speak gen = %d, want 2", got)
	}

	g.SetEpoch(3)
	snap := g.Snapshot()
	if snap.Epoch != 3 || snap.SpeakGen != 0 {
		t.Fatalf("snapshot = (%d, %d), want (3, 0)", snap.Epoch, snap.SpeakGen)
	}
}

func TestGate_ChangePulse(t *testing.T) {
	g := NewGate()
	snap := g.Snapshot()

	select {
	case <-snap.Changed:
		t.Fatal("changed fired before any mutation")
	default:
	}

	g.BumpSpeakGen()
	select {
	case <-snap.Changed:
	default:
		t.Fatal("changed did not fire after bump")
	}

	// The pulse re-arms: a fresh snapshot sees exactly the next change.
	snap2 := g.Snapshot()
	select {
	case <-snap2.Changed:
		t.Fatal("stale pulse leaked into the re-armed channel")
	default:
	}
	g.SetEpoch(1)
	select {
	case <-snap2.Changed:
	default:
		t.Fatal("changed did not fire after epoch set")
	}
}

func TestGate_VersionMonotonic(t *testing.T) {
	g := NewGate()
	v0 := g.Snapshot().Version
	g.BumpSpeakGen()
	g.SetEpoch(2)
	if v := g.Snapshot().Version; v != v0+2 {
		t.Fatalf("version = %d, want %d", v, v0+2)
	}
}
