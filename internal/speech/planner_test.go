package speech

import (
	"strings"
	"testing"

	"github.com/evelabs/callbrain/internal/observe"
)

func defaultParams(purpose Purpose) Params {
	return Params{
		MaxExpectedMS:        650,
		PaceMSPerChar:        12,
		Purpose:              purpose,
		Interruptible:        true,
		Mode:                 MarkupDashPause,
		DashPauseUnitMS:      200,
		DigitDashPauseUnitMS: 150,
		Scope:                PauseProtectedOnly,
	}
}

func TestMicroChunk_EmptyAndWhitespace(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		if segs := MicroChunk(text, defaultParams(PurposeContent)); len(segs) != 0 {
			t.Errorf("expected no segments for %q, got %d", text, len(segs))
		}
	}
}

func TestMicroChunk_Deterministic(t *testing.T) {
	text := "We can book you tomorrow morning, or Thursday afternoon if that works better. Does either fit?"
	a := MicroChunk(text, defaultParams(PurposeContent))
	b := MicroChunk(text, defaultParams(PurposeContent))
	if len(a) == 0 {
		t.Fatal("expected segments")
	}
	if len(a) != len(b) {
		t.Fatalf("nondeterministic segment count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Rendered != b[i].Rendered || a[i].ExpectedMS != b[i].ExpectedMS {
			t.Errorf("segment %d differs across runs", i)
		}
	}
}

func TestMicroChunk_RespectsSegmentBudget(t *testing.T) {
	text := strings.Repeat("we should talk about this at length because there is a lot to cover ", 6)
	segs := MicroChunk(text, defaultParams(PurposeContent))
	if len(segs) < 2 {
		t.Fatalf("expected long text to split, got %d segments", len(segs))
	}
	for _, s := range segs {
		if s.ExpectedMS > 650 {
			t.Errorf("segment %d exceeds budget: %dms (%q)", s.Index, s.ExpectedMS, s.Plain)
		}
	}
}

func TestMicroChunk_SingleOversizedWordRunDoesNotLoop(t *testing.T) {
	// A clause with no commas or conjunctions longer than the budget must be
	// split by words.
	text := strings.Repeat("word ", 40)
	segs := MicroChunk(text, defaultParams(PurposeContent))
	if len(segs) < 2 {
		t.Fatalf("expected word-level split, got %d segments", len(segs))
	}
}

func TestMicroChunk_ProtectedPhoneConfirm(t *testing.T) {
	segs := MicroChunk("last four are 4567, right?", defaultParams(PurposeConfirm))
	if len(segs) == 0 {
		t.Fatal("expected segments")
	}
	joined := ""
	for _, s := range segs {
		joined += s.Rendered
	}
	if !strings.Contains(joined, "4 - 5 - 6 - 7") {
		t.Errorf("expected digits joined by spaced dashes, got %q", joined)
	}
	if strings.Contains(joined, "<break") {
		t.Errorf("SSML markup leaked into dash-pause mode: %q", joined)
	}
	// "last four are 4567" estimates 18*12 + 3*150 = 666ms, over the 650ms
	// budget, so the digits are split into a segment of their own.
	found := false
	for _, s := range segs {
		if strings.Contains(s.Plain, "4567") {
			found = true
			if !s.ContainsProtected {
				t.Errorf("protected span not detected in %q", s.Plain)
			}
		}
	}
	if !found {
		t.Error("no segment carries the digits 4567")
	}
}

func TestMicroChunk_GenericDigitsNotSlowReadInContent(t *testing.T) {
	segs := MicroChunk("We have 3 openings this week.", defaultParams(PurposeContent))
	joined := ""
	for _, s := range segs {
		joined += s.Rendered
	}
	if strings.Contains(joined, "3 - ") {
		t.Errorf("generic digits must not be slow-read outside CONFIRM/REPAIR: %q", joined)
	}
}

func TestMicroChunk_PhoneAlwaysSlowRead(t *testing.T) {
	segs := MicroChunk("You can reach us at 214 555 0142 any time.", defaultParams(PurposeContent))
	joined := ""
	for _, s := range segs {
		joined += s.Rendered
	}
	if !strings.Contains(joined, "2 - 1 - 4") {
		t.Errorf("phone number must always be slow-read: %q", joined)
	}
}

func TestMicroChunk_WordBoundaryPreservedAcrossChunks(t *testing.T) {
	text := "First we check the schedule and then we confirm the time and then we are done here today"
	segs := MicroChunk(text, defaultParams(PurposeContent))
	if len(segs) < 2 {
		t.Skip("text did not split; boundary rule not exercised")
	}
	var joined strings.Builder
	for _, s := range segs {
		joined.WriteString(s.Rendered)
	}
	full := joined.String()
	// No adjacent alphanumerics across any join point: the concatenation must
	// contain every plain word intact.
	for _, word := range strings.Fields(text) {
		if !strings.Contains(full, word) {
			t.Errorf("word %q damaged by chunk join in %q", word, full)
		}
	}
	for i := 0; i < len(segs)-1; i++ {
		cur := segs[i].Rendered
		next := segs[i+1].Rendered
		if cur == "" || next == "" {
			continue
		}
		last := cur[len(cur)-1]
		first := rune(next[0])
		if !isSpaceByte(last) && isAlnum(rune(last)) && isAlnum(first) {
			t.Errorf("segments %d/%d join without whitespace: %q + %q", i, i+1, cur, next)
		}
	}
}

func TestMicroChunk_SSMLMode(t *testing.T) {
	p := defaultParams(PurposeContent)
	p.Mode = MarkupSSML
	segs := MicroChunk("One thing. Another thing. A third thing to say here.", p)
	if len(segs) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segs))
	}
	if !strings.Contains(segs[0].Rendered, `<break time="`) {
		t.Errorf("expected SSML break in non-final segment: %q", segs[0].Rendered)
	}
	lastSeg := segs[len(segs)-1]
	if strings.Contains(lastSeg.Rendered, "<break") {
		t.Errorf("final segment should have no trailing break: %q", lastSeg.Rendered)
	}
}

func TestMicroChunk_RawTextModeNoPauses(t *testing.T) {
	p := defaultParams(PurposeContent)
	p.Mode = MarkupRawText
	segs := MicroChunk("One thing. Another thing entirely.", p)
	for _, s := range segs {
		if strings.Contains(s.Rendered, "<break") {
			t.Errorf("raw mode emitted SSML: %q", s.Rendered)
		}
	}
}

func TestMicroChunk_MonologueCheckin(t *testing.T) {
	p := defaultParams(PurposeContent)
	p.MaxMonologueMS = 1500
	text := strings.Repeat("Here is one more detail about the plan that matters. ", 10)
	segs := MicroChunk(text, p)

	found := false
	for _, s := range segs {
		if s.Purpose == PurposeClarify && s.Plain == "Want me to keep going?" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected a check-in segment once monologue budget was exceeded")
	}
}

func TestMicroChunk_DeterministicBreakMS(t *testing.T) {
	if detBreakMS(0) != 150 {
		t.Errorf("index 0 break: got %d", detBreakMS(0))
	}
	for i := range 50 {
		b := detBreakMS(i)
		if b < 150 || b > 400 {
			t.Errorf("break %d out of [150,400]: %d", i, b)
		}
	}
}

func TestBuildPlan_StablePlanID(t *testing.T) {
	m := observe.NewSessionMetrics(nil)
	segs := MicroChunk("Hello there.", defaultParams(PurposeContent))

	p1 := BuildPlan("s1", "c1", 2, 2, 1000, PurposeContent, segs, nil, false, m)
	p2 := BuildPlan("s1", "c1", 2, 2, 2000, PurposeContent, segs, nil, false, nil)
	if p1.PlanID != p2.PlanID {
		t.Error("plan id must depend only on wire-visible content, not creation time")
	}

	p3 := BuildPlan("s1", "c1", 3, 3, 1000, PurposeContent, segs, nil, false, nil)
	if p1.PlanID == p3.PlanID {
		t.Error("plan id must change with epoch")
	}

	if got := m.GetHist(observe.MetricSegmentCountPerTurn); len(got) != 1 {
		t.Error("segment count metric not recorded")
	}
}

func TestEnforceToolGroundingOrFallback(t *testing.T) {
	m := observe.NewSessionMetrics(nil)

	t.Run("grounded plan passes through", func(t *testing.T) {
		p := defaultParams(PurposeContent)
		p.RequiresToolEvidence = true
		p.ToolEvidenceIDs = []string{"s1:tool:1"}
		plan := BuildPlan("s1", "c1", 1, 1, 0, PurposeContent,
			MicroChunk("It's one twenty.", p), nil, false, nil)
		out := EnforceToolGroundingOrFallback(plan, m)
		if out.Reason != PurposeContent {
			t.Errorf("grounded plan replaced: %s", out.Reason)
		}
	})

	t.Run("ungrounded plan replaced by non-numeric fallback", func(t *testing.T) {
		p := defaultParams(PurposeContent)
		p.RequiresToolEvidence = true
		plan := BuildPlan("s1", "c1", 1, 1, 0, PurposeContent,
			MicroChunk("It's $120.", p), nil, false, nil)
		out := EnforceToolGroundingOrFallback(plan, m)
		if out.Reason != PurposeError {
			t.Fatalf("expected ERROR fallback, got %s", out.Reason)
		}
		for _, s := range out.Segments {
			for _, r := range s.Rendered {
				if r >= '0' && r <= '9' {
					t.Errorf("fallback contains digit: %q", s.Rendered)
				}
			}
		}
		if m.Get(observe.MetricGroundingViolations) != 1 {
			t.Error("violation counter not incremented")
		}
		if m.Get(observe.MetricFallbacksUsed) != 1 {
			t.Error("fallback counter not incremented")
		}
	})
}

func TestMicroChunk_CacheHit(t *testing.T) {
	p := defaultParams(PurposeContent)
	text := "A phrase used on the hot path."
	first := MicroChunk(text, p)
	second := MicroChunk(text, p)
	if len(first) != len(second) {
		t.Fatal("cache returned different shape")
	}
	// Returned slices must be independent copies.
	second[0].Rendered = "mutated"
	third := MicroChunk(text, p)
	if third[0].Rendered == "mutated" {
		t.Error("cache aliases returned segments")
	}
}

func TestFindProtectedSpans(t *testing.T) {
	tests := []struct {
		name string
		text string
		want SpanKind
	}{
		{"phone", "call 214-555-0142 today", SpanPhone},
		{"price", "that is $120 total", SpanPrice},
		{"time", "we open at 9:30 AM", SpanTime},
		{"digits", "last four are 4567", SpanDigits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := FindProtectedSpans(tt.text)
			found := false
			for _, s := range spans {
				if s.Kind == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s span in %q, got %+v", tt.want, tt.text, spans)
			}
		})
	}

	t.Run("digits inside phone not double marked", func(t *testing.T) {
		spans := FindProtectedSpans("214 555 0142")
		for _, s := range spans {
			if s.Kind == SpanDigits {
				t.Errorf("phone digits double-marked: %+v", spans)
			}
		}
	})
}

func TestChunker_Streaming(t *testing.T) {
	c := NewChunker(defaultParams(PurposeContent))

	if segs := c.Push("We can "); len(segs) != 0 {
		t.Errorf("flushed mid-sentence: %v", segs)
	}
	segs := c.Push("book that for you.")
	if len(segs) == 0 {
		t.Fatal("sentence-final punctuation should flush")
	}

	if segs := c.Push("And one more"); len(segs) != 0 {
		t.Error("partial tail flushed early")
	}
	final := c.FlushFinal()
	if len(final) == 0 {
		t.Fatal("final flush lost buffered text")
	}
	if got := final[len(final)-1].Plain; !strings.Contains(got, "one more") {
		t.Errorf("tail text lost: %q", got)
	}
}

func TestSegmentHash_StablePerEpoch(t *testing.T) {
	segs := MicroChunk("Okay.", defaultParams(PurposeAck))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Hash(1, 1) != segs[0].Hash(1, 1) {
		t.Error("hash unstable")
	}
	if segs[0].Hash(1, 1) == segs[0].Hash(2, 2) {
		t.Error("hash must vary with epoch")
	}
}
