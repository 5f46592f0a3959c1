package speech

import (
	"strings"
	"testing"

	"github.com/evelabs/callbrain/internal/observe"
)

func TestSanitizeReasoningLeak(t *testing.T) {
	t.Run("removes reasoning phrases", func(t *testing.T) {
		out, changed := SanitizeReasoningLeak("Let me think about your request step by step before answering.")
		if !changed {
			t.Error("expected change")
		}
		low := strings.ToLower(out)
		if strings.Contains(low, "let me think") || strings.Contains(low, "step by step") {
			t.Errorf("reasoning phrasing survived: %q", out)
		}
	})

	t.Run("clean text untouched", func(t *testing.T) {
		out, changed := SanitizeReasoningLeak("We open at nine tomorrow.")
		if changed {
			t.Error("unexpected change")
		}
		if out != "We open at nine tomorrow." {
			t.Errorf("text mutated: %q", out)
		}
	})

	t.Run("fully scrubbed text falls back", func(t *testing.T) {
		out, changed := SanitizeReasoningLeak("Let me think")
		if !changed || out != "Got it." {
			t.Errorf("expected safe fallback, got %q (changed=%v)", out, changed)
		}
	})
}

func TestEnforcePlainLanguage(t *testing.T) {
	t.Run("replaces jargon", func(t *testing.T) {
		out, changed := EnforcePlainLanguage("We can facilitate a consultation to optimize your visit.")
		if !changed {
			t.Error("expected change")
		}
		low := strings.ToLower(out)
		for _, banned := range []string{"facilitate", "consultation", "optimize"} {
			if strings.Contains(low, banned) {
				t.Errorf("jargon %q survived: %q", banned, out)
			}
		}
	})

	t.Run("bounds sentence length", func(t *testing.T) {
		long := strings.Repeat("really ", 40) + "long sentence."
		out, _ := EnforcePlainLanguage(long)
		words := strings.Fields(out)
		if len(words) > guardMaxWordsPerSentence+1 {
			t.Errorf("sentence not truncated: %d words", len(words))
		}
	})

	t.Run("bounds clause count", func(t *testing.T) {
		out, _ := EnforcePlainLanguage("one, two, three, four, five, six.")
		if strings.Count(out, ",") > guardMaxClauses-1 {
			t.Errorf("clauses not truncated: %q", out)
		}
	})
}

func TestReadabilityGrade(t *testing.T) {
	if g := ReadabilityGrade(""); g != 1 {
		t.Errorf("empty text grade: %d", g)
	}
	simple := ReadabilityGrade("We can help. Call us today.")
	complexG := ReadabilityGrade("Comprehensive organizational restructuring necessitates extraordinarily deliberate interdepartmental communication methodologies.")
	if simple >= complexG {
		t.Errorf("simple text (%d) should grade below complex text (%d)", simple, complexG)
	}
}

func TestGuard_MetricsAndPipeline(t *testing.T) {
	m := observe.NewSessionMetrics(nil)
	out := Guard("Let me think. We can facilitate your visit.", m, GuardOptions{
		PlainLanguage:   true,
		NoReasoningLeak: true,
	})
	if strings.Contains(strings.ToLower(out), "facilitate") {
		t.Errorf("guarded text still has jargon: %q", out)
	}
	if m.Get(observe.MetricReasoningLeaks) != 1 {
		t.Error("reasoning leak not counted")
	}
	if m.Get(observe.MetricJargonViolations) != 1 {
		t.Error("jargon violation not counted")
	}
	if len(m.GetHist(observe.MetricReadabilityGrade)) != 1 {
		t.Error("readability grade not observed")
	}
}

func TestGuard_DisabledStagesPassThrough(t *testing.T) {
	out := Guard("We can facilitate a consult.", nil, GuardOptions{})
	if out != "We can facilitate a consult." {
		t.Errorf("disabled guard mutated text: %q", out)
	}
}
