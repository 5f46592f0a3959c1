package speech

import (
	"regexp"
	"strings"

	"github.com/evelabs/callbrain/internal/observe"
)

// The voice guard keeps spoken output conversational: it scrubs
// reasoning-style phrasing the platform should never voice, replaces jargon
// with plain words, bounds sentence shape, and records a readability grade.

var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\blet me think\b`),
	regexp.MustCompile(`(?i)\bhere('?| i)s my reasoning\b`),
	regexp.MustCompile(`(?i)\bstep by step\b`),
	regexp.MustCompile(`(?i)\bi('?| a)m analyz(?:ing|e)\b`),
	regexp.MustCompile(`(?i)\bmy thought process\b`),
	regexp.MustCompile(`(?i)\bi(?:\s+will)?\s+reason\b`),
}

// jargonReplacements maps clinical/ops jargon to plain words. Order-stable
// application keeps the guard deterministic.
var jargonReplacements = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)\beligibility\b`), "fit"},
	{regexp.MustCompile(`(?i)\bprocedures\b`), "treatments"},
	{regexp.MustCompile(`(?i)\bprocedure\b`), "treatment"},
	{regexp.MustCompile(`(?i)\bconsultation\b`), "visit"},
	{regexp.MustCompile(`(?i)\bconsult\b`), "visit"},
	{regexp.MustCompile(`(?i)\boptimize\b`), "improve"},
	{regexp.MustCompile(`(?i)\butilize\b`), "use"},
	{regexp.MustCompile(`(?i)\bfacilitate\b`), "help"},
	{regexp.MustCompile(`(?i)\binitiate\b`), "start"},
	{regexp.MustCompile(`(?i)\bescalate\b`), "route"},
	{regexp.MustCompile(`(?i)\bthroughput\b`), "flow"},
	{regexp.MustCompile(`(?i)\bbandwidth\b`), "time"},
	{regexp.MustCompile(`(?i)\boperational\b`), "day-to-day"},
}

var (
	guardSentencePat = regexp.MustCompile(`([.!?])`)
	clausePat        = regexp.MustCompile(`[,;]`)
	wordPat          = regexp.MustCompile(`\b[\w']+\b`)
	vowelGroupPat    = regexp.MustCompile(`[aeiouy]+`)
	nonAlphaPat      = regexp.MustCompile(`[^a-z]`)
	sentenceEndPat   = regexp.MustCompile(`[.!?]+`)
)

// guardMaxWordsPerSentence and guardMaxClauses bound sentence shape in plain
// language mode.
const (
	guardMaxWordsPerSentence = 18
	guardMaxClauses          = 3
)

// GuardOptions selects which guard stages run.
type GuardOptions struct {
	PlainLanguage   bool
	NoReasoningLeak bool
}

// Guard applies the configured stages to text, records guard metrics, and
// returns the cleaned text. Empty results collapse to a safe short phrase.
func Guard(text string, m *observe.SessionMetrics, opts GuardOptions) string {
	out := text

	if opts.NoReasoningLeak {
		scrubbed, changed := SanitizeReasoningLeak(out)
		if changed && m != nil {
			m.Inc(observe.MetricReasoningLeaks, 1)
		}
		out = scrubbed
	}

	if opts.PlainLanguage {
		plain, changed := EnforcePlainLanguage(out)
		if changed && m != nil {
			m.Inc(observe.MetricJargonViolations, 1)
		}
		out = plain
	}

	if m != nil {
		m.Observe(observe.MetricReadabilityGrade, int64(ReadabilityGrade(out)))
	}
	return normalizeSpaces(out)
}

// SanitizeReasoningLeak removes reasoning-style phrasing. Returns the cleaned
// text and whether anything was removed.
func SanitizeReasoningLeak(text string) (string, bool) {
	out := text
	changed := false
	for _, pat := range reasoningPatterns {
		next := pat.ReplaceAllString(out, "")
		if next != out {
			changed = true
			out = next
		}
	}
	out = normalizeSpaces(out)
	if out == "" {
		return "Got it.", true
	}
	return out, changed
}

// EnforcePlainLanguage replaces jargon and bounds sentence shape. Returns the
// shaped text and whether anything changed.
func EnforcePlainLanguage(text string) (string, bool) {
	out := text
	changed := false
	for _, jr := range jargonReplacements {
		next := jr.pattern.ReplaceAllString(out, jr.repl)
		if next != out {
			changed = true
			out = next
		}
	}
	shaped := enforceSentenceShape(out)
	if shaped != out {
		changed = true
	}
	return normalizeSpaces(shaped), changed
}

// enforceSentenceShape truncates runaway sentences: at most
// guardMaxClauses comma/semicolon clauses and guardMaxWordsPerSentence words
// per sentence.
func enforceSentenceShape(text string) string {
	parts := guardSentencePat.Split(text, -1)
	puncts := guardSentencePat.FindAllString(text, -1)

	var rebuilt []string
	for i, sent := range parts {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		punct := ""
		if i < len(puncts) {
			punct = puncts[i]
		}

		clauses := clausePat.Split(sent, -1)
		kept := clauses[:0]
		for _, c := range clauses {
			c = strings.TrimSpace(c)
			if c != "" {
				kept = append(kept, c)
			}
		}
		if len(kept) > guardMaxClauses {
			kept = kept[:guardMaxClauses]
		}
		sent = strings.Join(kept, ", ")

		words := strings.Fields(sent)
		if len(words) > guardMaxWordsPerSentence {
			words = words[:guardMaxWordsPerSentence]
			sent = strings.Join(words, " ")
		}
		rebuilt = append(rebuilt, strings.TrimSpace(sent+punct))
	}

	out := strings.TrimSpace(strings.Join(rebuilt, " "))
	if out == "" {
		return "Got it."
	}
	return out
}

// ReadabilityGrade estimates a Flesch-Kincaid style grade level (>= 1).
func ReadabilityGrade(text string) int {
	txt := normalizeSpaces(text)
	if txt == "" {
		return 1
	}
	sentences := 0
	for _, s := range sentenceEndPat.Split(txt, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	words := wordPat.FindAllString(txt, -1)
	if len(words) == 0 {
		return 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	grade := 0.39*(float64(len(words))/float64(sentences)) +
		11.8*(float64(syllables)/float64(len(words))) - 15.59
	if grade < 1 {
		return 1
	}
	return int(grade + 0.5)
}

func countSyllables(word string) int {
	w := nonAlphaPat.ReplaceAllString(strings.ToLower(word), "")
	if w == "" {
		return 1
	}
	n := len(vowelGroupPat.FindAllString(w, -1))
	if n == 0 {
		n = 1
	}
	if strings.HasSuffix(w, "e") && n > 1 {
		n--
	}
	return n
}

func normalizeSpaces(text string) string {
	return strings.TrimSpace(spacePat.ReplaceAllString(text, " "))
}
