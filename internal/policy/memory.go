package policy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/evelabs/callbrain/internal/wire"
)

// MemoryWindow keeps the bounded in-RAM view of the platform's transcript
// snapshots. When a snapshot exceeds the utterance or character bound, the
// oldest entries are compacted into a deterministic one-line summary that
// rides along with the recent window. Nothing persists past the call.
type MemoryWindow struct {
	maxUtterances int
	maxChars      int

	recent  []wire.Utterance
	summary string
}

// MemoryView is the result of ingesting one snapshot.
type MemoryView struct {
	Recent     []wire.Utterance
	Summary    string
	Utterances int
	Chars      int
	Compacted  bool
}

var (
	topicPatterns = map[string]*regexp.Regexp{
		"booking":      regexp.MustCompile(`(?i)\b(book|schedule|appointment|appt)\b`),
		"pricing":      regexp.MustCompile(`(?i)\b(price|pricing|cost|how much)\b`),
		"availability": regexp.MustCompile(`(?i)\b(available|availability|opening|slot)\b`),
		"eligibility":  regexp.MustCompile(`(?i)\b(eligible|eligibility|qualify)\b`),
		"policy":       regexp.MustCompile(`(?i)\b(policy|policies|hours|location|insurance)\b`),
	}
	preferencePatterns = map[string]*regexp.Regexp{
		"morning":   regexp.MustCompile(`(?i)\b(morning|before 12|before noon)\b`),
		"afternoon": regexp.MustCompile(`(?i)\b(afternoon|after 12|after noon)\b`),
		"evening":   regexp.MustCompile(`(?i)\b(evening|after work)\b`),
	}
)

// NewMemoryWindow creates a window bounded by utterance count and total
// characters; both bounds are clamped to at least 1.
func NewMemoryWindow(maxUtterances, maxChars int) *MemoryWindow {
	return &MemoryWindow{
		maxUtterances: max(1, maxUtterances),
		maxChars:      max(1, maxChars),
	}
}

// IngestSnapshot replaces the window with the (bounded) tail of transcript
// and rebuilds the compaction summary from whatever fell off.
func (m *MemoryWindow) IngestSnapshot(transcript []wire.Utterance, state *SlotState) MemoryView {
	normalized := normalizeTranscript(transcript)

	var older []wire.Utterance
	recent := normalized
	compacted := false

	if len(recent) > m.maxUtterances {
		cut := len(recent) - m.maxUtterances
		older = append(older, recent[:cut]...)
		recent = recent[cut:]
		compacted = true
	}
	for charsOf(recent) > m.maxChars && len(recent) > 0 {
		older = append(older, recent[0])
		recent = recent[1:]
		compacted = true
	}

	summary := ""
	if compacted {
		summary = buildSummary(older, state)
	}

	m.recent = append([]wire.Utterance(nil), recent...)
	m.summary = summary

	return MemoryView{
		Recent:     append([]wire.Utterance(nil), recent...),
		Summary:    summary,
		Utterances: len(recent),
		Chars:      charsOf(recent),
		Compacted:  compacted,
	}
}

// Recent returns the current bounded transcript window.
func (m *MemoryWindow) Recent() []wire.Utterance {
	return append([]wire.Utterance(nil), m.recent...)
}

// Summary returns the current compaction summary ("" when nothing was
// compacted).
func (m *MemoryWindow) Summary() string { return m.summary }

func normalizeTranscript(transcript []wire.Utterance) []wire.Utterance {
	out := make([]wire.Utterance, 0, len(transcript))
	for _, u := range transcript {
		role := strings.TrimSpace(u.Role)
		if role != "user" && role != "agent" {
			continue
		}
		out = append(out, wire.Utterance{Role: role, Content: strings.TrimSpace(u.Content)})
	}
	return out
}

func charsOf(transcript []wire.Utterance) int {
	n := 0
	for _, u := range transcript {
		n += len(u.Content)
	}
	return n
}

// buildSummary folds compacted-away utterances into a deterministic one-line
// context blob: intent, detected topics, captured phone tail, preferences.
func buildSummary(older []wire.Utterance, state *SlotState) string {
	var texts []string
	for _, u := range older {
		texts = append(texts, u.Content)
	}
	joined := strings.Join(texts, " ")

	var topics []string
	for name, pat := range topicPatterns {
		if pat.MatchString(joined) {
			topics = append(topics, name)
		}
	}
	sort.Strings(topics)

	var prefs []string
	for name, pat := range preferencePatterns {
		if pat.MatchString(joined) {
			prefs = append(prefs, name)
		}
	}
	sort.Strings(prefs)

	var parts []string
	if state != nil && state.Intent != "" {
		parts = append(parts, "intent="+state.Intent)
	}
	if len(topics) > 0 {
		parts = append(parts, "topics="+strings.Join(topics, ","))
	}
	if last4 := phoneLast4(older, state); last4 != "" {
		parts = append(parts, "phone_last4="+last4)
	}
	if len(prefs) > 0 {
		parts = append(parts, "preference="+strings.Join(prefs, ","))
	}

	if len(parts) == 0 {
		return "Earlier context compacted."
	}
	return "Earlier context: " + strings.Join(parts, "; ") + "."
}

func phoneLast4(older []wire.Utterance, state *SlotState) string {
	if state != nil && len(state.Phone) >= 4 {
		return state.Phone[len(state.Phone)-4:]
	}
	for i := len(older) - 1; i >= 0; i-- {
		if digits := ExtractPhoneDigits(older[i].Content); len(digits) >= 4 {
			return digits[len(digits)-4:]
		}
	}
	return ""
}
