package policy

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// SignalClassifier decides whether a user utterance carries conversational
// signal or is ambient noise: punctuation runs, bare acknowledgements,
// greeting fragments, and STT near-misses of those. Low-signal turns never
// progress the conversation and complete their epoch with an empty terminal.
type SignalClassifier struct{}

// NewSignalClassifier creates a classifier.
func NewSignalClassifier() *SignalClassifier {
	return &SignalClassifier{}
}

var (
	nonWordOnlyPat = regexp.MustCompile(`^[\W_]+$`)
	alphaNumPat    = regexp.MustCompile(`[^a-z0-9\s]`)
	ackPhrasePat   = regexp.MustCompile(`(?i)^(?:got\s*it|gotcha|i\s+got\s+it|yep\s+got\s+it|yup\s+got\s+it|understand|understood|yep|yup|ok|okay|right|alright|all\s+right)$`)
)

// isRepeatedChar reports whether non-empty s consists of one byte repeated
// (a one-byte string counts; callers check the length). It stands in for
// the backreference pattern ^(.)\1+$, which Go's RE2-based regexp engine
// does not support.
func isRepeatedChar(s string) bool {
	if s == "" {
		return false
	}
	first := s[0]
	for i := 1; i < len(s); i++ {
		if s[i] != first {
			return false
		}
	}
	return true
}

// ackTokens are bare acknowledgement words; near-misses within one edit are
// treated the same when both words have at least four letters ("okey",
// "rigt" are STT artifacts, not intent).
var ackTokens = []string{
	"got", "it", "gotcha", "yep", "yup", "yes", "ok", "okay",
	"right", "alright", "understood", "understand", "uh", "um", "hmm", "mhm", "huh",
}

// greetingTokens open noise-only intro fragments ("hey this is the clinic").
var greetingTokens = []string{"hey", "hi", "hello", "this", "is", "from", "with"}

// fillerTokens pad noise fragments without adding signal.
var fillerTokens = []string{"the", "a", "an", "and", "to", "all", "agent"}

// LooksLikeLowSignal reports whether text carries no actionable signal.
func (c *SignalClassifier) LooksLikeLowSignal(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	compact := strings.Join(strings.Fields(trimmed), "")
	if nonWordOnlyPat.MatchString(compact) {
		return true
	}
	if isRepeatedChar(compact) && len(compact) >= 2 && !isAlnumByte(compact[0]) {
		return true
	}

	lower := strings.ToLower(trimmed)
	phrase := strings.TrimSpace(alphaNumPat.ReplaceAllString(lower, " "))
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return true
	}

	if len(words) <= 4 && ackPhrasePat.MatchString(strings.Join(words, " ")) {
		return true
	}

	// Intro-noise fragments: a greeting prefix plus acknowledgement content
	// and nothing else that looks like intent.
	if len(words) <= 14 && c.isIntroNoise(words) {
		return true
	}

	// Every word is (fuzzy-)noise: short utterances built purely from ack,
	// greeting, and filler vocabulary carry no signal.
	if len(words) <= 4 {
		all := true
		for _, w := range words {
			if !c.isNoiseToken(w) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}

	return false
}

// isIntroNoise detects "hey this is X, got it" style ambient fragments: a
// greeting opener, at least one acknowledgement, and only noise vocabulary.
func (c *SignalClassifier) isIntroNoise(words []string) bool {
	hasGreeting := false
	hasAck := false
	for _, w := range words {
		if containsToken(greetingTokens, w) {
			hasGreeting = true
		}
		if c.isAckToken(w) {
			hasAck = true
		}
	}
	if !hasGreeting || !hasAck {
		return false
	}
	if !containsToken(greetingTokens, words[0]) {
		return false
	}
	for _, w := range words {
		if !c.isNoiseToken(w) {
			return false
		}
	}
	return true
}

// isAckToken matches acknowledgement vocabulary, tolerating one edit of
// distance for words of four or more letters (STT near-misses).
func (c *SignalClassifier) isAckToken(w string) bool {
	for _, tok := range ackTokens {
		if w == tok {
			return true
		}
		if len(w) >= 4 && len(tok) >= 4 && matchr.Levenshtein(w, tok) <= 1 {
			return true
		}
	}
	return false
}

func (c *SignalClassifier) isNoiseToken(w string) bool {
	return c.isAckToken(w) || containsToken(greetingTokens, w) || containsToken(fillerTokens, w)
}

func containsToken(set []string, w string) bool {
	for _, t := range set {
		if w == t {
			return true
		}
	}
	return false
}

// NormalizedUserSignature collapses an utterance into a stable fingerprint
// used for repeat-suppression: lowercase alphanumerics, capped at 100 bytes.
// Pure-punctuation runs keep their compact form so "??" and "!!" differ.
func NormalizedUserSignature(text string) string {
	compact := strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(text)), ""))
	if compact == "" {
		return ""
	}
	var alpha strings.Builder
	for _, r := range compact {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			alpha.WriteRune(r)
		}
	}
	if alpha.Len() == 0 {
		return compact
	}
	out := alpha.String()
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

func isAlnumByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
