package policy

import "regexp"

// SafetyKind classifies a user utterance for safety handling.
type SafetyKind string

// Safety kinds.
const (
	SafetyOK       SafetyKind = "ok"
	SafetyIdentity SafetyKind = "identity"
	SafetyUrgent   SafetyKind = "urgent"
	SafetyClinical SafetyKind = "clinical"
)

// SafetyResult is the outcome of screening a user utterance.
type SafetyResult struct {
	Kind    SafetyKind
	Message string
}

var (
	identityAreYouPat  = regexp.MustCompile(`(?i)\bare you\b`)
	identityKeywordPat = regexp.MustCompile(`(?i)\b(ai|a\.i\.|artificial intelligence|virtual assistant|human|robot|a person|real person)\b`)
	identityDirectQPat = regexp.MustCompile(`(?i)\b(ai|human|robot)\?`)
	identityRealPat    = regexp.MustCompile(`(?i)\bare you real\b`)
	urgentPat          = regexp.MustCompile(`(?i)\b(chest pain|can't breathe|cannot breathe|suicid(e|al)|stroke|heart attack)\b`)
	clinicalPat        = regexp.MustCompile(`(?i)\b(dosage|dose|mg|milligram|prescription|prescribe|side effects?|should i take|can i take|what should i take|how much should i take|diagnos(e|is)|treat(ment)?|symptom(s)?|medicine|medication)\b`)
)

// SafetyOptions supplies persona names used in identity disclosures.
type SafetyOptions struct {
	Profile   string // "clinic" | "outbound"
	OrgName   string
	AgentName string
}

// EvaluateSafety screens text for urgent-medical, identity, and clinical
// content, in that priority order. The returned message for identity and
// urgent/clinical kinds is the full utterance the agent should speak.
func EvaluateSafety(text string, opts SafetyOptions) SafetyResult {
	if urgentPat.MatchString(text) {
		return SafetyResult{
			Kind: SafetyUrgent,
			Message: "If this is a medical emergency, please call 911 or your local emergency number right now. " +
				"If you'd like, I can help connect you to the clinic for next steps once you're safe.",
		}
	}

	if (identityAreYouPat.MatchString(text) && identityKeywordPat.MatchString(text)) ||
		identityDirectQPat.MatchString(text) || identityRealPat.MatchString(text) {
		msg := "I'm " + opts.AgentName + ", the AI assistant for " + opts.OrgName +
			". I can help book visits and answer basic questions."
		if opts.Profile == "outbound" {
			msg = "I'm " + opts.AgentName + ", the AI caller for " + opts.OrgName +
				". I can share the report details quickly."
		}
		return SafetyResult{Kind: SafetyIdentity, Message: msg}
	}

	if clinicalPat.MatchString(text) {
		return SafetyResult{
			Kind: SafetyClinical,
			Message: "I can't give medical advice, but I can connect you with a clinician or send a message to the clinic. " +
				"Would you like to book a visit?",
		}
	}

	return SafetyResult{Kind: SafetyOK}
}
