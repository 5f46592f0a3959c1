package policy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ObjectionKind classifies a user pushback pattern.
type ObjectionKind string

// Objection kinds.
const (
	ObjectionPriceShock      ObjectionKind = "price_shock"
	ObjectionTimingConflict  ObjectionKind = "timing_conflict"
	ObjectionTrustHesitation ObjectionKind = "trust_hesitation"
	ObjectionUrgencyPressure ObjectionKind = "urgency_pressure"
)

// objectionResponses maps each pattern to its empathetic lead-in.
var objectionResponses = map[ObjectionKind]string{
	ObjectionPriceShock:      "I hear you. I can keep this simple and help you pick the best value option.",
	ObjectionTimingConflict:  "No problem. I can look for a time that fits your schedule.",
	ObjectionTrustHesitation: "Totally fair. I can answer basics and then connect you with the clinic team.",
	ObjectionUrgencyPressure: "I understand this feels urgent. I'll help you get the soonest next step.",
}

var objectionPatterns = []struct {
	kind ObjectionKind
	pat  *regexp.Regexp
}{
	{ObjectionPriceShock, regexp.MustCompile(`(?i)\b(too expensive|can't afford|cannot afford|that's a lot|pricey|cheaper)\b`)},
	{ObjectionTimingConflict, regexp.MustCompile(`(?i)\b(no time|busy (that|this)|doesn't work|does not work|conflict|reschedule)\b`)},
	{ObjectionTrustHesitation, regexp.MustCompile(`(?i)\b(not sure about|don't trust|do not trust|is this legit|scam|hesitant)\b`)},
	{ObjectionUrgencyPressure, regexp.MustCompile(`(?i)\b(right now|immediately|as soon as possible|asap|urgent)\b`)},
}

// DetectObjection returns the first matching objection pattern in text.
func DetectObjection(text string) (ObjectionKind, bool) {
	for _, op := range objectionPatterns {
		if op.pat.MatchString(text) {
			return op.kind, true
		}
	}
	return "", false
}

// PlaybookResult reports whether the playbook rewrote the action.
type PlaybookResult struct {
	Action  Action
	Matched ObjectionKind
	Applied bool
}

// ApplyPlaybook rewrites question-style actions to lead with the objection
// response and narrow the next step. The outbound profile keeps objections
// inside the decider's own funnel, so the playbook leaves it untouched.
func ApplyPlaybook(action Action, objection ObjectionKind, hasObjection bool, priorAttempts int, profile string) PlaybookResult {
	if !hasObjection {
		return PlaybookResult{Action: action}
	}
	if profile == "outbound" {
		return PlaybookResult{Action: action, Matched: objection}
	}

	base := objectionResponses[objection]
	if base == "" {
		return PlaybookResult{Action: action, Matched: objection}
	}

	payload := make(map[string]any, len(action.Payload)+2)
	for k, v := range action.Payload {
		payload[k] = v
	}
	payload["playbook_objection"] = string(objection)

	switch action.Type {
	case ActionAsk, ActionRepair, ActionConfirm:
		var followup string
		switch objection {
		case ObjectionPriceShock:
			followup = "Do you want the price first, or should I help with times first?"
		case ObjectionTimingConflict:
			followup = "Is morning or afternoon better for you?"
		case ObjectionTrustHesitation:
			followup = "Do you want me to connect you with the front desk now?"
		default:
			followup = "Do you want the soonest opening?"
		}
		payload["message"] = base + " " + followup
		return PlaybookResult{
			Action:  Action{Type: ActionAsk, Payload: payload, ToolRequests: append([]ToolRequest(nil), action.ToolRequests...)},
			Matched: objection,
			Applied: true,
		}

	case ActionOfferSlots:
		if priorAttempts >= 1 {
			payload["message_prefix"] = base
			return PlaybookResult{
				Action:  Action{Type: action.Type, Payload: payload, ToolRequests: append([]ToolRequest(nil), action.ToolRequests...)},
				Matched: objection,
				Applied: true,
			}
		}
	}

	return PlaybookResult{Action: action, Matched: objection}
}

// Slot-acceptance ranking: deterministic historic preference priors by hour
// of day (higher is better).
var hourWeight = map[int]float64{
	9: 0.80, 10: 0.76, 11: 0.79, 13: 0.73, 14: 0.78, 15: 0.72, 16: 0.71,
}

var slotTimePat = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(AM|PM)\b`)

func slotWeight(slot string) float64 {
	m := slotTimePat.FindStringSubmatch(slot)
	if m == nil {
		return 0.5
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0.5
	}
	ampm := strings.ToUpper(m[3])
	if ampm == "PM" && h != 12 {
		h += 12
	}
	if ampm == "AM" && h == 12 {
		h = 0
	}
	if w, ok := hourWeight[h]; ok {
		return w
	}
	return 0.6
}

// SortSlotsByAcceptance orders offered slots by descending acceptance prior,
// ties broken lexicographically for determinism.
func SortSlotsByAcceptance(slots []string) []string {
	out := append([]string(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := slotWeight(out[i]), slotWeight(out[j])
		if wi != wj {
			return wi > wj
		}
		return out[i] < out[j]
	})
	return out
}
