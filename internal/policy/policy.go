// Package policy holds the dialogue decision layer the session core drives:
// captured slot state, the deterministic rule decider, safety screening, the
// objection playbook, and the low-signal classifier.
//
// The decider is pure apart from SlotState mutation: it captures slots and
// reprompt counts on the state it is given and returns a [Action] describing
// what the agent should do next. It never executes tools — tool requests are
// returned for the turn handler to run. The orchestrator owns the only
// authoritative SlotState; the speculator calls the decider with a clone.
package policy

import (
	"regexp"
	"strings"

	"github.com/evelabs/callbrain/internal/wire"
)

// ActionType enumerates dialogue actions.
type ActionType string

// Action types.
const (
	ActionAsk            ActionType = "Ask"
	ActionInform         ActionType = "Inform"
	ActionOfferSlots     ActionType = "OfferSlots"
	ActionConfirm        ActionType = "Confirm"
	ActionRepair         ActionType = "Repair"
	ActionTransfer       ActionType = "Transfer"
	ActionEndCall        ActionType = "EndCall"
	ActionEscalateSafety ActionType = "EscalateSafety"
	ActionNoop           ActionType = "Noop"
)

// ToolRequest names a tool the turn handler should run for this action.
type ToolRequest struct {
	Name      string
	Arguments map[string]any
}

// Action is the decider's output: what to do, free-form payload fields, and
// any tool requests.
type Action struct {
	Type         ActionType
	Payload      map[string]any
	ToolRequests []ToolRequest
}

// PayloadString returns payload[key] as a trimmed string ("" when absent).
func (a Action) PayloadString(key string) string {
	if v, ok := a.Payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// PayloadBool returns payload[key] as a bool (false when absent).
func (a Action) PayloadBool(key string) bool {
	v, _ := a.Payload[key].(bool)
	return v
}

// SlotState is every policy-visible captured field for the call. It is a
// value type: [SlotState.Clone] produces the full copy the per-epoch backup
// and the speculator rely on.
type SlotState struct {
	Intent               string // "" | "booking"
	PatientName          string
	Phone                string // normalized 10 digits
	PhoneConfirmed       bool
	RequestedDT          string
	RequestedDTConfirmed bool

	FunnelStage       string // outbound funnel: OPEN | PITCH | EMAIL | END
	ManagerEmail      string
	LastStage         string
	LastSignal        string
	NoSignalStreak    int
	LastUserSignature string

	CampaignID string
	ClinicID   string
	ClinicName string
	LeadID     string
	ToNumber   string
	Tenant     string

	Reprompts         map[string]int
	QuestionDepth     int
	ObjectionPressure int
}

// NewSlotState returns a SlotState with initialised collections and funnel
// defaults.
func NewSlotState() SlotState {
	return SlotState{
		FunnelStage:   "OPEN",
		LastStage:     "OPEN",
		Reprompts:     make(map[string]int),
		QuestionDepth: 1,
	}
}

// Clone returns a deep copy. Rollback overwrites the whole value; partial
// patching is never used.
func (s SlotState) Clone() SlotState {
	cp := s
	cp.Reprompts = make(map[string]int, len(s.Reprompts))
	for k, v := range s.Reprompts {
		cp.Reprompts[k] = v
	}
	return cp
}

// IncReprompt bumps and returns the reprompt counter for field.
func (s *SlotState) IncReprompt(field string) int {
	if s.Reprompts == nil {
		s.Reprompts = make(map[string]int)
	}
	s.Reprompts[field]++
	return s.Reprompts[field]
}

// DecideInput carries everything a decider may consult.
type DecideInput struct {
	State         *SlotState
	Transcript    []wire.Utterance
	NeedsApology  bool
	Safety        SafetyResult
	CallID        string
	Profile       string // "clinic" | "outbound"
}

// Decider produces the next dialogue action. Implementations must be
// deterministic for identical inputs.
type Decider interface {
	Decide(in DecideInput) Action
}

// Extraction patterns shared by the rule decider.
var (
	phoneCapPat  = regexp.MustCompile(`\d[\d\s\-()]{8,}\d`)
	namePat      = regexp.MustCompile(`(?i)\b(?:my name is|this is)\s+([A-Za-z][A-Za-z\-\s']{0,40})`)
	bookPat      = regexp.MustCompile(`(?i)\b(book|schedule|appointment|appt)\b`)
	pricePat     = regexp.MustCompile(`(?i)\b(prices?|cost|pricing|how much)\b`)
	availPat     = regexp.MustCompile(`(?i)\b(available|availability|openings|slot)\b`)
	weekdayPat   = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	clockPat     = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	negSentPat   = regexp.MustCompile(`(?i)\b(frustrated|upset|angry|mad|annoyed|disappointed|stressed)\b`)
	dncPat       = regexp.MustCompile(`(?i)\b(stop calling|remove me|do not call|don't call|take me off)\b`)
	emailPat     = regexp.MustCompile(`(?i)\b([A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,})\b`)
	infoEmailPat = regexp.MustCompile(`(?i)\b(info|contact|admin|frontdesk)@`)
	whoPat       = regexp.MustCompile(`(?i)\b(who is this|who are you|what is this|is this sales)\b`)
	badTimePat   = regexp.MustCompile(`(?i)\b(not a good time|bad time|not now|too busy|call me later|call back later|not right now)\b`)
	rejectPat    = regexp.MustCompile(`(?i)\b(not interested|not looking|we are good|we're good)\b`)
	yesPat       = regexp.MustCompile(`(?i)\b(yes|yeah|yep|sure|go on|go ahead|okay|ok|alright|all right|fine)\b`)
	nonDigitPat  = regexp.MustCompile(`\D+`)
	wsPat        = regexp.MustCompile(`\s+`)
)

// ExtractPhoneDigits normalizes a phone-looking run to 10 digits, or "".
func ExtractPhoneDigits(text string) string {
	m := phoneCapPat.FindString(text)
	if m == "" {
		return ""
	}
	digits := nonDigitPat.ReplaceAllString(m, "")
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return ""
	}
	return digits
}

// ExtractName captures "my name is X" / "this is X" introductions.
func ExtractName(text string) string {
	m := namePat.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(wsPat.ReplaceAllString(m[1], " "))
}

// ExtractRequestedDT captures a weekday plus a clock time into a normalized
// "Weekday at H[:MM] AM/PM" hint; both parts are required.
func ExtractRequestedDT(text string) string {
	wd := weekdayPat.FindStringSubmatch(text)
	if wd == nil {
		return ""
	}
	tm := clockPat.FindStringSubmatch(text)
	if tm == nil || tm[1] == "" {
		return ""
	}
	timePart := tm[1]
	if tm[2] != "" {
		timePart += ":" + tm[2]
	}
	if tm[3] != "" {
		timePart += " " + strings.ToUpper(tm[3])
	}
	weekday := strings.ToUpper(wd[1][:1]) + strings.ToLower(wd[1][1:])
	return weekday + " at " + timePart
}

// ExtractEmail captures the first email address in text, lowercased.
func ExtractEmail(text string) string {
	m := emailPat.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m[1]))
}

// nameConfidenceHigh requires at least two parts of two-plus letters; short
// single tokens get a spell-back repair.
func nameConfidenceHigh(name string) bool {
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if len(p) < 2 {
			return false
		}
	}
	return true
}

// RuleDecider is the deterministic dialogue policy: a slot-filling intake
// flow for the clinic profile and a permission-based funnel for outbound.
type RuleDecider struct {
	signals *SignalClassifier
}

// NewRuleDecider creates a RuleDecider.
func NewRuleDecider() *RuleDecider {
	return &RuleDecider{signals: NewSignalClassifier()}
}

var _ Decider = (*RuleDecider)(nil)

// Decide implements [Decider].
func (d *RuleDecider) Decide(in DecideInput) Action {
	lastUser := wire.LastUserText(in.Transcript)
	needsEmpathy := negSentPat.MatchString(lastUser)

	pay := func(m map[string]any) map[string]any {
		m["needs_empathy"] = needsEmpathy
		m["needs_apology"] = in.NeedsApology
		return m
	}

	switch in.Safety.Kind {
	case SafetyUrgent, SafetyClinical:
		return Action{Type: ActionEscalateSafety, Payload: pay(map[string]any{
			"reason":  string(in.Safety.Kind),
			"message": in.Safety.Message,
		})}
	case SafetyIdentity:
		return Action{Type: ActionInform, Payload: pay(map[string]any{
			"info_type": "identity",
			"message":   in.Safety.Message,
		})}
	}

	if dncPat.MatchString(lastUser) {
		return Action{
			Type: ActionEndCall,
			Payload: pay(map[string]any{
				"message":  "Understood, I'll take you off the list. Goodbye.",
				"end_call": true,
				"dnc":      true,
			}),
			ToolRequests: []ToolRequest{
				{Name: "mark_dnc_compliant", Arguments: map[string]any{"reason": "USER_REQUEST"}},
			},
		}
	}

	if in.Profile == "outbound" {
		return d.decideOutbound(in, lastUser, pay)
	}
	return d.decideClinic(in, lastUser, pay)
}

// decideClinic is the inbound slot-filling intake flow.
func (d *RuleDecider) decideClinic(in DecideInput, lastUser string, pay func(map[string]any) map[string]any) Action {
	s := in.State

	if d.signals.LooksLikeLowSignal(lastUser) && s.Intent == "" {
		return Action{Type: ActionNoop, Payload: pay(map[string]any{
			"no_progress": true,
			"no_signal":   true,
			"message":     "",
		})}
	}

	// Capture slots from the last user turn.
	if phone := ExtractPhoneDigits(lastUser); phone != "" {
		if s.Phone != "" && phone != s.Phone {
			s.PhoneConfirmed = false
		}
		s.Phone = phone
	}
	if name := ExtractName(lastUser); name != "" {
		s.PatientName = name
	}
	if dt := ExtractRequestedDT(lastUser); dt != "" {
		if s.RequestedDT != "" && dt != s.RequestedDT {
			s.RequestedDTConfirmed = false
		}
		s.RequestedDT = dt
	}

	wantsBooking := bookPat.MatchString(lastUser)
	asksPrice := pricePat.MatchString(lastUser)
	asksAvail := wantsBooking || availPat.MatchString(lastUser)

	if wantsBooking {
		s.Intent = "booking"
	}

	if s.Intent == "booking" {
		if s.PatientName == "" {
			c := s.IncReprompt("name")
			if c > 2 {
				return Action{Type: ActionAsk, Payload: pay(map[string]any{
					"slots_needed":  []string{"callback_name"},
					"message":       "What name should I use?",
					"reprompt_count": c,
				})}
			}
			strategy := "ask"
			if c >= 1 {
				strategy = "spell"
			}
			return Action{Type: ActionRepair, Payload: pay(map[string]any{
				"field": "name", "strategy": strategy, "reprompt_count": c,
			})}
		}

		if !nameConfidenceHigh(s.PatientName) {
			c := s.IncReprompt("name_confidence")
			if c > 2 {
				return Action{Type: ActionAsk, Payload: pay(map[string]any{
					"slots_needed":  []string{"callback_name"},
					"message":       "Can you spell your name for me?",
					"reprompt_count": c,
				})}
			}
			return Action{Type: ActionRepair, Payload: pay(map[string]any{
				"field": "name", "strategy": "spell", "reprompt_count": c,
			})}
		}

		if s.Phone == "" {
			c := s.IncReprompt("phone")
			msg := "What's your phone number?"
			if c > 2 {
				msg = "What number should we call you back on?"
			}
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"slots_needed":  []string{"phone"},
				"message":       msg,
				"reprompt_count": c,
			})}
		}

		if !s.PhoneConfirmed {
			// Confirm last four, never the full number back.
			s.PhoneConfirmed = true
			return Action{Type: ActionConfirm, Payload: pay(map[string]any{
				"field":       "phone_last4",
				"phone_last4": s.Phone[len(s.Phone)-4:],
			})}
		}

		if s.RequestedDT == "" {
			c := s.IncReprompt("dt")
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"slots_needed":  []string{"preferred_day_time"},
				"message":       "What day works best for you?",
				"reprompt_count": c,
			})}
		}

		if !s.RequestedDTConfirmed {
			s.RequestedDTConfirmed = true
			return Action{Type: ActionConfirm, Payload: pay(map[string]any{
				"field":        "requested_dt",
				"requested_dt": s.RequestedDT,
			})}
		}

		return Action{
			Type: ActionOfferSlots,
			Payload: pay(map[string]any{
				"requested_dt": s.RequestedDT,
				"patient_name": s.PatientName,
				"phone":        s.Phone,
			}),
			ToolRequests: []ToolRequest{
				{Name: "check_availability", Arguments: map[string]any{"requested_dt": s.RequestedDT}},
			},
		}
	}

	if asksPrice {
		return Action{
			Type:    ActionInform,
			Payload: pay(map[string]any{"info_type": "pricing"}),
			ToolRequests: []ToolRequest{
				{Name: "get_pricing", Arguments: map[string]any{"service_id": "general"}},
			},
		}
	}

	if asksAvail {
		if s.RequestedDT == "" {
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"slots_needed": []string{"preferred_day_time"},
				"message":      "Sure. What day are you aiming for?",
			})}
		}
		return Action{
			Type:    ActionOfferSlots,
			Payload: pay(map[string]any{"requested_dt": s.RequestedDT}),
			ToolRequests: []ToolRequest{
				{Name: "check_availability", Arguments: map[string]any{"requested_dt": s.RequestedDT}},
			},
		}
	}

	return Action{Type: ActionAsk, Payload: pay(map[string]any{
		"slots_needed": []string{"request"},
		"message":      "How can I help today?",
	})}
}

// decideOutbound is the permission-based outbound funnel:
// OPEN (permission) → PITCH (one-line value) → EMAIL (capture) → END.
func (d *RuleDecider) decideOutbound(in DecideInput, lastUser string, pay func(map[string]any) map[string]any) Action {
	s := in.State
	stage := s.FunnelStage
	if stage == "" {
		stage = "OPEN"
	}
	signature := NormalizedUserSignature(lastUser)
	prevStage, prevSignal := s.LastStage, s.LastSignal

	record := func(signal string) {
		s.LastStage = stage
		s.LastSignal = signal
		s.LastUserSignature = signature
		if signal == "NO_SIGNAL" {
			s.NoSignalStreak++
		} else {
			s.NoSignalStreak = 0
		}
	}

	noop := func(signal string) Action {
		record(signal)
		return Action{Type: ActionNoop, Payload: pay(map[string]any{
			"no_progress": true,
			"no_signal":   true,
			"message":     "",
			"fast_path":   true,
			"intent_signature": "outbound:" + stage + ":" + strings.ToLower(signal),
		})}
	}

	if d.signals.LooksLikeLowSignal(lastUser) {
		return noop("NO_SIGNAL")
	}

	if email := ExtractEmail(lastUser); email != "" {
		s.ManagerEmail = email
		if infoEmailPat.MatchString(email) && s.IncReprompt("direct_email") <= 1 {
			record("EMAIL")
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"slots_needed":     []string{"direct_email"},
				"message":          "I can send there, but those inboxes often miss fast items. Do you have a direct manager email?",
				"fast_path":        true,
				"intent_signature": "outbound:" + stage + ":generic_email",
			})}
		}
		record("EMAIL")
		s.FunnelStage = "END"
		return Action{
			Type: ActionEndCall,
			Payload: pay(map[string]any{
				"message":          "Great, I'll send the summary to " + email + " now. Thanks for your time.",
				"end_call":         true,
				"accepted":         true,
				"fast_path":        true,
				"intent_signature": "outbound:" + stage + ":email_captured",
			}),
			ToolRequests: []ToolRequest{
				{Name: "log_call_outcome", Arguments: map[string]any{
					"call_id": in.CallID, "reason": "email_captured", "next_step": "send_summary",
				}},
			},
		}
	}

	if whoPat.MatchString(lastUser) {
		record("IDENTITY")
		return Action{Type: ActionInform, Payload: pay(map[string]any{
			"info_type":        "outbound_identity",
			"message":          "Not a sales pitch. I can send a short summary to the manager.",
			"fast_path":        true,
			"intent_signature": "outbound:" + stage + ":identity",
		})}
	}

	if rejectPat.MatchString(lastUser) {
		record("REJECTION")
		s.FunnelStage = "END"
		return Action{
			Type: ActionEndCall,
			Payload: pay(map[string]any{
				"message":          "Thanks, I won't call again. Goodbye.",
				"end_call":         true,
				"dnc":              true,
				"fast_path":        true,
				"intent_signature": "outbound:" + stage + ":rejection",
			}),
			ToolRequests: []ToolRequest{
				{Name: "mark_dnc_compliant", Arguments: map[string]any{"reason": "USER_REQUEST"}},
				{Name: "log_call_outcome", Arguments: map[string]any{
					"call_id": in.CallID, "reason": "explicit_rejection", "next_step": "closed",
				}},
			},
		}
	}

	if badTimePat.MatchString(lastUser) {
		record("BAD_TIME")
		c := s.IncReprompt("bad_time")
		msg := "Do you want to close this out, or should I send one short manager email?"
		if c > 1 {
			msg = "What is the best manager email to send this to?"
		}
		return Action{Type: ActionAsk, Payload: pay(map[string]any{
			"slots_needed":     []string{"manager_email"},
			"message":          msg,
			"reprompt_count":   c,
			"fast_path":        true,
			"intent_signature": "outbound:" + stage + ":bad_time",
		})}
	}

	if yesPat.MatchString(lastUser) {
		switch stage {
		case "OPEN":
			s.FunnelStage = "PITCH"
			record("INTEREST")
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"message":          "Quick context: we ran a response check on your front desk and found missed calls after hours. Want the one-page summary?",
				"fast_path":        true,
				"intent_signature": "outbound:OPEN:permission_granted",
			})}
		default:
			s.FunnelStage = "EMAIL"
			record("INTEREST")
			return Action{Type: ActionAsk, Payload: pay(map[string]any{
				"slots_needed":     []string{"manager_email"},
				"message":          "What manager email should I send it to?",
				"fast_path":        true,
				"intent_signature": "outbound:" + stage + ":ask_email",
			})}
		}
	}

	// No recognizable signal in a substantive utterance: repeat suppression,
	// then restate the current stage question once.
	if signature != "" && signature == s.LastUserSignature && prevStage == stage &&
		(prevSignal == "NO_SIGNAL" || prevSignal == "NEW_CALL") {
		return noop("NO_SIGNAL")
	}
	record("NEW_CALL")
	return Action{Type: ActionAsk, Payload: pay(map[string]any{
		"message":          "Is now a bad time for a quick question?",
		"fast_path":        true,
		"intent_signature": "outbound:" + stage + ":reopen",
	})}
}
