// Package wire defines the platform's bidirectional JSON frame protocol.
//
// Inbound frames are discriminated by "interaction_type", outbound frames by
// "response_type". Both sides form closed sum types; dispatch is by tag,
// never by reflection. All outbound serialization goes through
// [EncodeOutbound], which produces canonical JSON (sorted keys, compact
// separators) so the same bytes feed the wire, the trace hashes, and the
// replay digest.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrBadSchema marks a structurally valid JSON frame that does not match any
// known inbound schema. The session drops such frames and stays open.
var ErrBadSchema = errors.New("wire: bad schema")

// Utterance is one transcript entry in a platform snapshot.
type Utterance struct {
	Role    string `json:"role"` // "user" | "agent"
	Content string `json:"content"`
}

// LastUserText returns the content of the most recent user utterance in
// transcript, or "" if none exists.
func LastUserText(transcript []Utterance) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return transcript[i].Content
		}
	}
	return ""
}

// LastAgentText returns the content of the most recent agent utterance in
// transcript, or "" if none exists.
func LastAgentText(transcript []Utterance) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "agent" {
			return transcript[i].Content
		}
	}
	return ""
}

// ─── Inbound ──────────────────────────────────────────────────────────────────

// Inbound is the closed sum of platform → agent frames.
type Inbound interface {
	InteractionType() string
}

// InboundPing is the platform keepalive probe; the agent echoes the timestamp.
type InboundPing struct {
	Timestamp int64
}

func (InboundPing) InteractionType() string { return "ping_pong" }

// InboundCallDetails carries opaque call metadata sent once near call start.
type InboundCallDetails struct {
	Call map[string]any
}

func (InboundCallDetails) InteractionType() string { return "call_details" }

// InboundUpdateOnly is a transcript snapshot that does not request a response.
// Turntaking, when present, is "user_turn" or "agent_turn".
type InboundUpdateOnly struct {
	Transcript []Utterance
	Turntaking string
}

func (InboundUpdateOnly) InteractionType() string { return "update_only" }

// InboundResponseRequired asks the agent to produce the response stream for
// epoch ResponseID.
type InboundResponseRequired struct {
	ResponseID int
	Transcript []Utterance
}

func (InboundResponseRequired) InteractionType() string { return "response_required" }

// InboundReminderRequired is the platform's nudge after user silence; it
// opens epoch ResponseID like a response_required.
type InboundReminderRequired struct {
	ResponseID int
	Transcript []Utterance
}

func (InboundReminderRequired) InteractionType() string { return "reminder_required" }

// InboundClear is the platform's explicit interruption signal.
type InboundClear struct{}

func (InboundClear) InteractionType() string { return "clear" }

// ParseInbound decodes a raw frame into its concrete inbound type.
//
// A JSON decode failure is returned as-is (the reader treats it as fatal);
// a decodable frame that matches no known schema returns an error wrapping
// [ErrBadSchema] (the reader drops it and continues).
func ParseInbound(raw []byte) (Inbound, error) {
	var probe struct {
		InteractionType *string `json:"interaction_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if probe.InteractionType == nil {
		return nil, fmt.Errorf("%w: missing interaction_type", ErrBadSchema)
	}

	switch *probe.InteractionType {
	case "ping_pong":
		var f struct {
			Timestamp *int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &f); err != nil || f.Timestamp == nil {
			return nil, fmt.Errorf("%w: ping_pong requires timestamp", ErrBadSchema)
		}
		return InboundPing{Timestamp: *f.Timestamp}, nil

	case "call_details":
		var f struct {
			Call map[string]any `json:"call"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: call_details: %v", ErrBadSchema, err)
		}
		return InboundCallDetails{Call: f.Call}, nil

	case "update_only":
		var f struct {
			Transcript []Utterance `json:"transcript"`
			Turntaking string      `json:"turntaking"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: update_only: %v", ErrBadSchema, err)
		}
		if f.Turntaking != "" && f.Turntaking != "user_turn" && f.Turntaking != "agent_turn" {
			return nil, fmt.Errorf("%w: update_only: unknown turntaking %q", ErrBadSchema, f.Turntaking)
		}
		return InboundUpdateOnly{Transcript: f.Transcript, Turntaking: f.Turntaking}, nil

	case "response_required", "reminder_required":
		var f struct {
			ResponseID *int        `json:"response_id"`
			Transcript []Utterance `json:"transcript"`
		}
		if err := json.Unmarshal(raw, &f); err != nil || f.ResponseID == nil {
			return nil, fmt.Errorf("%w: %s requires response_id", ErrBadSchema, *probe.InteractionType)
		}
		if *probe.InteractionType == "reminder_required" {
			return InboundReminderRequired{ResponseID: *f.ResponseID, Transcript: f.Transcript}, nil
		}
		return InboundResponseRequired{ResponseID: *f.ResponseID, Transcript: f.Transcript}, nil

	case "clear":
		return InboundClear{}, nil
	}

	return nil, fmt.Errorf("%w: unknown interaction_type %q", ErrBadSchema, *probe.InteractionType)
}

// ─── Outbound ─────────────────────────────────────────────────────────────────

// Outbound is the closed sum of agent → platform frames.
type Outbound interface {
	ResponseType() string
}

// PlatformConfig is the connection-level configuration frame payload.
type PlatformConfig struct {
	AutoReconnect           bool
	CallDetails             bool
	TranscriptWithToolCalls bool
}

// AgentConfig tunes platform-side turn-taking behaviour on connect.
type AgentConfig struct {
	Responsiveness          float64
	InterruptionSensitivity float64
	ReminderTriggerMS       int
	ReminderMaxCount        int
}

// OutboundConfig declares connection options to the platform.
type OutboundConfig struct {
	Config PlatformConfig
}

func (OutboundConfig) ResponseType() string { return "config" }

// OutboundUpdateAgent pushes dynamic agent tuning.
type OutboundUpdateAgent struct {
	AgentConfig AgentConfig
}

func (OutboundUpdateAgent) ResponseType() string { return "update_agent" }

// OutboundPing echoes a keepalive probe.
type OutboundPing struct {
	Timestamp int64
}

func (OutboundPing) ResponseType() string { return "ping_pong" }

// OutboundResponse is one chunk of the response stream for an epoch. The
// terminal chunk has ContentComplete=true and is always the last frame
// emitted for its ResponseID.
type OutboundResponse struct {
	ResponseID            int
	Content               string
	ContentComplete       bool
	NoInterruptionAllowed *bool
	EndCall               bool
	TransferNumber        string
	DigitToPress          string
}

func (OutboundResponse) ResponseType() string { return "response" }

// OutboundAgentInterrupt is the reserved server-initiated interruption frame.
// The core never emits it spontaneously unless explicitly enabled.
type OutboundAgentInterrupt struct {
	InterruptID           int
	Content               string
	ContentComplete       bool
	NoInterruptionAllowed *bool
}

func (OutboundAgentInterrupt) ResponseType() string { return "agent_interrupt" }

// OutboundToolCallInvocation announces a tool execution to the platform.
type OutboundToolCallInvocation struct {
	ToolCallID string
	Name       string
	Arguments  string
}

func (OutboundToolCallInvocation) ResponseType() string { return "tool_call_invocation" }

// OutboundToolCallResult reports a tool's result.
type OutboundToolCallResult struct {
	ToolCallID string
	Content    string
}

func (OutboundToolCallResult) ResponseType() string { return "tool_call_result" }

// OutboundMetadata carries opaque metadata to the platform.
type OutboundMetadata struct {
	Metadata any
}

func (OutboundMetadata) ResponseType() string { return "metadata" }

// IsTerminalResponse reports whether msg is a response frame with
// content_complete set — the correctness boundary frame of an epoch.
func IsTerminalResponse(msg Outbound) bool {
	r, ok := msg.(OutboundResponse)
	return ok && r.ContentComplete
}

// EncodeOutbound serializes msg as canonical JSON. Optional fields with zero
// values are omitted, matching the platform's exclude-none convention.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	m := map[string]any{"response_type": msg.ResponseType()}
	switch f := msg.(type) {
	case OutboundConfig:
		m["config"] = map[string]any{
			"auto_reconnect":             f.Config.AutoReconnect,
			"call_details":               f.Config.CallDetails,
			"transcript_with_tool_calls": f.Config.TranscriptWithToolCalls,
		}
	case OutboundUpdateAgent:
		m["agent_config"] = map[string]any{
			"responsiveness":           f.AgentConfig.Responsiveness,
			"interruption_sensitivity": f.AgentConfig.InterruptionSensitivity,
			"reminder_trigger_ms":      f.AgentConfig.ReminderTriggerMS,
			"reminder_max_count":       f.AgentConfig.ReminderMaxCount,
		}
	case OutboundPing:
		m["timestamp"] = f.Timestamp
	case OutboundResponse:
		m["response_id"] = f.ResponseID
		m["content"] = f.Content
		m["content_complete"] = f.ContentComplete
		if f.NoInterruptionAllowed != nil {
			m["no_interruption_allowed"] = *f.NoInterruptionAllowed
		}
		if f.EndCall {
			m["end_call"] = true
		}
		if f.TransferNumber != "" {
			m["transfer_number"] = f.TransferNumber
		}
		if f.DigitToPress != "" {
			m["digit_to_press"] = f.DigitToPress
		}
	case OutboundAgentInterrupt:
		m["interrupt_id"] = f.InterruptID
		m["content"] = f.Content
		m["content_complete"] = f.ContentComplete
		if f.NoInterruptionAllowed != nil {
			m["no_interruption_allowed"] = *f.NoInterruptionAllowed
		}
	case OutboundToolCallInvocation:
		m["tool_call_id"] = f.ToolCallID
		m["name"] = f.Name
		m["arguments"] = f.Arguments
	case OutboundToolCallResult:
		m["tool_call_id"] = f.ToolCallID
		m["content"] = f.Content
	case OutboundMetadata:
		m["metadata"] = f.Metadata
	default:
		return nil, fmt.Errorf("wire: unknown outbound type %T", msg)
	}
	return CanonicalJSON(m)
}

// CanonicalJSON marshals v with sorted keys and compact separators at every
// nesting level. Structs are normalized through a generic decode first so the
// result depends only on the value, not on field declaration order.
func CanonicalJSON(v any) ([]byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(blob, &generic); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, generic); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// writeCanonical renders a decoded JSON value with sorted object keys and no
// insignificant whitespace.
func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	}
	return nil
}
