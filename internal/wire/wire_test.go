package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"ping", `{"interaction_type":"ping_pong","timestamp":4242}`, "ping_pong"},
		{"call details", `{"interaction_type":"call_details","call":{"call_id":"c1"}}`, "call_details"},
		{"update only", `{"interaction_type":"update_only","transcript":[{"role":"user","content":"hi"}],"turntaking":"user_turn"}`, "update_only"},
		{"response required", `{"interaction_type":"response_required","response_id":3,"transcript":[]}`, "response_required"},
		{"reminder required", `{"interaction_type":"reminder_required","response_id":4,"transcript":[]}`, "reminder_required"},
		{"clear", `{"interaction_type":"clear"}`, "clear"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseInbound([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := ev.InteractionType(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	t.Run("ping carries timestamp", func(t *testing.T) {
		ev, err := ParseInbound([]byte(`{"interaction_type":"ping_pong","timestamp":99}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.(InboundPing).Timestamp != 99 {
			t.Errorf("timestamp not preserved")
		}
	})

	t.Run("response_required carries epoch and transcript", func(t *testing.T) {
		ev, err := ParseInbound([]byte(`{"interaction_type":"response_required","response_id":7,"transcript":[{"role":"user","content":"Hi"}]}`))
		if err != nil {
			t.Fatal(err)
		}
		rr := ev.(InboundResponseRequired)
		if rr.ResponseID != 7 {
			t.Errorf("expected response_id 7, got %d", rr.ResponseID)
		}
		if LastUserText(rr.Transcript) != "Hi" {
			t.Errorf("transcript not preserved")
		}
	})
}

func TestParseInbound_Errors(t *testing.T) {
	t.Run("bad json is not a schema error", func(t *testing.T) {
		_, err := ParseInbound([]byte(`{not json`))
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrBadSchema) {
			t.Error("JSON decode failure must be distinguishable from schema failure")
		}
	})

	schemaFails := []struct {
		name string
		raw  string
	}{
		{"missing discriminator", `{"timestamp":1}`},
		{"unknown discriminator", `{"interaction_type":"dance"}`},
		{"ping without timestamp", `{"interaction_type":"ping_pong"}`},
		{"response without id", `{"interaction_type":"response_required","transcript":[]}`},
		{"bad turntaking", `{"interaction_type":"update_only","transcript":[],"turntaking":"robot_turn"}`},
	}
	for _, tt := range schemaFails {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.raw))
			if !errors.Is(err, ErrBadSchema) {
				t.Errorf("expected ErrBadSchema, got %v", err)
			}
		})
	}
}

func TestEncodeOutbound_CanonicalAndOmitsEmpty(t *testing.T) {
	noInt := false
	got, err := EncodeOutbound(OutboundResponse{
		ResponseID:            2,
		Content:               "hello",
		ContentComplete:       false,
		NoInterruptionAllowed: &noInt,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"content":"hello","content_complete":false,"no_interruption_allowed":false,"response_id":2,"response_type":"response"}`
	if string(got) != want {
		t.Errorf("canonical encoding mismatch:\n got %s\nwant %s", got, want)
	}

	t.Run("end_call only when set", func(t *testing.T) {
		got, err := EncodeOutbound(OutboundResponse{ResponseID: 1, ContentComplete: true, EndCall: true})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(got, []byte(`"end_call":true`)) {
			t.Errorf("end_call missing: %s", got)
		}
		got2, _ := EncodeOutbound(OutboundResponse{ResponseID: 1, ContentComplete: true})
		if bytes.Contains(got2, []byte("end_call")) {
			t.Errorf("end_call leaked when unset: %s", got2)
		}
	})

	t.Run("ping", func(t *testing.T) {
		got, err := EncodeOutbound(OutboundPing{Timestamp: 4242})
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"response_type":"ping_pong","timestamp":4242}` {
			t.Errorf("unexpected encoding: %s", got)
		}
	})
}

func TestCanonicalJSON_RoundTripStable(t *testing.T) {
	frames := []Outbound{
		OutboundConfig{Config: PlatformConfig{AutoReconnect: true, CallDetails: true, TranscriptWithToolCalls: true}},
		OutboundUpdateAgent{AgentConfig: AgentConfig{Responsiveness: 0.8, InterruptionSensitivity: 0.8, ReminderTriggerMS: 3000, ReminderMaxCount: 1}},
		OutboundResponse{ResponseID: 5, Content: "a - b", ContentComplete: true},
		OutboundToolCallInvocation{ToolCallID: "s:tool:1", Name: "get_pricing", Arguments: `{"service_id":"general"}`},
		OutboundToolCallResult{ToolCallID: "s:tool:1", Content: `{"price_usd":120}`},
		OutboundMetadata{Metadata: map[string]any{"b": 1, "a": []any{"z", "y"}}},
	}
	for _, f := range frames {
		first, err := EncodeOutbound(f)
		if err != nil {
			t.Fatalf("%T: %v", f, err)
		}
		var decoded any
		if err := json.Unmarshal(first, &decoded); err != nil {
			t.Fatalf("%T: decode: %v", f, err)
		}
		second, err := CanonicalJSON(decoded)
		if err != nil {
			t.Fatalf("%T: re-encode: %v", f, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%T: canonical round-trip unstable:\n first %s\nsecond %s", f, first, second)
		}
	}
}

func TestIsTerminalResponse(t *testing.T) {
	if IsTerminalResponse(OutboundResponse{ResponseID: 1}) {
		t.Error("non-terminal flagged terminal")
	}
	if !IsTerminalResponse(OutboundResponse{ResponseID: 1, ContentComplete: true}) {
		t.Error("terminal not detected")
	}
	if IsTerminalResponse(OutboundPing{Timestamp: 1}) {
		t.Error("ping flagged terminal")
	}
}
