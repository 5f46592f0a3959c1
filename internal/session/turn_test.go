package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/policy"
	"github.com/evelabs/callbrain/internal/speech"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/trace"
	"github.com/evelabs/callbrain/internal/wire"
)

// runTurn executes one TurnHandler to completion, stepping the fake clock so
// filler and timeout deadlines fire.
func runTurn(t *testing.T, cfg *config.Config, clk *clock.Fake, action policy.Action) ([]TurnOutput, *observe.SessionMetrics) {
	t.Helper()
	metrics := observe.NewSessionMetrics(nil)
	reg := tools.NewRegistry("sess-test", clk, tools.WithLatencyMS(cfg.Tools.LatencyMS))
	out := make(chan TurnOutput, 64)

	h := NewTurnHandler(TurnHandlerConfig{
		SessionID: "sess-test",
		CallID:    "call-test",
		Epoch:     1,
		Action:    action,
		Transcript: []wire.Utterance{
			{Role: "user", Content: "hello"},
		},
		Config:  cfg,
		Clock:   clk,
		Metrics: metrics,
		Tools:   reg,
		Trace:   trace.NewSink(1024),
		Out:     out,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	var outputs []TurnOutput
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case o := <-out:
			outputs = append(outputs, o)
			if o.Kind == TurnOutputComplete {
				return outputs, metrics
			}
		case <-time.After(2 * time.Millisecond):
			clk.Advance(100)
		}
	}
	t.Fatalf("turn did not complete; got %d outputs", len(outputs))
	return nil, nil
}

func plansOf(outputs []TurnOutput) []speech.Plan {
	var plans []speech.Plan
	for _, o := range outputs {
		if o.Kind == TurnOutputPlan {
			plans = append(plans, o.Plan)
		}
	}
	return plans
}

func TestTurnHandler_AckBeforeContent(t *testing.T) {
	cfg := testConfig()
	outputs, _ := runTurn(t, cfg, clock.NewFake(0), policy.Action{
		Type: policy.ActionInform,
		Payload: map[string]any{
			"info_type": "pricing",
		},
		ToolRequests: []policy.ToolRequest{
			{Name: "get_pricing", Arguments: map[string]any{"service_id": "general"}},
		},
	})

	plans := plansOf(outputs)
	if len(plans) < 2 {
		t.Fatalf("plans = %d, want at least ACK + CONTENT", len(plans))
	}
	if plans[0].Reason != speech.PurposeAck {
		t.Errorf("first plan reason = %s, want ACK", plans[0].Reason)
	}
	last := plans[len(plans)-1]
	if last.Reason != speech.PurposeContent {
		t.Errorf("final plan reason = %s, want CONTENT", last.Reason)
	}
	for _, seg := range last.Segments {
		if seg.RequiresToolEvidence && len(seg.ToolEvidenceIDs) == 0 {
			t.Error("content segment requires tool evidence but carries none")
		}
	}
}

func TestTurnHandler_ConfirmRendersProtectedDigits(t *testing.T) {
	cfg := testConfig()
	outputs, _ := runTurn(t, cfg, clock.NewFake(0), policy.Action{
		Type: policy.ActionConfirm,
		Payload: map[string]any{
			"field":       "phone_last4",
			"phone_last4": "4567",
		},
	})

	plans := plansOf(outputs)
	var confirm *speech.Plan
	for i := range plans {
		if plans[i].Reason == speech.PurposeConfirm {
			confirm = &plans[i]
		}
	}
	if confirm == nil {
		t.Fatal("no CONFIRM plan emitted")
	}
	rendered := ""
	for _, seg := range confirm.Segments {
		rendered += seg.Rendered
	}
	if !strings.Contains(rendered, "4 - 5 - 6 - 7") {
		t.Errorf("rendered confirm = %q, want digit pauses \"4 - 5 - 6 - 7\"", rendered)
	}
	if strings.Contains(rendered, "<break") {
		t.Errorf("rendered confirm contains SSML: %q", rendered)
	}
}

func TestTurnHandler_ToolTimeoutFallsBackNonNumeric(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.LatencyMS = map[string]int{"get_pricing": 4000}
	cfg.Speech.ToolTimeoutMS = 3000
	cfg.Speech.ToolFillerThresholdMS = 800
	cfg.Speech.MaxFillersPerTool = 2

	outputs, metrics := runTurn(t, cfg, clock.NewFake(0), policy.Action{
		Type:    policy.ActionInform,
		Payload: map[string]any{"info_type": "pricing"},
		ToolRequests: []policy.ToolRequest{
			{Name: "get_pricing", Arguments: map[string]any{"service_id": "general"}},
		},
	})

	plans := plansOf(outputs)
	fillerSeen := false
	for _, p := range plans {
		if p.Reason == speech.PurposeFiller {
			fillerSeen = true
			for _, seg := range p.Segments {
				if !seg.Interruptible {
					t.Error("filler segment is not interruptible")
				}
			}
		}
	}
	if !fillerSeen {
		t.Error("no FILLER plan emitted while tool was running")
	}

	timeoutResult := false
	for _, o := range outputs {
		if o.Kind != TurnOutputMsg {
			continue
		}
		if res, ok := o.Msg.(wire.OutboundToolCallResult); ok && res.Content == tools.TimeoutContent {
			timeoutResult = true
		}
	}
	if !timeoutResult {
		t.Error("no tool_call_result with tool_timeout content")
	}

	final := plans[len(plans)-1]
	if final.Reason != speech.PurposeError && final.Reason != speech.PurposeClarify {
		t.Errorf("final plan reason = %s, want ERROR or CLARIFY fallback", final.Reason)
	}
	for _, seg := range final.Segments {
		if strings.ContainsAny(seg.Plain, "0123456789") {
			t.Errorf("fallback segment contains digits: %q", seg.Plain)
		}
	}
	if got := metrics.Get(observe.MetricFallbacksUsed); got < 1 {
		t.Errorf("fallbacks used = %d, want >= 1", got)
	}
}

func TestTurnHandler_EndCallEmitsTerminalWithFlag(t *testing.T) {
	cfg := testConfig()
	outputs, _ := runTurn(t, cfg, clock.NewFake(0), policy.Action{
		Type: policy.ActionEndCall,
		Payload: map[string]any{
			"message":  "Thanks for your time. Goodbye.",
			"end_call": true,
		},
	})

	found := false
	for _, o := range outputs {
		if o.Kind != TurnOutputMsg {
			continue
		}
		if resp, ok := o.Msg.(wire.OutboundResponse); ok && resp.ContentComplete && resp.EndCall {
			found = true
		}
	}
	if !found {
		t.Error("no terminal response with end_call flag")
	}
}

func TestTurnHandler_PrefetchedRecordSkipsExecution(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.LatencyMS = map[string]int{"get_pricing": 4000}

	clk := clock.NewFake(0)
	metrics := observe.NewSessionMetrics(nil)
	reg := tools.NewRegistry("sess-test", clk, tools.WithLatencyMS(cfg.Tools.LatencyMS))
	out := make(chan TurnOutput, 64)

	pre := tools.Record{
		ToolCallID:    "sess-test:tool:1",
		Name:          "get_pricing",
		Arguments:     map[string]any{"service_id": "general"},
		StartedAtMS:   0,
		CompletedAtMS: 5,
		OK:            true,
		Content:       `{"price_usd":120,"currency":"USD"}`,
	}

	h := NewTurnHandler(TurnHandlerConfig{
		SessionID: "sess-test",
		CallID:    "call-test",
		Epoch:     1,
		Action: policy.Action{
			Type:    policy.ActionInform,
			Payload: map[string]any{"info_type": "pricing"},
			ToolRequests: []policy.ToolRequest{
				{Name: "get_pricing", Arguments: map[string]any{"service_id": "general"}},
			},
		},
		Config:     cfg,
		Clock:      clk,
		Metrics:    metrics,
		Tools:      reg,
		Trace:      trace.NewSink(256),
		Out:        out,
		Prefetched: []tools.Record{pre},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// The prefetched record short-circuits the 4000ms tool without any clock
	// advance; the turn must finish on its own.
	var outputs []TurnOutput
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case o := <-out:
			outputs = append(outputs, o)
		case <-time.After(2 * time.Millisecond):
		}
		if len(outputs) > 0 && outputs[len(outputs)-1].Kind == TurnOutputComplete {
			break
		}
	}
	if len(outputs) == 0 || outputs[len(outputs)-1].Kind != TurnOutputComplete {
		t.Fatal("turn did not complete from prefetched record")
	}

	if got := metrics.Get(observe.MetricSpeculativeUsed); got != 1 {
		t.Errorf("speculative used = %d, want 1", got)
	}
	plans := plansOf(outputs)
	final := plans[len(plans)-1]
	joined := ""
	for _, seg := range final.Segments {
		joined += seg.Plain + " "
	}
	if !strings.Contains(joined, "120") {
		t.Errorf("content = %q, want price from prefetched record", joined)
	}
}
