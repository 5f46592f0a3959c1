package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/policy"
	"github.com/evelabs/callbrain/internal/speech"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/trace"
	"github.com/evelabs/callbrain/internal/wire"
	"github.com/evelabs/callbrain/pkg/provider/llm"
)

// TurnOutputKind discriminates turn handler outputs.
type TurnOutputKind int

// Turn output kinds.
const (
	TurnOutputPlan TurnOutputKind = iota
	TurnOutputMsg
	TurnOutputComplete
)

// TurnOutput is one item on a turn handler's output channel.
type TurnOutput struct {
	Kind  TurnOutputKind
	Epoch int
	Plan  speech.Plan
	Msg   wire.Outbound
}

// Acknowledgement and filler phrase pools. Selection is deterministic per
// (call, turn, segment) and never repeats within a turn.
var (
	ackStandard = []string{"Okay."}
	ackApology  = []string{"Sorry about that."}
	fillerFirst = []string{
		"Okay, one sec.",
		"Give me a second.",
		"Checking that now.",
		"One moment.",
		"Hang on one sec.",
		"Let me check that.",
		"All right, one sec.",
	}
	fillerSecond = []string{
		"Still pulling that up.",
		"Thanks for waiting, I am still checking.",
		"Almost there, I am still loading it.",
		"Still on it.",
		"Still working on that now.",
	}
)

// errorFallbackText is spoken when a turn fails unexpectedly.
const errorFallbackText = "Sorry, I hit a snag. Can you say that one more time?"

// TurnHandler produces the speech plans and tool frames for exactly one
// epoch. It runs as its own goroutine and communicates only through its
// output channel; cancellation of its context stops it mid-step.
type TurnHandler struct {
	sessionID string
	callID    string
	epoch     int
	turnID    int

	action     policy.Action
	transcript []wire.Utterance

	cfg     *config.Config
	clock   clock.Clock
	metrics *observe.SessionMetrics
	tools   *tools.Registry
	llm     llm.Client
	trace   *trace.Sink

	out        chan<- TurnOutput
	prefetched []tools.Record
	phrases    *policy.PhraseSet
}

// TurnHandlerConfig wires a TurnHandler.
type TurnHandlerConfig struct {
	SessionID  string
	CallID     string
	Epoch      int
	Action     policy.Action
	Transcript []wire.Utterance
	Config     *config.Config
	Clock      clock.Clock
	Metrics    *observe.SessionMetrics
	Tools      *tools.Registry
	LLM        llm.Client
	Trace      *trace.Sink
	Out        chan<- TurnOutput
	Prefetched []tools.Record
}

// NewTurnHandler creates a handler for one epoch.
func NewTurnHandler(cfg TurnHandlerConfig) *TurnHandler {
	return &TurnHandler{
		sessionID:  cfg.SessionID,
		callID:     cfg.CallID,
		epoch:      cfg.Epoch,
		turnID:     cfg.Epoch,
		action:     cfg.Action,
		transcript: append([]wire.Utterance(nil), cfg.Transcript...),
		cfg:        cfg.Config,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		tools:      cfg.Tools,
		llm:        cfg.LLM,
		trace:      cfg.Trace,
		out:        cfg.Out,
		prefetched: cfg.Prefetched,
		phrases:    policy.NewPhraseSet(),
	}
}

// Run executes the turn. Any panic below the handler falls back to a
// deterministic short ERROR plan rather than taking the session down.
func (h *TurnHandler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn handler panic", "call_id", h.callID, "epoch", h.epoch, "panic", r)
			segs := speech.MicroChunk(h.guard(errorFallbackText), h.chunkParams(speech.PurposeContent, false, nil))
			plan := h.buildPlan(speech.PurposeError, segs, nil, false)
			_ = h.emitPlan(ctx, plan)
			_ = h.emitDone(ctx)
		}
	}()
	_ = h.run(ctx)
}

func (h *TurnHandler) run(ctx context.Context) error {
	needsApology := h.action.PayloadBool("needs_apology")
	disclosureRequired := h.action.PayloadBool("disclosure_required")
	skipAck := h.action.PayloadBool("skip_ack")
	noSignal := h.action.PayloadBool("no_signal")
	noProgress := h.action.PayloadBool("no_progress")
	message := h.action.PayloadString("message")

	// Ambient/no-progress turns advance state without audio.
	if h.action.Type == policy.ActionNoop || (noSignal && message == "") || (noProgress && message == "") {
		return h.emitDone(ctx)
	}

	// Early ACK so the caller hears something within the ACK budget. The
	// outbound profile never acks: cold-call pacing reads better without it.
	if !skipAck && h.cfg.Policy.Profile != "outbound" && !noSignal && !noProgress {
		ackSegs := speech.MicroChunk(
			h.guard(h.ackText(needsApology, disclosureRequired)),
			h.chunkParams(speech.PurposeAck, false, nil),
		)
		ackPlan := h.buildPlan(speech.PurposeAck, ackSegs, nil, disclosureRequired)
		h.traceMarker("speech_plan_ack_ms", map[string]any{"segments": len(ackSegs)})
		if err := h.emitPlan(ctx, ackPlan); err != nil {
			return err
		}
	}

	var records []tools.Record
	if len(h.action.ToolRequests) > 0 {
		var err error
		records, err = h.executeToolsWithLatencyMasking(ctx)
		if err != nil {
			return err
		}
	}

	// Optional streaming NLG for non-factual turns.
	if h.cfg.LLM.UseForNLG && h.llm != nil &&
		(h.action.Type == policy.ActionAsk || h.action.Type == policy.ActionRepair) &&
		len(h.action.ToolRequests) == 0 {
		if err := h.emitLLMContent(ctx, records); err != nil {
			return err
		}
		return h.emitDone(ctx)
	}

	h.traceMarker("speech_plan_build_start_ms", map[string]any{"tool_records": len(records)})
	planStart := h.clock.NowMS()
	plan := h.planFromAction(records)
	h.traceMarker("speech_plan_build_ms", map[string]any{
		"purpose":     string(plan.Reason),
		"segments":    len(plan.Segments),
		"duration_ms": h.clock.NowMS() - planStart,
	})

	plan = speech.EnforceToolGroundingOrFallback(plan, h.metrics)
	if err := h.emitPlan(ctx, plan); err != nil {
		return err
	}

	if h.action.Type == policy.ActionEndCall && h.action.PayloadBool("end_call") {
		err := h.emitMsg(ctx, wire.OutboundResponse{
			ResponseID:      h.epoch,
			ContentComplete: true,
			EndCall:         true,
		})
		if err != nil {
			return err
		}
	}
	if h.action.Type == policy.ActionTransfer {
		if number := h.action.PayloadString("transfer_number"); number != "" {
			err := h.emitMsg(ctx, wire.OutboundResponse{
				ResponseID:      h.epoch,
				ContentComplete: true,
				TransferNumber:  number,
			})
			if err != nil {
				return err
			}
		}
	}
	return h.emitDone(ctx)
}

// ─── Output plumbing ──────────────────────────────────────────────────────────

func (h *TurnHandler) emitPlan(ctx context.Context, plan speech.Plan) error {
	return h.emit(ctx, TurnOutput{Kind: TurnOutputPlan, Epoch: h.epoch, Plan: plan})
}

func (h *TurnHandler) emitMsg(ctx context.Context, msg wire.Outbound) error {
	return h.emit(ctx, TurnOutput{Kind: TurnOutputMsg, Epoch: h.epoch, Msg: msg})
}

func (h *TurnHandler) emitDone(ctx context.Context) error {
	return h.emit(ctx, TurnOutput{Kind: TurnOutputComplete, Epoch: h.epoch})
}

func (h *TurnHandler) emit(ctx context.Context, out TurnOutput) error {
	select {
	case h.out <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TurnHandler) traceMarker(phase string, payload map[string]any) {
	if h.trace == nil {
		return
	}
	payload["phase"] = phase
	h.trace.Emit(trace.Record{
		TMS:       h.clock.NowMS(),
		SessionID: h.sessionID,
		CallID:    h.callID,
		TurnID:    h.turnID,
		Epoch:     h.epoch,
		WSState:   "OPEN",
		ConvState: "PROCESSING",
		Type:      "timing_marker",
		Payload:   payload,
	})
}

// ─── Text shaping helpers ─────────────────────────────────────────────────────

func (h *TurnHandler) guard(text string) string {
	return speech.Guard(text, h.metrics, speech.GuardOptions{
		PlainLanguage:   h.cfg.Speech.PlainLanguage,
		NoReasoningLeak: h.cfg.Speech.NoReasoningLeak,
	})
}

func (h *TurnHandler) ackText(needsApology, disclosureRequired bool) string {
	options := ackStandard
	if needsApology {
		options = ackApology
	}
	base := h.phrases.Pick(options, h.callID, h.turnID, "ACK", 0)
	if disclosureRequired {
		return base + " I'm " + h.cfg.Policy.AgentName + ", " + h.cfg.Policy.OrgName + "'s virtual assistant."
	}
	return base
}

func (h *TurnHandler) fillerText(fillerIndex int) string {
	options := fillerFirst
	if fillerIndex > 0 {
		options = fillerSecond
	}
	return h.phrases.Pick(options, h.callID, h.turnID, "FILLER", fillerIndex)
}

// chunkParams builds planner parameters from the session config.
func (h *TurnHandler) chunkParams(purpose speech.Purpose, requiresEvidence bool, evidenceIDs []string) speech.Params {
	sc := h.cfg.Speech
	p := speech.Params{
		MaxExpectedMS:        sc.MaxSegmentExpectedMS,
		PaceMSPerChar:        sc.PaceMSPerChar,
		Purpose:              purpose,
		Interruptible:        true,
		RequiresToolEvidence: requiresEvidence,
		ToolEvidenceIDs:      evidenceIDs,
		Mode:                 speech.MarkupMode(sc.MarkupMode),
		DashPauseUnitMS:      sc.DashPauseUnitMS,
		DigitDashPauseUnitMS: sc.DigitDashPauseUnitMS,
		Scope:                speech.PauseScope(sc.DashPauseScope),
	}
	if purpose == speech.PurposeContent {
		p.MaxMonologueMS = sc.MaxMonologueExpectedMS
	}
	return p
}

func (h *TurnHandler) buildPlan(reason speech.Purpose, segs []speech.Segment, refs []speech.SourceRef, disclosure bool) speech.Plan {
	return speech.BuildPlan(h.sessionID, h.callID, h.turnID, h.epoch,
		h.clock.NowMS(), reason, segs, refs, disclosure, h.metrics)
}

// planText is the common "guard, chunk, build" path.
func (h *TurnHandler) planText(text string, purpose speech.Purpose, reason speech.Purpose,
	refs []speech.SourceRef, requiresEvidence bool, evidenceIDs []string) speech.Plan {
	segs := speech.MicroChunk(h.guard(text), h.chunkParams(purpose, requiresEvidence, evidenceIDs))
	return h.buildPlan(reason, segs, refs, false)
}

// withEmpathy prepends an empathy lead-in when the user sounded frustrated.
func (h *TurnHandler) withEmpathy(msg string) string {
	if !h.action.PayloadBool("needs_empathy") {
		return msg
	}
	if strings.Contains(strings.ToLower(msg), "sorry") {
		return msg
	}
	if h.cfg.Policy.Profile == "outbound" {
		return "I hear you. " + msg
	}
	return "I'm sorry about that. " + msg
}

// ─── Tool execution with latency masking ──────────────────────────────────────

// executeToolsWithLatencyMasking runs the action's tool requests in order.
// Matching OK prefetches short-circuit execution (the invocation/result
// frames are still woven). Fillers fire at the configured thresholds while a
// tool is still running, capped per tool.
func (h *TurnHandler) executeToolsWithLatencyMasking(ctx context.Context) ([]tools.Record, error) {
	prefetched := make(map[string]tools.Record, len(h.prefetched))
	for _, rec := range h.prefetched {
		prefetched[rec.Name+"|"+tools.CanonicalArgs(rec.Arguments)] = rec
	}

	var records []tools.Record
	for _, req := range h.action.ToolRequests {
		started := h.clock.NowMS()

		if pre, ok := prefetched[req.Name+"|"+tools.CanonicalArgs(req.Arguments)]; ok && pre.OK {
			if err := h.emitMsg(ctx, wire.OutboundToolCallInvocation{
				ToolCallID: pre.ToolCallID, Name: pre.Name, Arguments: tools.CanonicalArgs(req.Arguments),
			}); err != nil {
				return records, err
			}
			if err := h.emitMsg(ctx, wire.OutboundToolCallResult{
				ToolCallID: pre.ToolCallID, Content: pre.Content,
			}); err != nil {
				return records, err
			}
			h.metrics.Observe(observe.MetricToolCallTotalMS, pre.CompletedAtMS-pre.StartedAtMS)
			h.metrics.Inc(observe.MetricSpeculativeUsed, 1)
			records = append(records, pre)
			continue
		}

		rec, err := h.runOneTool(ctx, req, started)
		if err != nil {
			return records, err
		}
		h.metrics.Observe(observe.MetricToolCallTotalMS, rec.CompletedAtMS-rec.StartedAtMS)
		if !rec.OK {
			h.metrics.Inc(observe.MetricToolFailures, 1)
		}
		records = append(records, rec)
	}
	return records, nil
}

// runOneTool invokes a single tool under its absolute deadline, weaving
// invocation/result frames and emitting fillers at the scheduled deadlines.
func (h *TurnHandler) runOneTool(ctx context.Context, req policy.ToolRequest, started int64) (tools.Record, error) {
	sc := h.cfg.Speech

	emit := &tools.EmitFuncs{
		Invocation: func(id, name, argsJSON string) {
			_ = h.emitMsg(ctx, wire.OutboundToolCallInvocation{ToolCallID: id, Name: name, Arguments: argsJSON})
		},
		Result: func(id, content string) {
			_ = h.emitMsg(ctx, wire.OutboundToolCallResult{ToolCallID: id, Content: content})
		},
	}

	recCh := make(chan tools.Record, 1)
	go func() {
		rec, err := h.tools.Invoke(ctx, req.Name, req.Arguments, sc.ToolTimeoutMS, started, emit)
		if err != nil {
			// Unknown tool: record a deterministic failure instead of dying.
			rec = tools.Record{
				ToolCallID:    h.sessionID + ":tool:unknown",
				Name:          req.Name,
				Arguments:     req.Arguments,
				StartedAtMS:   started,
				CompletedAtMS: h.clock.NowMS(),
				Content:       "tool_error:" + err.Error(),
			}
		}
		recCh <- rec
	}()

	// Filler deadlines: first at the threshold, second after a longer wait.
	deadlines := []int64{started + int64(sc.ToolFillerThresholdMS)}
	if sc.MaxFillersPerTool > 1 {
		second := max(int64(sc.ToolFillerThresholdMS), 200)
		deadlines = append(deadlines, started+int64(sc.ToolFillerThresholdMS)+second)
	}

	fillersSent := 0
	firstFillerSent := false
	for {
		var timerCh <-chan struct{}
		if fillersSent < sc.MaxFillersPerTool {
			now := h.clock.NowMS()
			for _, d := range deadlines {
				if d > now {
					timerCh = h.after(ctx, d)
					break
				}
			}
		}

		select {
		case rec := <-recCh:
			return rec, nil

		case <-timerCh:
			fillersSent++
			fillerSegs := speech.MicroChunk(
				h.guard(h.fillerText(fillersSent-1)),
				h.chunkParams(speech.PurposeFiller, false, nil),
			)
			if err := h.emitPlan(ctx, h.buildPlan(speech.PurposeFiller, fillerSegs, nil, false)); err != nil {
				return tools.Record{}, err
			}
			if !firstFillerSent {
				firstFillerSent = true
				h.metrics.Observe(observe.MetricToolCallToFirstFillerMS, h.clock.NowMS()-started)
			}

		case <-ctx.Done():
			return tools.Record{}, ctx.Err()
		}
	}
}

// after returns a channel closed when the clock reaches deadlineMS.
func (h *TurnHandler) after(ctx context.Context, deadlineMS int64) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if err := h.clock.SleepUntil(ctx, deadlineMS); err == nil {
			close(ch)
		}
	}()
	return ch
}

// ─── Action → plan mapping ────────────────────────────────────────────────────

// planFromAction builds the turn's terminal content plan from the dialogue
// action and tool results.
func (h *TurnHandler) planFromAction(records []tools.Record) speech.Plan {
	refs := make([]speech.SourceRef, 0, len(records))
	var evidence []string
	for _, r := range records {
		refs = append(refs, speech.SourceRef{Kind: "tool_call", ID: r.ToolCallID})
		if r.OK {
			evidence = append(evidence, r.ToolCallID)
		}
	}

	switch h.action.Type {
	case policy.ActionEscalateSafety:
		msg := h.withEmpathy(h.action.PayloadString("message"))
		return h.planText(msg, speech.PurposeContent, speech.PurposeError, refs, false, nil)

	case policy.ActionAsk:
		msg := h.withEmpathy(h.action.PayloadString("message"))
		return h.planText(msg, speech.PurposeClarify, speech.PurposeClarify, refs, false, nil)

	case policy.ActionRepair:
		h.metrics.Inc(observe.MetricRepairAttempts, 1)
		msg := "Sorry, can you say that again?"
		if h.action.PayloadString("field") == "name" && h.action.PayloadString("strategy") == "spell" {
			msg = "Could you spell your name for me?"
		}
		return h.planText(h.withEmpathy(msg), speech.PurposeRepair, speech.PurposeRepair, refs, false, nil)

	case policy.ActionConfirm:
		h.metrics.Inc(observe.MetricConfirmations, 1)
		var msg string
		switch h.action.PayloadString("field") {
		case "phone_last4":
			msg = "Just to confirm, your last four are " + h.action.PayloadString("phone_last4") + ", right?"
		case "requested_dt":
			msg = "Just to confirm, " + h.action.PayloadString("requested_dt") + ", right?"
		default:
			msg = "Just to confirm, is that right?"
		}
		return h.planText(h.withEmpathy(msg), speech.PurposeConfirm, speech.PurposeConfirm, refs, false, nil)

	case policy.ActionInform:
		return h.planInform(records, refs, evidence)

	case policy.ActionOfferSlots:
		return h.planOfferSlots(records, refs, evidence)

	case policy.ActionTransfer:
		msg := h.action.PayloadString("message")
		if msg == "" {
			msg = "Let me get someone on the line for you. One moment."
		}
		return h.planText(h.withEmpathy(msg), speech.PurposeContent, speech.PurposeContent, refs, false, nil)

	case policy.ActionEndCall:
		msg := h.action.PayloadString("message")
		if msg == "" {
			msg = "Thanks for your time. Goodbye."
		}
		return h.planText(h.withEmpathy(msg), speech.PurposeClosing, speech.PurposeClosing, refs, false, nil)
	}

	return h.planText(h.withEmpathy("How can I help?"), speech.PurposeClarify, speech.PurposeClarify, refs, false, nil)
}

// planInform handles identity and pricing informs.
func (h *TurnHandler) planInform(records []tools.Record, refs []speech.SourceRef, evidence []string) speech.Plan {
	switch h.action.PayloadString("info_type") {
	case "identity":
		segs := speech.MicroChunk(h.guard(h.action.PayloadString("message")),
			h.chunkParams(speech.PurposeContent, false, nil))
		return h.buildPlan(speech.PurposeContent, segs, refs, true)

	case "outbound_identity":
		msg := h.withEmpathy(h.action.PayloadString("message"))
		return h.planText(msg, speech.PurposeContent, speech.PurposeContent, refs, false, nil)

	case "pricing":
		price, ok := priceFromRecords(records)
		if !ok {
			h.metrics.Inc(observe.MetricFallbacksUsed, 1)
			msg := h.withEmpathy("I can check pricing for you, but I don't want to guess. What service are you asking about?")
			return h.planText(msg, speech.PurposeClarify, speech.PurposeError, refs, false, nil)
		}
		msg := h.withEmpathy("For a general visit, it's $" + price + ".")
		return h.planText(msg, speech.PurposeContent, speech.PurposeContent, refs, true, evidence)
	}

	msg := h.withEmpathy(h.action.PayloadString("message"))
	return h.planText(msg, speech.PurposeContent, speech.PurposeContent, refs, false, nil)
}

// planOfferSlots reads availability results and offers the top-ranked slots.
func (h *TurnHandler) planOfferSlots(records []tools.Record, refs []speech.SourceRef, evidence []string) speech.Plan {
	var slots []string
	for _, r := range records {
		if r.Name == "check_availability" && r.OK {
			var payload struct {
				Slots []string `json:"slots"`
			}
			if err := json.Unmarshal([]byte(r.Content), &payload); err == nil {
				slots = payload.Slots
			}
		}
	}

	if len(slots) == 0 {
		h.metrics.Inc(observe.MetricFallbacksUsed, 1)
		msg := h.withEmpathy("I'm not seeing openings right now. Do you want to try a different day, or should I have someone call you back?")
		return h.planText(msg, speech.PurposeClarify, speech.PurposeError, refs, false, nil)
	}

	ranked := policy.SortSlotsByAcceptance(slots)
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	h.metrics.Observe(observe.MetricOfferedSlotsCount, int64(len(ranked)))

	var offer string
	switch len(ranked) {
	case 1:
		offer = ranked[0]
	case 2:
		offer = ranked[0] + " or " + ranked[1]
	default:
		offer = ranked[0] + ", " + ranked[1] + ", or " + ranked[2]
	}

	lead := ""
	if prefix := h.action.PayloadString("message_prefix"); prefix != "" {
		lead = prefix + " "
	}
	msg := h.withEmpathy(lead + "I have " + offer + ". Which works best?")
	return h.planText(msg, speech.PurposeContent, speech.PurposeContent, refs, true, evidence)
}

func priceFromRecords(records []tools.Record) (string, bool) {
	for _, r := range records {
		if r.Name == "get_pricing" && r.OK {
			var payload struct {
				PriceUSD *int `json:"price_usd"`
			}
			if err := json.Unmarshal([]byte(r.Content), &payload); err == nil && payload.PriceUSD != nil {
				return strconv.Itoa(*payload.PriceUSD), true
			}
		}
	}
	return "", false
}

// ─── Streaming LLM NLG ────────────────────────────────────────────────────────

// emitLLMContent streams model output into segments with a filler threshold
// and a hard timeout. Any digit in the stream aborts it: numbers must come
// from tools, never from a model.
func (h *TurnHandler) emitLLMContent(ctx context.Context, records []tools.Record) error {
	sc := h.cfg.Speech
	started := h.clock.NowMS()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	tokCh, err := h.llm.StreamText(streamCtx, h.buildLLMPrompt(records))
	if err != nil {
		return h.emitLLMFallback(ctx)
	}

	chunker := speech.NewChunker(h.chunkParams(speech.PurposeContent, false, nil))
	fillerCh := h.after(ctx, started+int64(sc.ModelFillerThresholdMS))
	timeoutCh := h.after(ctx, started+int64(sc.ModelTimeoutMS))

	contentEmitted := false
	fillerSent := false
	digitViolation := false
	timedOut := false

loop:
	for {
		var fillerWait <-chan struct{}
		if !fillerSent && !contentEmitted {
			fillerWait = fillerCh
		}

		select {
		case tok, ok := <-tokCh:
			if !ok {
				break loop
			}
			if tok == "" {
				continue
			}
			if strings.ContainsAny(tok, "0123456789") {
				digitViolation = true
				cancelStream()
				break loop
			}
			if segs := chunker.Push(h.guard(tok)); len(segs) > 0 {
				contentEmitted = true
				if err := h.emitPlan(ctx, h.buildPlan(speech.PurposeContent, segs, nil, false)); err != nil {
					return err
				}
			}

		case <-fillerWait:
			fillerSent = true
			fillerSegs := speech.MicroChunk(h.guard(h.fillerText(0)),
				h.chunkParams(speech.PurposeFiller, false, nil))
			if err := h.emitPlan(ctx, h.buildPlan(speech.PurposeFiller, fillerSegs, nil, false)); err != nil {
				return err
			}

		case <-timeoutCh:
			h.metrics.Inc(observe.MetricFallbacksUsed, 1)
			timedOut = true
			cancelStream()
			break loop

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !digitViolation && !timedOut {
		if segs := chunker.FlushFinal(); len(segs) > 0 {
			contentEmitted = true
			if err := h.emitPlan(ctx, h.buildPlan(speech.PurposeContent, segs, nil, false)); err != nil {
				return err
			}
		}
	}

	if (digitViolation || timedOut) && !contentEmitted {
		return h.emitLLMFallback(ctx)
	}
	return nil
}

func (h *TurnHandler) emitLLMFallback(ctx context.Context) error {
	h.metrics.Inc(observe.MetricFallbacksUsed, 1)
	segs := speech.MicroChunk(h.guard("Sorry, one moment. Could you say that again?"),
		h.chunkParams(speech.PurposeClarify, false, nil))
	return h.emitPlan(ctx, h.buildPlan(speech.PurposeClarify, segs, nil, false))
}

// buildLLMPrompt keeps the prompt contract-driven and short: the model only
// phrases non-factual turns.
func (h *TurnHandler) buildLLMPrompt(records []tools.Record) string {
	payload, _ := wire.CanonicalJSON(h.action.Payload)
	transcriptBlob, _ := wire.CanonicalJSON(h.transcript)

	toolSummary := make([]map[string]any, 0, len(records))
	for _, r := range records {
		toolSummary = append(toolSummary, map[string]any{"name": r.Name, "ok": r.OK, "content": r.Content})
	}
	toolBlob, _ := wire.CanonicalJSON(toolSummary)

	var sb strings.Builder
	sb.WriteString("You are " + h.cfg.Policy.AgentName + ", the voice assistant for " + h.cfg.Policy.OrgName + ".\n\n")
	sb.WriteString("Task: write the single next utterance for the assistant.\n")
	sb.WriteString("Hard constraints:\n")
	sb.WriteString("- Do not claim to be human.\n")
	sb.WriteString("- Do not invent any numbers, prices, times, dates, or availability.\n")
	sb.WriteString("- Use plain words an 8th grader can understand.\n")
	sb.WriteString("- Never explain your internal reasoning.\n")
	sb.WriteString("- Keep it short (1-2 sentences).\n\n")
	sb.WriteString("action_type=" + string(h.action.Type) + "\n")
	sb.WriteString("action_payload=" + string(payload) + "\n")
	sb.WriteString("transcript=" + string(transcriptBlob) + "\n")
	sb.WriteString("tool_records=" + string(toolBlob) + "\n\n")
	sb.WriteString("Return only the text to say.")
	return sb.String()
}
