package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/policy"
	"github.com/evelabs/callbrain/internal/queue"
	"github.com/evelabs/callbrain/internal/speech"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/trace"
	"github.com/evelabs/callbrain/internal/wire"
	"github.com/evelabs/callbrain/pkg/provider/llm"
)

// WSState is the transport-level FSM.
type WSState string

// WS states.
const (
	WSConnecting WSState = "CONNECTING"
	WSOpen       WSState = "OPEN"
	WSClosing    WSState = "CLOSING"
	WSClosed     WSState = "CLOSED"
)

// ConvState is the conversation FSM.
type ConvState string

// Conversation states.
const (
	ConvListening  ConvState = "LISTENING"
	ConvProcessing ConvState = "PROCESSING"
	ConvSpeaking   ConvState = "SPEAKING"
	ConvEnded      ConvState = "ENDED"
)

// TurnRuntime tracks per-epoch emission timing. FirstSegmentMS/AckSegmentMS
// are 0 until the corresponding segment reaches the outbound queue.
type TurnRuntime struct {
	Epoch          int
	FinalizedMS    int64
	FirstSegmentMS int64
	AckSegmentMS   int64
}

// CallOutcome is the per-turn funnel record appended after every policy
// decision.
type CallOutcome struct {
	CallID            string
	TurnID            int
	Epoch             int
	Intent            string
	ActionType        string
	Objection         string
	OfferedSlotsCount int
	Accepted          bool
	Escalated         bool
	TMS               int64
}

const (
	maxKeptSpeechPlans = 512
	maxKeptOutcomes    = 1024
	fastPlanCacheMax   = 256
)

// fastPlanKey identifies one cached scripted outbound plan.
type fastPlanKey struct {
	stage     string
	stateSig  string
	slotSig   string
	intentSig string
}

type fastPlanEntry struct {
	reason     speech.Purpose
	segments   []speech.Segment
	disclosure bool
}

// Orchestrator is the per-session actor. It is the only goroutine that
// mutates slot state, the transcript window, the epoch, and the FSMs; every
// other component talks to it through the bounded queues or the turn output
// channel.
type Orchestrator struct {
	sessionID string
	callID    string
	cfg       *config.Config
	clock     clock.Clock
	metrics   *observe.SessionMetrics
	trace     *trace.Sink
	inbound   *queue.Bounded[InboundItem]
	outbound  *queue.Bounded[Envelope]
	shutdown  *Shutdown
	gate      *Gate
	tools     *tools.Registry
	llm       llm.Client
	decider   policy.Decider
	spec      *Speculator
	signals   *policy.SignalClassifier

	wsState   WSState
	convState ConvState
	epoch     int

	slots         policy.SlotState
	backup        *policy.SlotState
	backupEpoch   int
	memory        *policy.MemoryWindow
	transcript    []wire.Utterance
	memorySummary string

	turnCancel      context.CancelFunc
	turnOut         chan TurnOutput
	turnRT          *TurnRuntime
	terminalSentFor int
	needsApology    bool
	disclosureSent  bool
	interruptID     int
	preAckSentFor   int

	specResult *SpeculativeResult

	fastPlans     map[fastPlanKey]fastPlanEntry
	fastPlanOrder []fastPlanKey

	idleMu       sync.Mutex
	idleDeadline int64

	plansMu     sync.Mutex
	speechPlans []speech.Plan
	outcomes    []CallOutcome
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	SessionID string
	CallID    string
	Config    *config.Config
	Clock     clock.Clock
	Metrics   *observe.SessionMetrics
	Trace     *trace.Sink
	Inbound   *queue.Bounded[InboundItem]
	Outbound  *queue.Bounded[Envelope]
	Shutdown  *Shutdown
	Gate      *Gate
	Tools     *tools.Registry
	LLM       llm.Client
	Decider   policy.Decider
}

// NewOrchestrator creates the session actor.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		sessionID:       cfg.SessionID,
		callID:          cfg.CallID,
		cfg:             cfg.Config,
		clock:           cfg.Clock,
		metrics:         cfg.Metrics,
		trace:           cfg.Trace,
		inbound:         cfg.Inbound,
		outbound:        cfg.Outbound,
		shutdown:        cfg.Shutdown,
		gate:            cfg.Gate,
		tools:           cfg.Tools,
		llm:             cfg.LLM,
		decider:         cfg.Decider,
		signals:         policy.NewSignalClassifier(),
		wsState:         WSConnecting,
		convState:       ConvListening,
		slots:           policy.NewSlotState(),
		backupEpoch:     -1,
		terminalSentFor: -1,
		preAckSentFor:   -1,
		fastPlans:       make(map[fastPlanKey]fastPlanEntry),
	}
	o.memory = policy.NewMemoryWindow(
		cfg.Config.Session.TranscriptMaxUtterances,
		cfg.Config.Session.TranscriptMaxChars,
	)
	o.spec = NewSpeculator(cfg.Config, cfg.Clock, cfg.Metrics, cfg.Tools, cfg.Decider, cfg.CallID)
	return o
}

// SpeechPlans returns the bounded history of emitted plans.
func (o *Orchestrator) SpeechPlans() []speech.Plan {
	o.plansMu.Lock()
	defer o.plansMu.Unlock()
	return append([]speech.Plan(nil), o.speechPlans...)
}

// Outcomes returns the bounded per-turn outcome records.
func (o *Orchestrator) Outcomes() []CallOutcome {
	o.plansMu.Lock()
	defer o.plansMu.Unlock()
	return append([]CallOutcome(nil), o.outcomes...)
}

// Run drives the session until the transport closes, the queues close, or
// the conversation ends. It owns all state transitions.
func (o *Orchestrator) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.start(runCtx)

	// The inbound pump re-arms one predicate-preferred get at a time, so
	// control events overtake queued transcript updates.
	inboundCh := make(chan InboundItem)
	go func() {
		defer close(inboundCh)
		for {
			item, err := o.inbound.GetPrefer(runCtx, isControlInbound)
			if err != nil {
				return
			}
			select {
			case inboundCh <- item:
			case <-runCtx.Done():
				return
			}
		}
	}()

	for !o.shutdown.IsSet() && o.convState != ConvEnded {
		// Stable precedence when multiple sources are ready: inbound events
		// ahead of speculative results ahead of turn outputs.
		select {
		case item, ok := <-inboundCh:
			if o.dispatchInbound(runCtx, item, ok) {
				return
			}
			continue
		default:
		}
		select {
		case res := <-o.spec.Out():
			r := res
			o.specResult = &r
			continue
		default:
		}

		// The turn output channel is re-read each iteration: when a turn is
		// cancelled the channel is swapped out, so no waiter can hang on an
		// orphaned queue.
		turnCh := o.turnOut
		select {
		case item, ok := <-inboundCh:
			if o.dispatchInbound(runCtx, item, ok) {
				return
			}
		case res := <-o.spec.Out():
			r := res
			o.specResult = &r
		case out, ok := <-turnCh:
			if ok {
				o.handleTurnOutput(runCtx, out)
			} else if o.turnOut != nil {
				o.turnOut = nil
			}
		case <-runCtx.Done():
			o.endSession(ReasonQueueClosed)
			return
		case <-o.shutdown.Done():
			o.endSession(ReasonQueueClosed)
			return
		}
	}
	// The loop can also exit on its condition check (external shutdown);
	// termination must still run so the queues unblock their waiters.
	o.endSession(ReasonQueueClosed)
}

// dispatchInbound handles one pump delivery; returns true when the session
// terminated and Run must exit.
func (o *Orchestrator) dispatchInbound(ctx context.Context, item InboundItem, ok bool) bool {
	if !ok {
		o.endSession(ReasonQueueClosed)
		return true
	}
	if item.Closed != nil {
		o.endSession(item.Closed.Reason)
		return true
	}
	o.handleInbound(ctx, item.Event)
	return o.convState == ConvEnded
}

// ─── Startup ──────────────────────────────────────────────────────────────────

// start sends the connection frames, arms keepalive and idle watchdog, and
// opens epoch 0 with either the scripted greeting or an empty terminal.
func (o *Orchestrator) start(ctx context.Context) {
	o.setWSState(WSOpen, "ws_accepted")

	o.enqueue(wire.OutboundConfig{Config: wire.PlatformConfig{
		AutoReconnect:           o.cfg.Platform.AutoReconnect,
		CallDetails:             o.cfg.Platform.CallDetails,
		TranscriptWithToolCalls: o.cfg.Platform.TranscriptWithToolCalls,
	}}, enqOpts{})

	if o.cfg.Platform.SendUpdateAgentOnConnect {
		o.enqueue(wire.OutboundUpdateAgent{AgentConfig: wire.AgentConfig{
			Responsiveness:          o.cfg.Platform.Responsiveness,
			InterruptionSensitivity: o.cfg.Platform.InterruptionSensitivity,
			ReminderTriggerMS:       o.cfg.Platform.ReminderTriggerMS,
			ReminderMaxCount:        o.cfg.Platform.ReminderMaxCount,
		}}, enqOpts{})
	}

	if o.cfg.Platform.AutoReconnect && o.cfg.Session.PingIntervalMS > 0 {
		go o.pingLoop(ctx)
	}
	o.resetIdleWatchdog()
	go o.idleWatchdog(ctx)

	if o.cfg.Policy.SpeakFirst {
		o.beginGreeting()
	} else {
		o.enqueue(wire.OutboundResponse{ResponseID: 0, Content: "", ContentComplete: true}, enqOpts{})
		o.terminalSentFor = 0
	}
}

// beginGreeting emits the scripted opener for epoch 0 and its terminal.
func (o *Orchestrator) beginGreeting() {
	pc := o.cfg.Policy
	var greeting string
	if pc.Profile == "outbound" {
		greeting = "Hi, this is " + pc.AgentName + " with " + pc.OrgName + ". Is now a bad time for a quick question?"
		o.disclosureSent = pc.AutoDisclosure
	} else {
		greeting = "Hi! Thanks for calling " + pc.OrgName + ". This is " + pc.AgentName +
			", the clinic's virtual assistant. How can I help today?"
		o.disclosureSent = true
	}

	segs := speech.MicroChunk(greeting, o.chunkParams(speech.PurposeContent))
	plan := speech.BuildPlan(o.sessionID, o.callID, 0, 0, o.clock.NowMS(),
		speech.PurposeContent, segs, nil, true, o.metrics)

	o.setConvState(ConvSpeaking, "begin_greeting")
	o.emitSpeechPlan(plan)
	o.enqueue(wire.OutboundResponse{ResponseID: 0, Content: "", ContentComplete: true}, enqOpts{})
	o.terminalSentFor = 0
	o.setConvState(ConvListening, "begin_complete")
}

// ─── Inbound event handling ───────────────────────────────────────────────────

func (o *Orchestrator) handleInbound(ctx context.Context, ev wire.Inbound) {
	if o.convState == ConvEnded {
		return
	}
	o.resetIdleWatchdog()
	o.traceEvent("inbound_event", map[string]any{"interaction_type": ev.InteractionType()})

	switch typed := ev.(type) {
	case wire.InboundPing:
		if o.cfg.Platform.AutoReconnect {
			o.enqueue(wire.OutboundPing{Timestamp: typed.Timestamp}, enqOpts{})
		}

	case wire.InboundCallDetails:
		o.ingestCallDetails(typed.Call)

	case wire.InboundClear:
		o.bargeInCancel("clear")

	case wire.InboundUpdateOnly:
		o.updateTranscript(typed.Transcript)

		// Reserved capability: a pre-ack agent_interrupt on agent-turn
		// hints. Off unless explicitly configured.
		if typed.Turntaking == "agent_turn" &&
			o.cfg.Policy.AgentInterruptPreAck &&
			o.cfg.Policy.Profile == "outbound" &&
			o.convState == ConvListening &&
			o.preAckSentFor != o.epoch {
			o.interruptID++
			o.preAckSentFor = o.epoch
			no := false
			o.enqueue(wire.OutboundAgentInterrupt{
				InterruptID:           o.interruptID,
				Content:               "",
				ContentComplete:       true,
				NoInterruptionAllowed: &no,
			}, enqOpts{priority: 95, hasPriority: true})
		}

		if typed.Turntaking == "user_turn" {
			// Under backpressure the writer may still hold queued speech even
			// after the FSM returned to LISTENING; a user-turn hint cancels
			// whenever non-terminal frames are pending.
			if o.bargeInCancel("barge_in_hint") {
				return
			}
		}

		o.spec.MaybeStart(ctx, typed, o.slots.Clone(), o.convState == ConvListening)

	case wire.InboundResponseRequired:
		o.onResponseRequired(ctx, typed.ResponseID, typed.Transcript, false)

	case wire.InboundReminderRequired:
		o.onResponseRequired(ctx, typed.ResponseID, typed.Transcript, true)
	}
}

// ingestCallDetails copies campaign/lead routing fields into slot state.
func (o *Orchestrator) ingestCallDetails(call map[string]any) {
	if call == nil {
		return
	}
	meta, _ := call["metadata"].(map[string]any)
	pick := func(keys ...string) string {
		for _, k := range keys {
			if meta != nil {
				if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v)
				}
			}
			if v, ok := call[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	if v := pick("campaign_id", "campaignId"); v != "" {
		o.slots.CampaignID = v
	}
	if v := pick("clinic_id", "clinicId"); v != "" {
		o.slots.ClinicID = v
	}
	if v := pick("clinic_name", "clinicName"); v != "" {
		o.slots.ClinicName = v
	}
	if v := pick("lead_id", "leadId"); v != "" {
		o.slots.LeadID = v
	}
	if v := pick("tenant"); v != "" {
		o.slots.Tenant = v
	}
	if v := pick("to_number", "clinic_phone", "to"); v != "" {
		o.slots.ToNumber = v
	}
}

// updateTranscript ingests a snapshot through the bounded memory window.
func (o *Orchestrator) updateTranscript(transcript []wire.Utterance) {
	view := o.memory.IngestSnapshot(transcript, &o.slots)
	o.transcript = view.Recent
	o.memorySummary = view.Summary
	if view.Compacted {
		o.metrics.Inc(observe.MetricMemoryCompactions, 1)
	}
	o.metrics.Set(observe.MetricMemoryChars, int64(view.Chars))
	o.metrics.Set(observe.MetricMemoryUtterances, int64(view.Utterances))
}

// ─── Epoch lifecycle ──────────────────────────────────────────────────────────

func (o *Orchestrator) onResponseRequired(ctx context.Context, newEpoch int, transcript []wire.Utterance, reminder bool) {
	if res := o.spec.Cancel(true); res != nil {
		o.specResult = res
	}

	oldEpoch := o.epoch
	wasSpeaking := o.convState == ConvSpeaking

	// A replayed response_required for an epoch that already terminated is a
	// no-op; the platform can resend during reconnects.
	if newEpoch == oldEpoch && o.terminalSentFor == newEpoch && o.turnOut == nil {
		return
	}

	// Commit-or-rollback the previous epoch: progress is kept once any
	// segment actually went out, otherwise state re-derives from transcript.
	if newEpoch != oldEpoch {
		spokeAny := o.turnRT != nil && o.turnRT.Epoch == oldEpoch && o.turnRT.FirstSegmentMS > 0
		if spokeAny {
			o.commitBackup(oldEpoch)
		} else {
			o.rollbackBackup(oldEpoch)
		}
	}

	o.epoch = newEpoch
	o.preAckSentFor = -1
	o.terminalSentFor = -1
	o.gate.SetEpoch(newEpoch)
	o.turnRT = &TurnRuntime{Epoch: newEpoch, FinalizedMS: o.clock.NowMS()}
	o.armBackup(newEpoch)

	if wasSpeaking {
		o.needsApology = true
	}

	o.cancelTurn("new_epoch")

	if dropped := o.outbound.DropWhere(func(env Envelope) bool {
		return env.HasEpoch && env.Epoch != newEpoch
	}); dropped > 0 {
		o.metrics.Inc(observe.MetricStaleSegmentsDropped, int64(dropped))
	}

	o.updateTranscript(transcript)

	// Snapshot duplication during reconnects can drift the funnel stage; the
	// canonical opener in the last agent utterance pins it back to OPEN.
	if o.cfg.Policy.Profile == "outbound" {
		la := strings.ToLower(wire.LastAgentText(transcript))
		if strings.Contains(la, "bad time") && strings.Contains(la, "quick question") {
			o.slots.FunnelStage = "OPEN"
		}
	}
	lastStage := o.slots.FunnelStage
	if lastStage == "" {
		lastStage = "OPEN"
	}

	o.setConvState(ConvProcessing, "response_required")

	lastUser := wire.LastUserText(transcript)
	lowSignal := o.signals.LooksLikeLowSignal(lastUser)

	// Reminder with no user utterance yet: never speak, just close the epoch.
	if reminder && strings.TrimSpace(lastUser) == "" {
		o.finishQuietTurn("reminder_no_user_silence")
		return
	}

	if o.cfg.Policy.Profile == "outbound" && lowSignal {
		o.slots.LastStage = lastStage
		o.slots.LastSignal = "NO_SIGNAL"
		o.slots.LastUserSignature = policy.NormalizedUserSignature(lastUser)
		o.slots.NoSignalStreak++
		o.finishQuietTurn("low_signal_noop")
		return
	}

	o.traceEvent("timing_marker", map[string]any{"phase": "policy_decision_start_ms"})
	decisionStart := o.clock.NowMS()

	safety := policy.EvaluateSafety(lastUser, policy.SafetyOptions{
		Profile:   o.cfg.Policy.Profile,
		OrgName:   o.cfg.Policy.OrgName,
		AgentName: o.cfg.Policy.AgentName,
	})
	action := o.decider.Decide(policy.DecideInput{
		State:        &o.slots,
		Transcript:   o.transcript,
		NeedsApology: o.needsApology,
		Safety:       safety,
		CallID:       o.callID,
		Profile:      o.cfg.Policy.Profile,
	})

	noProgress := action.Type == policy.ActionNoop && action.PayloadBool("no_progress")
	noiseNoop := noProgress && action.PayloadString("message") == "" && action.PayloadBool("no_signal")
	stageUnchanged := o.cfg.Policy.Profile == "outbound" && o.slots.FunnelStage == lastStage
	if noProgress && (noiseNoop || lowSignal || stageUnchanged || strings.TrimSpace(lastUser) == "") {
		o.finishQuietTurn("no_progress_noop")
		return
	}
	if action.Type == policy.ActionNoop {
		action.Payload["skip_ack"] = true
	}

	o.traceEvent("timing_marker", map[string]any{
		"phase":       "policy_decision_ms",
		"duration_ms": o.clock.NowMS() - decisionStart,
	})

	objection, hasObjection := policy.DetectObjection(lastUser)
	if hasObjection {
		o.metrics.Inc(observe.MetricObjectionPatterns, 1)
	}
	playbook := policy.ApplyPlaybook(action, objection, hasObjection,
		o.slots.Reprompts["dt"], o.cfg.Policy.Profile)
	action = playbook.Action
	if playbook.Applied {
		o.metrics.Inc(observe.MetricPlaybookHits, 1)
	}

	if o.memorySummary != "" {
		action.Payload["memory_summary"] = o.memorySummary
	}
	if safety.Kind == policy.SafetyIdentity {
		// Identity answers disclose what we are; no double disclosure.
		o.disclosureSent = true
	} else if (o.cfg.Policy.Profile == "clinic" || o.cfg.Policy.AutoDisclosure) && !o.disclosureSent {
		action.Payload["disclosure_required"] = true
		o.disclosureSent = true
	}
	if rc, ok := action.Payload["reprompt_count"].(int); ok && rc > 1 {
		o.metrics.Inc(observe.MetricReprompts, 1)
	}

	o.recordOutcome(action, objection, hasObjection)

	if o.emitFastPathPlan(action) {
		o.needsApology = false
		o.setConvState(ConvListening, "fast_path_complete")
		return
	}
	o.needsApology = false

	var prefetched []tools.Record
	if o.specResult != nil {
		if o.specResult.TranscriptKey == TranscriptKey(transcript) &&
			o.specResult.ToolReqKey == ToolReqKey(action.ToolRequests) {
			prefetched = o.specResult.Records
		}
		o.specResult = nil
	}

	o.startTurn(ctx, action, o.transcript, prefetched)
}

// finishQuietTurn closes the current epoch with only the empty terminal.
func (o *Orchestrator) finishQuietTurn(reason string) {
	o.enqueue(wire.OutboundResponse{ResponseID: o.epoch, Content: "", ContentComplete: true},
		enqOpts{priority: 95, hasPriority: true})
	o.terminalSentFor = o.epoch
	o.commitBackup(o.epoch)
	o.setConvState(ConvListening, reason)
}

// startTurn spawns the per-epoch handler and swaps in its output channel.
func (o *Orchestrator) startTurn(ctx context.Context, action policy.Action,
	transcript []wire.Utterance, prefetched []tools.Record) {

	out := make(chan TurnOutput, o.cfg.Session.TurnQueueMax)
	turnCtx, cancel := context.WithCancel(ctx)
	o.turnOut = out
	o.turnCancel = cancel

	var nlg llm.Client
	if o.cfg.LLM.UseForNLG {
		nlg = o.llm
	}
	handler := NewTurnHandler(TurnHandlerConfig{
		SessionID:  o.sessionID,
		CallID:     o.callID,
		Epoch:      o.epoch,
		Action:     action,
		Transcript: transcript,
		Config:     o.cfg,
		Clock:      o.clock,
		Metrics:    o.metrics,
		Tools:      o.tools,
		LLM:        nlg,
		Trace:      o.trace,
		Out:        out,
		Prefetched: prefetched,
	})
	go handler.Run(turnCtx)
}

// cancelTurn stops the running handler and drains its outputs as stale.
func (o *Orchestrator) cancelTurn(reason string) {
	if o.turnCancel == nil && o.turnOut == nil {
		return
	}
	oldOut := o.turnOut
	if o.turnCancel != nil {
		o.turnCancel()
		o.turnCancel = nil
	}
	o.turnOut = nil

	if oldOut != nil {
		for {
			select {
			case _, ok := <-oldOut:
				if !ok {
					goto drained
				}
				o.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
			default:
				goto drained
			}
		}
	}
drained:
	o.traceEvent("turn_cancel", map[string]any{"reason": reason})
}

// ─── Barge-in ─────────────────────────────────────────────────────────────────

// bargeInCancel stops speaking immediately, invalidates queued speech for the
// current epoch, and closes the epoch with an empty terminal chunk. Returns
// false when there was nothing to cancel.
func (o *Orchestrator) bargeInCancel(reason string) bool {
	hasPending := o.outbound.AnyWhere(isPendingSpeechFor(o.epoch))
	if o.convState != ConvSpeaking && !hasPending {
		return false
	}
	t0 := o.clock.NowMS()

	newGen := o.gate.BumpSpeakGen()
	if dropped := o.outbound.DropWhere(func(env Envelope) bool {
		return env.HasEpoch && env.Epoch == o.epoch &&
			env.HasSpeakGen && env.SpeakGen != newGen
	}); dropped > 0 {
		o.metrics.Inc(observe.MetricStaleSegmentsDropped, int64(dropped))
	}

	// Progress made for this epoch survives only once a segment went out.
	if o.turnRT == nil || o.turnRT.Epoch != o.epoch || o.turnRT.FirstSegmentMS == 0 {
		o.rollbackBackup(o.epoch)
	} else {
		o.commitBackup(o.epoch)
	}

	o.cancelTurn(reason)
	o.enqueue(wire.OutboundResponse{ResponseID: o.epoch, Content: "", ContentComplete: true},
		enqOpts{epoch: o.epoch, hasEpoch: true, speakGen: newGen, hasSpeakGen: true, priority: 100, hasPriority: true})
	o.terminalSentFor = o.epoch
	o.setConvState(ConvListening, reason)
	o.needsApology = true
	o.metrics.Observe(observe.MetricBargeInCancelLatencyMS, o.clock.NowMS()-t0)
	return true
}

// ─── Slot-state backup / rollback ─────────────────────────────────────────────

func (o *Orchestrator) armBackup(epoch int) {
	snap := o.slots.Clone()
	o.backup = &snap
	o.backupEpoch = epoch
}

func (o *Orchestrator) commitBackup(epoch int) {
	if o.backup == nil || o.backupEpoch != epoch {
		return
	}
	o.backup = nil
	o.backupEpoch = -1
}

func (o *Orchestrator) rollbackBackup(epoch int) {
	if o.backup == nil || o.backupEpoch != epoch {
		return
	}
	o.slots = o.backup.Clone()
	o.backup = nil
	o.backupEpoch = -1
	o.metrics.Inc(observe.MetricTurnRollbacks, 1)
}

// ─── Turn output fan-out ──────────────────────────────────────────────────────

func (o *Orchestrator) handleTurnOutput(_ context.Context, out TurnOutput) {
	if out.Epoch != o.epoch {
		o.metrics.Inc(observe.MetricStaleSegmentsDropped, 1)
		return
	}

	switch out.Kind {
	case TurnOutputMsg:
		o.enqueue(out.Msg, enqOpts{})
		if resp, ok := out.Msg.(wire.OutboundResponse); ok &&
			resp.ContentComplete && resp.ResponseID == o.epoch {
			o.terminalSentFor = o.epoch
		}

	case TurnOutputPlan:
		o.emitSpeechPlan(out.Plan)

	case TurnOutputComplete:
		o.commitBackup(o.epoch)
		if o.terminalSentFor != o.epoch {
			o.enqueue(wire.OutboundResponse{ResponseID: o.epoch, Content: "", ContentComplete: true}, enqOpts{})
			o.terminalSentFor = o.epoch
		}
		o.turnOut = nil
		o.turnCancel = nil
		o.setConvState(ConvListening, "turn_complete")
	}
}

// emitSpeechPlan records and traces a plan, then enqueues its segments.
func (o *Orchestrator) emitSpeechPlan(plan speech.Plan) {
	o.plansMu.Lock()
	o.speechPlans = append(o.speechPlans, plan)
	if len(o.speechPlans) > maxKeptSpeechPlans {
		o.speechPlans = o.speechPlans[len(o.speechPlans)-maxKeptSpeechPlans:]
	}
	o.plansMu.Unlock()

	o.traceEvent("speech_plan", map[string]any{
		"plan_id":       plan.PlanID,
		"reason":        string(plan.Reason),
		"segment_count": len(plan.Segments),
	})
	for _, seg := range plan.Segments {
		o.emitSegment(plan.Epoch, seg)
	}
}

// emitSegment enqueues one response chunk for the given epoch.
func (o *Orchestrator) emitSegment(epoch int, seg speech.Segment) {
	if o.convState != ConvSpeaking {
		o.setConvState(ConvSpeaking, "first_segment")
	}

	now := o.clock.NowMS()
	if o.turnRT != nil && o.turnRT.Epoch == epoch {
		if o.turnRT.FirstSegmentMS == 0 {
			o.turnRT.FirstSegmentMS = now
			o.metrics.Observe(observe.MetricTurnFinalToFirstSegmentMS, now-o.turnRT.FinalizedMS)
			o.traceEvent("timing_marker", map[string]any{
				"phase":       "first_response_latency_ms",
				"duration_ms": now - o.turnRT.FinalizedMS,
			})
		}
		if seg.Purpose == speech.PurposeAck && o.turnRT.AckSegmentMS == 0 {
			o.turnRT.AckSegmentMS = now
			o.metrics.Observe(observe.MetricTurnFinalToAckSegmentMS, now-o.turnRT.FinalizedMS)
		}
	}

	o.trace.Emit(trace.Record{
		TMS:       now,
		SessionID: o.sessionID,
		CallID:    o.callID,
		TurnID:    epoch,
		Epoch:     epoch,
		WSState:   string(o.wsState),
		ConvState: string(o.convState),
		Type:      "speech_segment",
		Payload: map[string]any{
			"purpose":                string(seg.Purpose),
			"segment_index":          seg.Index,
			"interruptible":          seg.Interruptible,
			"safe_interrupt_point":   seg.SafeInterruptPoint,
			"expected_duration_ms":   seg.ExpectedMS,
			"requires_tool_evidence": seg.RequiresToolEvidence,
			"tool_evidence_ids":      seg.ToolEvidenceIDs,
		},
		SegmentHash: seg.Hash(epoch, epoch),
	})

	priority := 50
	switch seg.Purpose {
	case speech.PurposeFiller:
		priority = 20
	case speech.PurposeAck:
		priority = 40
	}

	var noInterrupt *bool
	if !seg.Interruptible {
		v := true
		noInterrupt = &v
	}
	o.enqueue(wire.OutboundResponse{
		ResponseID:            epoch,
		Content:               seg.Rendered,
		ContentComplete:       false,
		NoInterruptionAllowed: noInterrupt,
	}, enqOpts{priority: priority, hasPriority: true})
}

// ─── Fast-path scripted plans ─────────────────────────────────────────────────

// emitFastPathPlan emits a cached scripted plan for deterministic outbound
// turns, skipping the turn handler entirely. Returns false when the action
// needs the full path.
func (o *Orchestrator) emitFastPathPlan(action policy.Action) bool {
	if o.cfg.Policy.Profile != "outbound" {
		return false
	}
	if action.Type == policy.ActionNoop || len(action.ToolRequests) > 0 {
		return false
	}
	if !action.PayloadBool("fast_path") {
		return false
	}
	msg := action.PayloadString("message")
	intentSig := action.PayloadString("intent_signature")
	if msg == "" || intentSig == "" {
		return false
	}

	var reason speech.Purpose
	switch action.Type {
	case policy.ActionAsk:
		reason = speech.PurposeClarify
	case policy.ActionConfirm:
		reason = speech.PurposeConfirm
	case policy.ActionRepair:
		reason = speech.PurposeRepair
	case policy.ActionTransfer, policy.ActionEscalateSafety:
		reason = speech.PurposeError
	default:
		reason = speech.PurposeContent
	}

	key := fastPlanKey{
		stage:     o.slots.FunnelStage,
		stateSig:  o.stateSignature(),
		slotSig:   o.slotSignature(),
		intentSig: intentSig,
	}

	buildStart := o.clock.NowMS()
	entry, hit := o.fastPlans[key]
	if !hit || entry.reason != reason {
		segs := speech.MicroChunk(msg, o.chunkParams(reason))
		entry = fastPlanEntry{
			reason:     reason,
			segments:   segs,
			disclosure: action.PayloadBool("disclosure_required"),
		}
		o.fastPlanPut(key, entry)
	}
	o.traceEvent("timing_marker", map[string]any{
		"phase":       "speech_plan_build_ms",
		"purpose":     string(reason),
		"segments":    len(entry.segments),
		"cached":      hit,
		"duration_ms": o.clock.NowMS() - buildStart,
	})

	plan := speech.BuildPlan(o.sessionID, o.callID, o.epoch, o.epoch, o.clock.NowMS(),
		reason, entry.segments, nil, entry.disclosure, o.metrics)
	o.emitSpeechPlan(plan)

	o.commitBackup(o.epoch)
	terminal := wire.OutboundResponse{ResponseID: o.epoch, Content: "", ContentComplete: true}
	if action.Type == policy.ActionEndCall && action.PayloadBool("end_call") {
		terminal.EndCall = true
	}
	o.enqueue(terminal, enqOpts{})
	o.terminalSentFor = o.epoch
	return true
}

func (o *Orchestrator) fastPlanPut(key fastPlanKey, entry fastPlanEntry) {
	if _, exists := o.fastPlans[key]; !exists {
		o.fastPlanOrder = append(o.fastPlanOrder, key)
	}
	o.fastPlans[key] = entry
	for len(o.fastPlanOrder) > fastPlanCacheMax {
		oldest := o.fastPlanOrder[0]
		o.fastPlanOrder = o.fastPlanOrder[1:]
		delete(o.fastPlans, oldest)
	}
}

// stateSignature fingerprints the funnel-visible state for fast-plan keying.
func (o *Orchestrator) stateSignature() string {
	s := &o.slots
	disclosed := "0"
	if o.disclosureSent {
		disclosed = "1"
	}
	return strings.Join([]string{
		s.FunnelStage, s.LastStage, s.LastSignal,
		strconv.Itoa(s.NoSignalStreak), strconv.Itoa(s.QuestionDepth), strconv.Itoa(s.ObjectionPressure),
		strconv.Itoa(s.Reprompts["bad_time"]), strconv.Itoa(s.Reprompts["direct_email"]),
		disclosed,
	}, "|")
}

func (o *Orchestrator) slotSignature() string {
	hasEmail := "0"
	if o.slots.ManagerEmail != "" {
		hasEmail = "1"
	}
	return trace.HashPayload(o.stateSignature() + "|" + hasEmail)
}

// recordOutcome appends the per-turn funnel record and traces it.
func (o *Orchestrator) recordOutcome(action policy.Action, objection policy.ObjectionKind, hasObjection bool) {
	intent := o.slots.Intent
	if intent == "" {
		intent = "unknown"
	}
	obj := ""
	if hasObjection {
		obj = string(objection)
	}
	offered := 0
	if slots, ok := action.Payload["offered_slots"].([]string); ok {
		offered = len(slots)
	}
	out := CallOutcome{
		CallID:            o.callID,
		TurnID:            o.epoch,
		Epoch:             o.epoch,
		Intent:            intent,
		ActionType:        string(action.Type),
		Objection:         obj,
		OfferedSlotsCount: offered,
		Accepted:          action.PayloadBool("accepted"),
		Escalated:         action.Type == policy.ActionEscalateSafety || action.Type == policy.ActionTransfer,
		TMS:               o.clock.NowMS(),
	}

	o.plansMu.Lock()
	o.outcomes = append(o.outcomes, out)
	if len(o.outcomes) > maxKeptOutcomes {
		o.outcomes = o.outcomes[len(o.outcomes)-maxKeptOutcomes:]
	}
	o.plansMu.Unlock()

	o.traceEvent("call_outcome", map[string]any{
		"intent":      out.Intent,
		"action_type": out.ActionType,
		"objection":   out.Objection,
		"accepted":    out.Accepted,
		"escalated":   out.Escalated,
	})
}

// ─── Outbound enqueue ─────────────────────────────────────────────────────────

// enqOpts overrides the derived envelope fields.
type enqOpts struct {
	epoch       int
	hasEpoch    bool
	speakGen    int
	hasSpeakGen bool
	priority    int
	hasPriority bool
}

// enqueue computes envelope metadata and puts msg on the outbound queue with
// the standard eviction policy.
func (o *Orchestrator) enqueue(msg wire.Outbound, opts enqOpts) {
	if o.shutdown.IsSet() {
		return
	}
	env := buildEnvelope(msg, opts, o.gate, o.epoch, o.clock.NowMS(),
		int64(o.cfg.Session.PingWriteDeadlineMS))
	if !putWithEviction(o.outbound, env, o.gate) {
		o.metrics.Inc(observe.MetricOutboundQueueDropped, 1)
	}
}

// buildEnvelope derives gate tags, plane, priority, and deadline for msg.
// Response frames inherit (response_id, current speak_gen); tool-weaving
// frames inherit the current epoch.
func buildEnvelope(msg wire.Outbound, opts enqOpts, gate *Gate, currentEpoch int,
	nowMS, pingDeadlineMS int64) Envelope {

	env := Envelope{
		Msg:        msg,
		Plane:      PlaneOf(msg),
		EnqueuedMS: nowMS,
	}

	if opts.hasEpoch {
		env.Epoch, env.HasEpoch = opts.epoch, true
		env.SpeakGen, env.HasSpeakGen = opts.speakGen, opts.hasSpeakGen
	} else {
		switch typed := msg.(type) {
		case wire.OutboundResponse:
			env.Epoch, env.HasEpoch = typed.ResponseID, true
			env.SpeakGen, env.HasSpeakGen = gate.SpeakGen(), true
		case wire.OutboundToolCallInvocation, wire.OutboundToolCallResult:
			env.Epoch, env.HasEpoch = currentEpoch, true
			env.SpeakGen, env.HasSpeakGen = gate.SpeakGen(), true
		}
	}

	if opts.hasPriority {
		env.Priority = opts.priority
	} else {
		env.Priority = DefaultPriority(msg)
	}

	if msg.ResponseType() == "ping_pong" && pingDeadlineMS > 0 {
		env.DeadlineMS = pingDeadlineMS
	}
	return env
}

// putWithEviction applies the backpressure policy: never evict terminal
// response frames, prefer evicting stale gates, control is never evicted for
// speech, otherwise evict lower priority.
func putWithEviction(q *queue.Bounded[Envelope], env Envelope, gate *Gate) bool {
	snap := gate.Snapshot()
	return q.Put(env, func(existing Envelope) bool {
		if wire.IsTerminalResponse(existing.Msg) {
			return false
		}
		if existing.HasEpoch && existing.Epoch != snap.Epoch {
			return true
		}
		if existing.HasSpeakGen && existing.SpeakGen != snap.SpeakGen {
			return true
		}
		if existing.Plane == PlaneControl && env.Plane != PlaneControl {
			return false
		}
		if env.Plane == PlaneControl && existing.Plane != PlaneControl {
			return true
		}
		return existing.Priority < env.Priority
	})
}

// ─── Keepalive / idle watchdog ────────────────────────────────────────────────

// pingLoop enqueues a keepalive probe every interval. It builds envelopes
// directly from thread-safe components so the actor's state stays private.
func (o *Orchestrator) pingLoop(ctx context.Context) {
	interval := int64(o.cfg.Session.PingIntervalMS)
	for !o.shutdown.IsSet() {
		if err := clock.SleepMS(ctx, o.clock, interval); err != nil {
			return
		}
		now := o.clock.NowMS()
		env := buildEnvelope(wire.OutboundPing{Timestamp: now}, enqOpts{},
			o.gate, 0, now, int64(o.cfg.Session.PingWriteDeadlineMS))
		if !putWithEviction(o.outbound, env, o.gate) {
			o.metrics.Inc(observe.MetricOutboundQueueDropped, 1)
		}
	}
}

// resetIdleWatchdog pushes the idle deadline out by the configured timeout.
func (o *Orchestrator) resetIdleWatchdog() {
	if o.cfg.Session.IdleTimeoutMS <= 0 {
		return
	}
	o.idleMu.Lock()
	o.idleDeadline = o.clock.NowMS() + int64(o.cfg.Session.IdleTimeoutMS)
	o.idleMu.Unlock()
}

// idleWatchdog delivers an idle-timeout closure through the inbound queue so
// termination still runs on the actor goroutine.
func (o *Orchestrator) idleWatchdog(ctx context.Context) {
	if o.cfg.Session.IdleTimeoutMS <= 0 {
		return
	}
	for {
		o.idleMu.Lock()
		deadline := o.idleDeadline
		o.idleMu.Unlock()

		if err := o.clock.SleepUntil(ctx, deadline); err != nil {
			return
		}
		o.idleMu.Lock()
		expired := o.idleDeadline == deadline
		o.idleMu.Unlock()
		if expired {
			o.inbound.Put(closedItem(ReasonIdleTimeout), func(it InboundItem) bool {
				return it.Closed == nil
			})
			return
		}
	}
}

// ─── Termination ──────────────────────────────────────────────────────────────

// endSession tears the session down deterministically: cancel workers, close
// queues to unblock reader/writer, and set the shutdown signal.
func (o *Orchestrator) endSession(reason string) {
	if o.convState == ConvEnded {
		return
	}
	o.metrics.Inc(observe.MetricCloseReasonPrefix+safeMetricReason(reason), 1)
	slog.Info("session ending", "call_id", o.callID, "reason", reason)

	o.setConvState(ConvEnded, reason)
	o.setWSState(WSClosing, reason)

	o.cancelTurn(reason)
	o.spec.Cancel(false)

	o.inbound.Close()
	o.outbound.Close()
	o.shutdown.Set()
	o.setWSState(WSClosed, reason)
}

// ─── State transitions & trace helpers ────────────────────────────────────────

func (o *Orchestrator) setWSState(s WSState, reason string) {
	if o.wsState == s {
		return
	}
	o.wsState = s
	o.traceEvent("ws_state", map[string]any{"state": string(s), "reason": reason})
}

func (o *Orchestrator) setConvState(s ConvState, reason string) {
	if o.convState == s {
		return
	}
	o.convState = s
	o.traceEvent("conv_state", map[string]any{"state": string(s), "reason": reason})
}

func (o *Orchestrator) traceEvent(eventType string, payload map[string]any) {
	o.trace.Emit(trace.Record{
		TMS:       o.clock.NowMS(),
		SessionID: o.sessionID,
		CallID:    o.callID,
		TurnID:    o.epoch,
		Epoch:     o.epoch,
		WSState:   string(o.wsState),
		ConvState: string(o.convState),
		Type:      eventType,
		Payload:   payload,
	})
}

func (o *Orchestrator) chunkParams(purpose speech.Purpose) speech.Params {
	sc := o.cfg.Speech
	p := speech.Params{
		MaxExpectedMS:        sc.MaxSegmentExpectedMS,
		PaceMSPerChar:        sc.PaceMSPerChar,
		Purpose:              purpose,
		Interruptible:        true,
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

func safeMetricReason(reason string) string {
	var sb strings.Builder
	for _, r := range reason {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

