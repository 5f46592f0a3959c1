package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/policy"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/wire"
)

// SpeculativeResult is a pre-computed decision context keyed by the
// transcript it was derived from. At most one is retained; it is consumed
// exactly once, when a matching response_required fires. Speculative output
// never reaches the wire directly.
type SpeculativeResult struct {
	TranscriptKey string
	ToolReqKey    string
	Records       []tools.Record
	CreatedAtMS   int64
}

// Speculator pre-computes the likely next turn while the user is still
// speaking: a cheap policy decision over a clone of the slot state, plus an
// optional bounded tool prefetch. One speculation runs at a time.
type Speculator struct {
	cfg     *config.Config
	clock   clock.Clock
	metrics *observe.SessionMetrics
	tools   *tools.Registry
	decider policy.Decider
	callID  string

	out chan SpeculativeResult

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	lastKey string
}

// NewSpeculator creates a Speculator delivering results on a single-slot
// channel.
func NewSpeculator(cfg *config.Config, clk clock.Clock, metrics *observe.SessionMetrics,
	reg *tools.Registry, decider policy.Decider, callID string) *Speculator {
	return &Speculator{
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		tools:   reg,
		decider: decider,
		callID:  callID,
		out:     make(chan SpeculativeResult, 1),
	}
}

// Out returns the delivery channel the orchestrator selects on.
func (s *Speculator) Out() <-chan SpeculativeResult { return s.out }

// TranscriptKey fingerprints a transcript snapshot by its length and last
// user utterance.
func TranscriptKey(transcript []wire.Utterance) string {
	last := strings.ToLower(strings.TrimSpace(wire.LastUserText(transcript)))
	sum := sha256.Sum256([]byte(strconv.Itoa(len(transcript)) + "|" + last))
	return hex.EncodeToString(sum[:])
}

// ToolReqKey fingerprints an action's tool requests by name and canonical
// arguments.
func ToolReqKey(reqs []policy.ToolRequest) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		parts = append(parts, r.Name+":"+tools.CanonicalArgs(r.Arguments))
	}
	return strings.Join(parts, "|")
}

// MaybeStart begins a speculation for a user-turn transcript update. The
// slot state must be a clone: speculation never mutates authoritative state.
func (s *Speculator) MaybeStart(ctx context.Context, ev wire.InboundUpdateOnly, snapshot policy.SlotState, listening bool) {
	if !s.cfg.Speculative.Enabled {
		return
	}
	// The outbound funnel is deterministic and mostly tool-free; precompute
	// would be wasted work ahead of the real response turn.
	if s.cfg.Policy.Profile == "outbound" {
		return
	}
	if !listening {
		return
	}
	if ev.Turntaking != "" && ev.Turntaking != "user_turn" {
		return
	}

	key := TranscriptKey(ev.Transcript)

	s.mu.Lock()
	if key == s.lastKey && s.running {
		s.mu.Unlock()
		return
	}
	s.lastKey = key
	if s.cancel != nil {
		s.cancel()
	}
	specCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.speculate(specCtx, ev, snapshot, key)
}

// Cancel stops any running speculation. With keepResult, a result already
// delivered but not yet consumed is returned to the caller.
func (s *Speculator) Cancel(keepResult bool) *SpeculativeResult {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.mu.Unlock()

	var last *SpeculativeResult
	for {
		select {
		case res := <-s.out:
			r := res
			last = &r
		default:
			if keepResult {
				return last
			}
			return nil
		}
	}
}

func (s *Speculator) speculate(ctx context.Context, ev wire.InboundUpdateOnly, snapshot policy.SlotState, key string) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.cfg.Speculative.DebounceMS > 0 {
		if err := clock.SleepMS(ctx, s.clock, int64(s.cfg.Speculative.DebounceMS)); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	lastUser := wire.LastUserText(ev.Transcript)
	safety := policy.EvaluateSafety(lastUser, policy.SafetyOptions{
		Profile:   s.cfg.Policy.Profile,
		OrgName:   s.cfg.Policy.OrgName,
		AgentName: s.cfg.Policy.AgentName,
	})

	action := s.decider.Decide(policy.DecideInput{
		State:      &snapshot,
		Transcript: ev.Transcript,
		Safety:     safety,
		CallID:     s.callID,
		Profile:    s.cfg.Policy.Profile,
	})
	if objection, ok := policy.DetectObjection(lastUser); ok {
		action = policy.ApplyPlaybook(action, objection, true, snapshot.Reprompts["dt"], s.cfg.Policy.Profile).Action
	}

	var records []tools.Record
	if s.cfg.Speculative.ToolPrefetchEnabled && len(action.ToolRequests) > 0 {
		timeoutMS := min(s.cfg.Speech.ToolTimeoutMS, s.cfg.Speculative.ToolPrefetchTimeoutMS)
		if timeoutMS < 1 {
			timeoutMS = 1
		}
		started := s.clock.NowMS()
		for _, req := range action.ToolRequests {
			rec, err := s.tools.Invoke(ctx, req.Name, req.Arguments, timeoutMS, started, nil)
			if err != nil || ctx.Err() != nil {
				return
			}
			records = append(records, rec)
		}
	}

	res := SpeculativeResult{
		TranscriptKey: key,
		ToolReqKey:    ToolReqKey(action.ToolRequests),
		Records:       records,
		CreatedAtMS:   s.clock.NowMS(),
	}

	// Single-slot delivery: newest result wins.
	for {
		select {
		case s.out <- res:
			s.metrics.Inc(observe.MetricSpeculativePlans, 1)
			return
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
}
