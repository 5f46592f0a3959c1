package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/policy"
	"github.com/evelabs/callbrain/internal/queue"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/trace"
	"github.com/evelabs/callbrain/internal/transport"
	"github.com/evelabs/callbrain/pkg/provider/llm"
)

// Deps carries everything a Session needs beyond its ids. Tools and Decider
// default to the builtin registry and rule decider when nil.
type Deps struct {
	Conn    transport.Conn
	Config  *config.Config
	Clock   clock.Clock
	Metrics *observe.SessionMetrics
	Trace   *trace.Sink
	Tools   *tools.Registry
	Decider policy.Decider
	LLM     llm.Client
}

// Session owns one call end to end: both bounded queues, the gate, the
// shutdown signal, and the worker goroutines. It is destroyed when the call
// ends; nothing persists past Run.
type Session struct {
	ID     string
	CallID string

	cfg      *config.Config
	conn     transport.Conn
	clock    clock.Clock
	metrics  *observe.SessionMetrics
	trace    *trace.Sink
	inbound  *queue.Bounded[InboundItem]
	outbound *queue.Bounded[Envelope]
	gate     *Gate
	shutdown *Shutdown

	reader *Reader
	writer *Writer
	orch   *Orchestrator
}

// New assembles a Session for one call.
func New(sessionID, callID string, deps Deps) *Session {
	cfg := deps.Config
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.NewSessionMetrics(nil)
	}
	if deps.Trace == nil {
		deps.Trace = trace.NewSink(cfg.Session.TraceMaxEvents)
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(sessionID, deps.Clock,
			tools.WithLatencyMS(cfg.Tools.LatencyMS))
	}
	if deps.Decider == nil {
		deps.Decider = policy.NewRuleDecider()
	}

	s := &Session{
		ID:       sessionID,
		CallID:   callID,
		cfg:      cfg,
		conn:     deps.Conn,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		trace:    deps.Trace,
		inbound:  queue.NewBounded[InboundItem](cfg.Session.InboundQueueMax),
		outbound: queue.NewBounded[Envelope](cfg.Session.OutboundQueueMax),
		gate:     NewGate(),
		shutdown: NewShutdown(),
	}

	s.reader = NewReader(deps.Conn, s.inbound, deps.Metrics, cfg.Session.MaxFrameBytes, callID)
	s.writer = NewWriter(deps.Conn, s.outbound, s.inbound, s.gate, deps.Clock, deps.Metrics,
		WriterConfig{
			WriteTimeoutMS:              cfg.Session.WriteTimeoutMS,
			CloseOnWriteTimeout:         cfg.Session.CloseOnWriteTimeout,
			MaxConsecutiveWriteTimeouts: cfg.Session.MaxConsecutiveWriteTimeouts,
		}, s.shutdown)
	s.orch = NewOrchestrator(OrchestratorConfig{
		SessionID: sessionID,
		CallID:    callID,
		Config:    cfg,
		Clock:     deps.Clock,
		Metrics:   deps.Metrics,
		Trace:     deps.Trace,
		Inbound:   s.inbound,
		Outbound:  s.outbound,
		Shutdown:  s.shutdown,
		Gate:      s.gate,
		Tools:     deps.Tools,
		LLM:       deps.LLM,
		Decider:   deps.Decider,
	})
	return s
}

// Orchestrator exposes the session actor for observation (plans, outcomes).
func (s *Session) Orchestrator() *Orchestrator { return s.orch }

// Metrics exposes the per-session recorder.
func (s *Session) Metrics() *observe.SessionMetrics { return s.metrics }

// Trace exposes the replay trace sink.
func (s *Session) Trace() *trace.Sink { return s.trace }

// Shutdown exposes the termination signal.
func (s *Session) Shutdown() *Shutdown { return s.shutdown }

// Run drives the call until it ends. It always leaves the queues closed, the
// shutdown signal set, and the transport closed.
func (s *Session) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.reader.Run(runCtx, s.shutdown)
		return nil
	})
	g.Go(func() error {
		s.writer.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		s.orch.Run(runCtx)
		// The actor exiting is terminal for the whole session: release the
		// reader/writer even if the transport is still up.
		s.shutdown.Set()
		s.inbound.Close()
		s.outbound.Close()
		_ = s.conn.Close(1000, "session ended")
		return nil
	})

	return g.Wait()
}
