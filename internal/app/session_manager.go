// Package app wires call sessions to the HTTP/WebSocket accept layer: one
// [session.Session] per platform call, supervised until the call or the
// server ends.
package app

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/session"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/transport"
	"github.com/evelabs/callbrain/pkg/provider/llm"
)

// SessionManager accepts platform calls and runs one session per call. All
// exported methods are safe for concurrent use; sessions share nothing but
// the process-level metrics.
type SessionManager struct {
	cfg     *config.Config
	otel    *observe.Metrics
	llm     llm.Client
	toolsFn func(sessionID string, clk clock.Clock) *tools.Registry

	mu     sync.Mutex
	active map[string]*session.Session

	wg        sync.WaitGroup
	baseCtx   context.Context
	closeOnce sync.Once
	closed    chan struct{}
}

// SessionManagerConfig holds the SessionManager dependencies.
type SessionManagerConfig struct {
	Config *config.Config

	// Metrics may be nil; sessions then record in-memory only.
	Metrics *observe.Metrics

	// LLM may be nil; the deterministic plan builder handles every turn.
	LLM llm.Client

	// Tools builds the per-session registry on the session's clock. Nil uses
	// the builtin registry with the configured synthetic latencies.
	Tools func(sessionID string, clk clock.Clock) *tools.Registry
}

// NewSessionManager creates a SessionManager supervising sessions under ctx.
func NewSessionManager(ctx context.Context, cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg.Config,
		otel:    cfg.Metrics,
		llm:     cfg.LLM,
		toolsFn: cfg.Tools,
		active:  make(map[string]*session.Session),
		baseCtx: ctx,
		closed:  make(chan struct{}),
	}
}

// ActiveSessions returns the number of live calls.
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// HandleWS upgrades a platform call request and runs the session until the
// call ends. The call id is the final path segment of the request.
func (sm *SessionManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-sm.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if !sm.authorize(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	callID := callIDFromPath(r.URL.Path)
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	conn, err := transport.Accept(w, r)
	if err != nil {
		slog.Warn("websocket accept failed", "call_id", callID, "err", err)
		return
	}

	sm.runSession(conn, callID)
}

// authorize enforces the canonical route and the shared-secret header.
func (sm *SessionManager) authorize(r *http.Request) bool {
	sc := sm.cfg.Server
	if sc.EnforceWSRoute {
		want := "/" + strings.Trim(sc.WSRoute, "/") + "/"
		if !strings.HasPrefix(r.URL.Path, want) {
			return false
		}
	}
	if sc.SharedSecret != "" {
		got := r.Header.Get(sc.SharedSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(sc.SharedSecret)) != 1 {
			return false
		}
	}
	return true
}

// runSession creates, registers, and blocks on one session.
func (sm *SessionManager) runSession(conn transport.Conn, callID string) {
	sessionID := uuid.NewString()

	var recorder *observe.SessionMetrics
	if sm.otel != nil {
		recorder = observe.NewSessionMetrics(sm.otel, observe.Attr("call_id", callID))
	}

	// Tool deadlines are absolute against the session clock, so the registry
	// must share it.
	clk := clock.NewReal()
	var reg *tools.Registry
	if sm.toolsFn != nil {
		reg = sm.toolsFn(sessionID, clk)
	}

	sess := session.New(sessionID, callID, session.Deps{
		Conn:    conn,
		Config:  sm.cfg,
		Clock:   clk,
		Metrics: recorder,
		Tools:   reg,
		LLM:     sm.llm,
	})

	sm.mu.Lock()
	sm.active[sessionID] = sess
	sm.mu.Unlock()
	sm.wg.Add(1)
	defer sm.wg.Done()
	if sm.otel != nil {
		sm.otel.ActiveSessions.Add(sm.baseCtx, 1)
	}
	slog.Info("session started", "session_id", sessionID, "call_id", callID)

	err := sess.Run(sm.baseCtx)

	sm.mu.Lock()
	delete(sm.active, sessionID)
	sm.mu.Unlock()
	if sm.otel != nil {
		sm.otel.ActiveSessions.Add(context.Background(), -1)
	}
	if err != nil {
		slog.Warn("session ended with error", "session_id", sessionID, "call_id", callID, "err", err)
	} else {
		slog.Info("session ended", "session_id", sessionID, "call_id", callID)
	}
}

// Shutdown stops accepting new calls, signals every active session to end,
// and waits for them to drain.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.closeOnce.Do(func() { close(sm.closed) })

	sm.mu.Lock()
	for _, sess := range sm.active {
		sess.Shutdown().Set()
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callIDFromPath extracts the trailing path segment.
func callIDFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}
