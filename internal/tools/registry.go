// Package tools provides the session's tool invocation engine: a registry of
// named tool functions executed under absolute Clock deadlines, producing
// deterministic [Record]s with session-scoped sequential call ids.
//
// Tools here are deterministic in-process implementations (plus anything
// bridged in from MCP servers via the mcpbridge subpackage). Synthetic
// per-tool latency can be injected for latency-masking tests and load rigs.
package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/wire"
)

// TimeoutContent is the deterministic result content of a timed-out tool.
const TimeoutContent = "tool_timeout"

// Fn executes one tool call. Implementations must respect ctx cancellation.
type Fn func(ctx context.Context, args map[string]any) (string, error)

// Record is the immutable outcome of one tool invocation.
type Record struct {
	ToolCallID    string
	Name          string
	Arguments     map[string]any
	StartedAtMS   int64
	CompletedAtMS int64
	OK            bool
	Content       string
}

// EmitFuncs lets the caller weave invocation/result frames into the response
// stream as the tool runs. Either func may be nil.
type EmitFuncs struct {
	Invocation func(toolCallID, name, argsJSON string)
	Result     func(toolCallID, content string)
}

// Registry holds the tools available to one session and issues deterministic
// call ids. Safe for concurrent use.
type Registry struct {
	sessionID string
	clock     clock.Clock

	mu      sync.Mutex
	seq     int
	fns     map[string]Fn
	latency map[string]int
}

// Option configures a [Registry] during construction.
type Option func(*Registry)

// WithLatencyMS injects synthetic latency (anchored to the invocation start
// time) before the named tool's function runs.
func WithLatencyMS(latency map[string]int) Option {
	return func(r *Registry) {
		for k, v := range latency {
			r.latency[k] = v
		}
	}
}

// NewRegistry creates a Registry pre-populated with the builtin deterministic
// tools.
func NewRegistry(sessionID string, clk clock.Clock, opts ...Option) *Registry {
	r := &Registry{
		sessionID: sessionID,
		clock:     clk,
		fns:       make(map[string]Fn),
		latency:   make(map[string]int),
	}
	registerBuiltins(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool function.
func (r *Registry) Register(name string, fn Fn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[normalizeName(name)] = fn
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fns[normalizeName(name)]
	return ok
}

// SetLatencyMS updates the synthetic latency for a tool.
func (r *Registry) SetLatencyMS(name string, ms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency[normalizeName(name)] = ms
}

func (r *Registry) latencyMS(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latency[name]
}

// nextID issues the session-scoped deterministic call id.
func (r *Registry) nextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.sessionID + ":tool:" + strconv.Itoa(r.seq)
}

// normalizeName canonicalizes tool names, folding legacy aliases.
func normalizeName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "mark_dnc" {
		return "mark_dnc_compliant"
	}
	return key
}

// CanonicalArgs returns the canonical JSON encoding of args, used both for
// the wire invocation frame and for prefetch matching.
func CanonicalArgs(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	blob, err := wire.CanonicalJSON(args)
	if err != nil {
		return "{}"
	}
	return string(blob)
}

// Invoke runs the named tool with an absolute deadline of
// startedAtMS + timeoutMS against the Clock. The returned record is always
// complete: timeouts produce ok=false with [TimeoutContent], tool errors
// produce ok=false with a stable "tool_error:" content.
//
// Returns an error only for unknown tool names.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any,
	timeoutMS int, startedAtMS int64, emit *EmitFuncs) (Record, error) {

	canonical := normalizeName(name)
	r.mu.Lock()
	fn, ok := r.fns[canonical]
	r.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	id := r.nextID()
	argsJSON := CanonicalArgs(args)
	if emit != nil && emit.Invocation != nil {
		emit.Invocation(id, canonical, argsJSON)
	}

	okRun, content := r.run(ctx, canonical, fn, args, startedAtMS, timeoutMS)
	completed := r.clock.NowMS()

	if emit != nil && emit.Result != nil {
		emit.Result(id, content)
	}

	return Record{
		ToolCallID:    id,
		Name:          canonical,
		Arguments:     cloneArgs(args),
		StartedAtMS:   startedAtMS,
		CompletedAtMS: completed,
		OK:            okRun,
		Content:       content,
	}, nil
}

// run executes fn (behind any synthetic latency) racing the absolute
// deadline. The work goroutine is cancelled when the deadline wins.
func (r *Registry) run(ctx context.Context, name string, fn Fn, args map[string]any,
	startedAtMS int64, timeoutMS int) (bool, string) {

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		if latency := r.latencyMS(name); latency > 0 {
			if err := r.clock.SleepUntil(workCtx, startedAtMS+int64(latency)); err != nil {
				done <- outcome{err: err}
				return
			}
		}
		content, err := fn(workCtx, args)
		done <- outcome{content: content, err: err}
	}()

	timeoutCh := make(chan struct{})
	timeoutCtx, cancelTimeout := context.WithCancel(ctx)
	defer cancelTimeout()
	go func() {
		_ = r.clock.SleepUntil(timeoutCtx, startedAtMS+int64(timeoutMS))
		close(timeoutCh)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if workCtx.Err() != nil {
				return false, TimeoutContent
			}
			return false, "tool_error:" + out.err.Error()
		}
		return true, out.content
	case <-timeoutCh:
		if timeoutCtx.Err() != nil {
			// Parent context cancelled, not a deadline.
			return false, TimeoutContent
		}
		cancel()
		return false, TimeoutContent
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
