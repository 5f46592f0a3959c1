// Package llm defines the streaming text interface for optional LLM-backed
// phrasing.
//
// The session core is deterministic without a model: the interface exists so
// deployments can route non-factual turns (asks, repairs) through an LLM for
// warmer phrasing. Streams are finite and non-restartable; the core applies
// its own filler thresholds, hard timeouts, and digit guards around them.
//
// Implementations must be safe for concurrent use and must close the returned
// channel when the stream ends or ctx is cancelled.
package llm

import "context"

// Client streams text completions for a prompt.
type Client interface {
	// StreamText sends prompt to the model and returns a read-only channel of
	// text deltas. The channel is closed by the implementation when
	// generation finishes or ctx is cancelled; callers must drain it.
	//
	// The returned channel is never nil when error is nil. The stream cannot
	// be restarted: callers that need the text twice must buffer it.
	StreamText(ctx context.Context, prompt string) (<-chan string, error)
}
