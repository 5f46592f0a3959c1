package speech

import "strings"

// Chunker accumulates streaming text deltas (LLM tokens) and flushes them
// into segments using the same deterministic micro-chunking rules as the
// non-streaming paths.
//
// Not safe for concurrent use; a chunker belongs to exactly one turn handler.
type Chunker struct {
	params Params
	buf    strings.Builder
}

// NewChunker creates a streaming chunker with the given parameters. The
// MaxMonologueMS field is ignored: check-ins only apply to whole-text plans.
func NewChunker(params Params) *Chunker {
	params.MaxMonologueMS = 0
	return &Chunker{params: params}
}

// Push appends delta and returns any segments that became ready: the buffer
// flushes on sentence-final punctuation or once its estimated duration
// reaches the per-segment budget.
func (c *Chunker) Push(delta string) []Segment {
	if delta == "" {
		return nil
	}
	c.buf.WriteString(delta)
	if !c.shouldFlush() {
		return nil
	}
	return c.flush(true)
}

// FlushFinal flushes whatever remains without a trailing pause.
func (c *Chunker) FlushFinal() []Segment {
	return c.flush(false)
}

func (c *Chunker) bufferedPlain() string {
	return spacePat.ReplaceAllString(strings.TrimSpace(c.buf.String()), " ")
}

func (c *Chunker) shouldFlush() bool {
	plain := strings.TrimSpace(c.buf.String())
	if plain == "" {
		return false
	}
	switch plain[len(plain)-1] {
	case '.', '!', '?', ';':
		return true
	}
	return c.bufferedExpectedMS() >= c.params.MaxExpectedMS
}

func (c *Chunker) bufferedExpectedMS() int {
	plain := c.bufferedPlain()
	if plain == "" {
		return 0
	}
	spans := FindProtectedSpans(plain)
	extra := digitPauseMS(plain, spans, c.params.Purpose, c.params.DigitDashPauseUnitMS)
	return max(0, len(plain)*c.params.PaceMSPerChar+extra)
}

func (c *Chunker) flush(includeTrailingPause bool) []Segment {
	plain := c.bufferedPlain()
	c.buf.Reset()
	if plain == "" {
		return nil
	}
	p := c.params
	p.IncludeTrailingPause = includeTrailingPause
	return MicroChunk(plain, p)
}
