// Package mock provides a deterministic [llm.Client] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/evelabs/callbrain/pkg/provider/llm"
)

// Client is a scripted [llm.Client]. Each StreamText call emits the
// configured deltas in order. The zero value streams nothing.
type Client struct {
	// Deltas are emitted one per channel send.
	Deltas []string

	// Err, when non-nil, is returned instead of a stream.
	Err error

	// Hold, when non-nil, blocks the stream before the first delta until the
	// channel is closed. Lets tests keep a "slow model" stalled.
	Hold chan struct{}

	mu    sync.Mutex
	calls []string
}

var _ llm.Client = (*Client)(nil)

// StreamText implements [llm.Client].
func (c *Client) StreamText(ctx context.Context, prompt string) (<-chan string, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	c.mu.Lock()
	c.calls = append(c.calls, prompt)
	deltas := append([]string(nil), c.Deltas...)
	hold := c.Hold
	c.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, d := range deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns the prompts passed to StreamText so far.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}
