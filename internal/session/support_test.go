package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/transport"
)

// fakeConn is an in-memory [transport.Conn]. Writes can be held to simulate
// transport backpressure; a held write is recorded once released, and never
// if its context ends or the conn closes first.
type fakeConn struct {
	recvCh chan string

	mu   sync.Mutex
	sent []string
	hold chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Conn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		recvCh: make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) RecvText(ctx context.Context) (string, error) {
	// Buffered frames drain before a close is observed, so tests can queue a
	// scripted sequence and then close.
	select {
	case frame := <-c.recvCh:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.recvCh:
		return frame, nil
	case <-c.closed:
		return "", errors.New("fakeConn: closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return errors.New("fakeConn: closed")
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(int, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// holdWrites blocks all subsequent SendText calls until releaseWrites.
func (c *fakeConn) holdWrites() {
	c.mu.Lock()
	c.hold = make(chan struct{})
	c.mu.Unlock()
}

func (c *fakeConn) releaseWrites() {
	c.mu.Lock()
	if c.hold != nil {
		close(c.hold)
		c.hold = nil
	}
	c.mu.Unlock()
}

// sentFrames decodes every recorded write.
func (c *fakeConn) sentFrames() []map[string]any {
	c.mu.Lock()
	raw := append([]string(nil), c.sent...)
	c.mu.Unlock()

	frames := make([]map[string]any, 0, len(raw))
	for _, s := range raw {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			frames = append(frames, m)
		}
	}
	return frames
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// frameType reads the response_type discriminator.
func frameType(m map[string]any) string {
	s, _ := m["response_type"].(string)
	return s
}

// frameResponseID reads a response frame's id (-1 when absent).
func frameResponseID(m map[string]any) int {
	if v, ok := m["response_id"].(float64); ok {
		return int(v)
	}
	return -1
}

func frameComplete(m map[string]any) bool {
	v, _ := m["content_complete"].(bool)
	return v
}

// testConfig returns defaults trimmed for deterministic tests: no greeting,
// no keepalive loop, no speculation, and a far-away idle deadline.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Policy.SpeakFirst = false
	cfg.Session.PingIntervalMS = 0
	cfg.Session.IdleTimeoutMS = 600000
	cfg.Speculative.Enabled = false
	return cfg
}

// harness runs one full Session against a fakeConn and a fake clock.
type harness struct {
	t    *testing.T
	clk  *clock.Fake
	conn *fakeConn
	sess *Session
	done chan struct{}
}

func startSession(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		clk:  clock.NewFake(0),
		conn: newFakeConn(),
		done: make(chan struct{}),
	}
	h.sess = New("sess-test", "call-test", Deps{
		Conn:   h.conn,
		Config: cfg,
		Clock:  h.clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = h.sess.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		h.conn.releaseWrites()
		_ = h.conn.Close(1000, "test done")
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

// push delivers one raw frame to the reader.
func (h *harness) push(frame string) {
	h.t.Helper()
	select {
	case h.conn.recvCh <- frame:
	case <-time.After(time.Second):
		h.t.Fatal("push: recv channel full")
	}
}

func (h *harness) pushResponseRequired(id int, userText string) {
	h.push(fmt.Sprintf(
		`{"interaction_type":"response_required","response_id":%d,"transcript":[{"role":"user","content":%q}]}`,
		id, userText))
}

func (h *harness) pushReminderRequired(id int, userText string) {
	h.push(fmt.Sprintf(
		`{"interaction_type":"reminder_required","response_id":%d,"transcript":[{"role":"user","content":%q}]}`,
		id, userText))
}

func (h *harness) pushUserTurnUpdate(userText string) {
	h.push(fmt.Sprintf(
		`{"interaction_type":"update_only","turntaking":"user_turn","transcript":[{"role":"user","content":%q}]}`,
		userText))
}

// waitFor polls cond against a real-time deadline.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// advanceUntil steps the fake clock forward until cond holds or maxMS logical
// milliseconds have elapsed.
func advanceUntil(t *testing.T, clk *clock.Fake, stepMS, maxMS int64, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var advanced int64
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if advanced < maxMS {
			clk.Advance(stepMS)
			advanced += stepMS
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out (advanced %dms) waiting for %s", advanced, desc)
}
