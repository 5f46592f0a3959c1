package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/evelabs/callbrain/internal/config"
)

func testServer(t *testing.T, cfg *config.Config) (*SessionManager, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	manager := NewSessionManager(ctx, SessionManagerConfig{Config: cfg})

	// Mounted at the root so route enforcement inside the handler is what
	// rejects stray paths.
	mux := http.NewServeMux()
	mux.HandleFunc("/", manager.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return manager, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func TestSessionManager_CallLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.SpeakFirst = false
	cfg.Session.PingIntervalMS = 0
	cfg.Session.IdleTimeoutMS = 600000

	manager, srv := testServer(t, cfg)
	conn := dial(t, srv, "/llm-websocket/call-abc-123")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	first := readFrame(t, conn)
	if first["response_type"] != "config" {
		t.Errorf("first frame = %v, want config", first["response_type"])
	}
	second := readFrame(t, conn)
	if second["response_type"] != "update_agent" {
		t.Errorf("second frame = %v, want update_agent", second["response_type"])
	}
	third := readFrame(t, conn)
	if third["response_type"] != "response" || third["content_complete"] != true {
		t.Errorf("third frame = %v, want empty terminal for epoch 0", third)
	}

	deadline := time.Now().Add(5 * time.Second)
	for manager.ActiveSessions() != 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := manager.ActiveSessions(); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	// Keepalive echo round-trip.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"interaction_type":"ping_pong","timestamp":4242}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readFrame(t, conn)
	if pong["response_type"] != "ping_pong" {
		t.Errorf("echo = %v, want ping_pong", pong["response_type"])
	}
	if ts, _ := pong["timestamp"].(float64); int64(ts) != 4242 {
		t.Errorf("echo timestamp = %v, want 4242", pong["timestamp"])
	}

	_ = conn.Close(websocket.StatusNormalClosure, "caller hung up")
	deadline = time.Now().Add(5 * time.Second)
	for manager.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := manager.ActiveSessions(); got != 0 {
		t.Errorf("active sessions after hangup = %d, want 0", got)
	}
}

func TestSessionManager_RouteAndSecretEnforcement(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SharedSecret = "s3cret"
	_, srv := testServer(t, cfg)

	t.Run("wrong route rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/other-route/call-1")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
	})

	t.Run("missing secret rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/llm-websocket/call-1")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
	})
}

func TestCallIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/llm-websocket/call-1", "call-1"},
		{"/llm-websocket/nested/call-2", "call-2"},
		{"/", ""},
	}
	for _, tc := range cases {
		if got := callIDFromPath(tc.path); got != tc.want {
			t.Errorf("callIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
