// Package mcpbridge surfaces the tools of Model Context Protocol servers
// through the session's tool [tools.Registry].
//
// A [Bridge] connects to the configured servers (stdio or streamable-HTTP
// transports, via the official MCP Go SDK), lists each server's tool
// catalogue, and registers a [tools.Fn] per discovered tool. Bridged tools
// run under the same absolute-deadline invocation path as builtins, so
// latency masking, timeouts, and records behave identically.
package mcpbridge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/tools"
)

// Bridge owns the MCP client sessions feeding a tool registry.
// Safe for concurrent use.
type Bridge struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // server name → session
}

// New creates a Bridge with a fresh MCP client identity.
func New() *Bridge {
	return &Bridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "callbrain", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect establishes sessions to every configured server and registers each
// discovered tool on reg. Tool names are prefixed with "<server>." to avoid
// colliding with builtins.
func (b *Bridge) Connect(ctx context.Context, servers []config.MCPServerConfig, reg *tools.Registry) error {
	for _, cfg := range servers {
		if err := b.connectOne(ctx, cfg, reg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) connectOne(ctx context.Context, cfg config.MCPServerConfig, reg *tools.Registry) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcpbridge: stdio server %q requires a command", cfg.Name)
		}
		transport = &mcpsdk.CommandTransport{
			Command: exec.CommandContext(ctx, parts[0], parts[1:]...),
		}
	case "http":
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcpbridge: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to %q: %w", cfg.Name, err)
	}

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for %q: %w", cfg.Name, err)
		}
		names = append(names, tool.Name)
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	for _, name := range names {
		reg.Register(cfg.Name+"."+name, b.toolFn(cfg.Name, name))
	}
	return nil
}

// toolFn wraps one remote MCP tool as a registry [tools.Fn].
func (b *Bridge) toolFn(server, tool string) tools.Fn {
	return func(ctx context.Context, args map[string]any) (string, error) {
		b.mu.Lock()
		session, ok := b.sessions[server]
		b.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("mcpbridge: server %q not connected", server)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("mcpbridge: call %s.%s: %w", server, tool, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcpbridge: %s.%s reported error: %s", server, tool, sb.String())
		}
		return sb.String(), nil
	}
}

// Close terminates all server sessions.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}
