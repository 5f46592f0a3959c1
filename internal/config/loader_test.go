package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.InboundQueueMax != 256 {
		t.Errorf("expected default inbound queue 256, got %d", cfg.Session.InboundQueueMax)
	}
	if cfg.Speech.MarkupMode != "DASH_PAUSE" {
		t.Errorf("expected default markup DASH_PAUSE, got %q", cfg.Speech.MarkupMode)
	}
	if cfg.Policy.Profile != "clinic" {
		t.Errorf("expected default profile clinic, got %q", cfg.Policy.Profile)
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	yamlDoc := `
server:
  listen_addr: ":9000"
  log_level: debug
speech:
  markup_mode: RAW_TEXT
  tool_timeout_ms: 3000
policy:
  profile: outbound
  agent_name: Cassidy
`
	cfg, err := LoadFromReader(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr not applied: %q", cfg.Server.ListenAddr)
	}
	if cfg.Speech.MarkupMode != "RAW_TEXT" {
		t.Errorf("markup_mode not applied: %q", cfg.Speech.MarkupMode)
	}
	if cfg.Speech.ToolTimeoutMS != 3000 {
		t.Errorf("tool_timeout_ms not applied: %d", cfg.Speech.ToolTimeoutMS)
	}
	// Unset fields keep defaults.
	if cfg.Session.OutboundQueueMax != 256 {
		t.Errorf("unset field lost default: %d", cfg.Session.OutboundQueueMax)
	}
	if cfg.Policy.AgentName != "Cassidy" {
		t.Errorf("agent_name not applied: %q", cfg.Policy.AgentName)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: ':1'\n"))
	if err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad markup mode", func(c *Config) { c.Speech.MarkupMode = "PAUSES" }},
		{"bad pause scope", func(c *Config) { c.Speech.DashPauseScope = "EVERYWHERE" }},
		{"bad profile", func(c *Config) { c.Policy.Profile = "b2c" }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"bad llm provider", func(c *Config) { c.LLM.Provider = "gemini" }},
		{"zero queue", func(c *Config) { c.Session.InboundQueueMax = 0 }},
		{"filler past timeout", func(c *Config) { c.Speech.ToolFillerThresholdMS = c.Speech.ToolTimeoutMS }},
		{"mcp stdio without command", func(c *Config) {
			c.Tools.MCP = []MCPServerConfig{{Name: "x", Transport: "stdio"}}
		}},
		{"mcp bad transport", func(c *Config) {
			c.Tools.MCP = []MCPServerConfig{{Name: "x", Transport: "sse", URL: "http://x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("default is valid", func(t *testing.T) {
		if err := Default().Validate(); err != nil {
			t.Errorf("default config invalid: %v", err)
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLBRAIN_PROFILE", "outbound")
	t.Setenv("CALLBRAIN_LISTEN_ADDR", ":7777")
	t.Setenv("CALLBRAIN_SPEAK_FIRST", "false")

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Profile != "outbound" {
		t.Errorf("env profile not applied: %q", cfg.Policy.Profile)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("env listen addr not applied: %q", cfg.Server.ListenAddr)
	}
	if cfg.Policy.SpeakFirst {
		t.Error("env speak_first=false not applied")
	}
}
