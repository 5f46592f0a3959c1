package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML configuration at path, applying defaults
// for unset fields and environment overrides on top.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes YAML from r on top of [Default], applies environment
// overrides, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the small deploy-time surface onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_LOG_LEVEL")); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_PROFILE")); v != "" {
		cfg.Policy.Profile = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_SHARED_SECRET")); v != "" {
		cfg.Server.SharedSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_SPEAK_FIRST")); v != "" {
		cfg.Policy.SpeakFirst = envBool(v, cfg.Policy.SpeakFirst)
	}
	if v := strings.TrimSpace(os.Getenv("CALLBRAIN_IDLE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeoutMS = n
		}
	}
}

func envBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	}
	return fallback
}

// Validate checks cross-field constraints. Invalid enumerations are errors
// rather than silent fallbacks so a typo in deployment config is caught at
// startup, not mid-call.
func (c *Config) Validate() error {
	switch c.Server.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("config: invalid log_level %q", c.Server.LogLevel)
	}

	switch c.Speech.MarkupMode {
	case "DASH_PAUSE", "RAW_TEXT", "SSML":
	default:
		return fmt.Errorf("config: invalid speech.markup_mode %q", c.Speech.MarkupMode)
	}
	switch c.Speech.DashPauseScope {
	case "PROTECTED_ONLY", "SEGMENT_BOUNDARY":
	default:
		return fmt.Errorf("config: invalid speech.dash_pause_scope %q", c.Speech.DashPauseScope)
	}

	switch c.Policy.Profile {
	case "clinic", "outbound":
	default:
		return fmt.Errorf("config: invalid policy.profile %q", c.Policy.Profile)
	}

	switch c.LLM.Provider {
	case "none", "mock", "openai":
	default:
		return fmt.Errorf("config: invalid llm.provider %q", c.LLM.Provider)
	}

	for name, v := range map[string]int{
		"session.inbound_queue_max":        c.Session.InboundQueueMax,
		"session.outbound_queue_max":       c.Session.OutboundQueueMax,
		"session.turn_queue_max":           c.Session.TurnQueueMax,
		"session.max_frame_bytes":          c.Session.MaxFrameBytes,
		"session.trace_max_events":         c.Session.TraceMaxEvents,
		"speech.pace_ms_per_char":          c.Speech.PaceMSPerChar,
		"speech.max_segment_expected_ms":   c.Speech.MaxSegmentExpectedMS,
		"speech.tool_timeout_ms":           c.Speech.ToolTimeoutMS,
		"speech.tool_filler_threshold_ms":  c.Speech.ToolFillerThresholdMS,
		"session.write_timeout_ms":         c.Session.WriteTimeoutMS,
		"session.transcript_max_utterances": c.Session.TranscriptMaxUtterances,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s must be > 0 (got %d)", name, v)
		}
	}

	if c.Speech.ToolFillerThresholdMS >= c.Speech.ToolTimeoutMS {
		return fmt.Errorf("config: speech.tool_filler_threshold_ms (%d) must be below tool_timeout_ms (%d)",
			c.Speech.ToolFillerThresholdMS, c.Speech.ToolTimeoutMS)
	}

	for _, s := range c.Tools.MCP {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("config: mcp server %q: stdio transport requires command", s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("config: mcp server %q: http transport requires url", s.Name)
			}
		default:
			return fmt.Errorf("config: mcp server %q: invalid transport %q", s.Name, s.Transport)
		}
	}

	return nil
}
