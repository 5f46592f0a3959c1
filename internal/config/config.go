// Package config provides the configuration schema and loader for the
// callbrain server.
//
// Configuration is loaded from a YAML file via [Load] or [LoadFromReader],
// starts from [Default], and may be overridden by a small set of environment
// variables for deploy-time tuning. A session's configuration is immutable
// for the duration of a call: the replay contract depends on it.
package config

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Platform    PlatformConfig    `yaml:"platform"`
	Session     SessionConfig     `yaml:"session"`
	Speech      SpeechConfig      `yaml:"speech"`
	Policy      PolicyConfig      `yaml:"policy"`
	Speculative SpeculativeConfig `yaml:"speculative"`
	LLM         LLMConfig         `yaml:"llm"`
	Tools       ToolsConfig       `yaml:"tools"`
}

// LogLevel is the server log verbosity.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// WSRoute is the canonical websocket route the platform dials
	// (e.g., "llm-websocket"; the call id is appended as a path segment).
	WSRoute string `yaml:"ws_route"`

	// EnforceWSRoute rejects upgrades on any other path when true.
	EnforceWSRoute bool `yaml:"enforce_ws_route"`

	// SharedSecret, when non-empty, must match the SharedSecretHeader on the
	// upgrade request.
	SharedSecret string `yaml:"shared_secret"`

	// SharedSecretHeader names the header carrying the shared secret.
	SharedSecretHeader string `yaml:"shared_secret_header"`
}

// PlatformConfig describes the config frame sent to the platform on connect
// and the dynamic agent tuning pushed after it.
type PlatformConfig struct {
	// AutoReconnect asks the platform to keep the stream alive across blips
	// and enables the keepalive ping loop.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// CallDetails asks the platform to send a call_details frame.
	CallDetails bool `yaml:"call_details"`

	// TranscriptWithToolCalls asks for tool-call annotated transcripts.
	TranscriptWithToolCalls bool `yaml:"transcript_with_tool_calls"`

	// SendUpdateAgentOnConnect pushes the agent tuning frame right after the
	// config frame.
	SendUpdateAgentOnConnect bool `yaml:"send_update_agent_on_connect"`

	// Responsiveness is the platform-side responsiveness knob in [0,1].
	Responsiveness float64 `yaml:"responsiveness"`

	// InterruptionSensitivity is the platform-side barge-in knob in [0,1].
	InterruptionSensitivity float64 `yaml:"interruption_sensitivity"`

	// ReminderTriggerMS is the user-silence interval before the platform
	// sends reminder_required.
	ReminderTriggerMS int `yaml:"reminder_trigger_ms"`

	// ReminderMaxCount caps reminder turns per user silence.
	ReminderMaxCount int `yaml:"reminder_max_count"`
}

// SessionConfig bounds the per-call runtime.
type SessionConfig struct {
	// InboundQueueMax bounds the reader → orchestrator queue.
	InboundQueueMax int `yaml:"inbound_queue_max"`

	// OutboundQueueMax bounds the orchestrator → writer queue.
	OutboundQueueMax int `yaml:"outbound_queue_max"`

	// TurnQueueMax bounds a turn handler's output queue.
	TurnQueueMax int `yaml:"turn_queue_max"`

	// IdleTimeoutMS ends the session after this long with no inbound traffic.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// PingIntervalMS is the keepalive ping period (0 disables the loop).
	PingIntervalMS int `yaml:"ping_interval_ms"`

	// PingWriteDeadlineMS is the queue-delay budget for a ping frame; misses
	// are counted, not fatal.
	PingWriteDeadlineMS int `yaml:"ping_write_deadline_ms"`

	// WriteTimeoutMS is the per-frame transport write budget.
	WriteTimeoutMS int `yaml:"write_timeout_ms"`

	// CloseOnWriteTimeout escalates consecutive write timeouts to a session
	// close when true.
	CloseOnWriteTimeout bool `yaml:"close_on_write_timeout"`

	// MaxConsecutiveWriteTimeouts is the escalation threshold.
	MaxConsecutiveWriteTimeouts int `yaml:"max_consecutive_write_timeouts"`

	// MaxFrameBytes is the UTF-8 byte limit for a single inbound frame.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// TranscriptMaxUtterances bounds the in-RAM transcript window.
	TranscriptMaxUtterances int `yaml:"transcript_max_utterances"`

	// TranscriptMaxChars bounds the in-RAM transcript window by characters.
	TranscriptMaxChars int `yaml:"transcript_max_chars"`

	// TraceMaxEvents bounds the replay trace ring.
	TraceMaxEvents int `yaml:"trace_max_events"`
}

// SpeechConfig holds pacing, markup, and latency budgets for the planner and
// turn handler.
type SpeechConfig struct {
	// MarkupMode selects pause rendering: "DASH_PAUSE", "RAW_TEXT", or "SSML".
	MarkupMode string `yaml:"markup_mode"`

	// DashPauseScope selects where dash pauses apply: "PROTECTED_ONLY" or
	// "SEGMENT_BOUNDARY".
	DashPauseScope string `yaml:"dash_pause_scope"`

	// DashPauseUnitMS is the duration one " - " unit stands for.
	DashPauseUnitMS int `yaml:"dash_pause_unit_ms"`

	// DigitDashPauseUnitMS is the pause inserted between protected digits.
	DigitDashPauseUnitMS int `yaml:"digit_dash_pause_unit_ms"`

	// PaceMSPerChar is the speech-duration estimator.
	PaceMSPerChar int `yaml:"pace_ms_per_char"`

	// MaxSegmentExpectedMS caps one segment's estimated duration.
	MaxSegmentExpectedMS int `yaml:"max_segment_expected_ms"`

	// MaxMonologueExpectedMS inserts a check-in once cumulative content
	// exceeds this estimate.
	MaxMonologueExpectedMS int `yaml:"max_monologue_expected_ms"`

	// AckDeadlineMS is the ACK latency budget asserted by tests/metrics.
	AckDeadlineMS int `yaml:"ack_deadline_ms"`

	// BargeInCancelP95MS is the barge-in cancel latency budget.
	BargeInCancelP95MS int `yaml:"barge_in_cancel_p95_ms"`

	// ToolFillerThresholdMS is the tool latency after which a filler phrase
	// is spoken.
	ToolFillerThresholdMS int `yaml:"tool_filler_threshold_ms"`

	// ToolTimeoutMS is the absolute per-tool deadline.
	ToolTimeoutMS int `yaml:"tool_timeout_ms"`

	// ModelFillerThresholdMS is the LLM-stream latency before a filler.
	ModelFillerThresholdMS int `yaml:"model_filler_threshold_ms"`

	// ModelTimeoutMS is the absolute LLM-stream deadline.
	ModelTimeoutMS int `yaml:"model_timeout_ms"`

	// MaxFillersPerTool caps filler phrases per tool call.
	MaxFillersPerTool int `yaml:"max_fillers_per_tool"`

	// PlainLanguage enables the jargon/plain-language guard.
	PlainLanguage bool `yaml:"plain_language"`

	// NoReasoningLeak scrubs reasoning-style phrasing from spoken text.
	NoReasoningLeak bool `yaml:"no_reasoning_leak"`
}

// PolicyConfig selects the conversation profile and persona metadata.
type PolicyConfig struct {
	// Profile is "clinic" (inbound assistant) or "outbound" (cold-call funnel).
	Profile string `yaml:"profile"`

	// SpeakFirst emits a scripted opening for epoch 0; when false the session
	// opens with only the empty terminal for response_id 0.
	SpeakFirst bool `yaml:"speak_first"`

	// OrgName names the business in identity disclosures and the opener.
	OrgName string `yaml:"org_name"`

	// AgentName is the assistant's spoken name.
	AgentName string `yaml:"agent_name"`

	// City qualifies the org in openers where the script uses it.
	City string `yaml:"city"`

	// AutoDisclosure appends the assistant disclosure to the first
	// substantive turn when it has not been spoken yet.
	AutoDisclosure bool `yaml:"auto_disclosure"`

	// MaxReprompts bounds repair loops per captured field.
	MaxReprompts int `yaml:"max_reprompts"`

	// AgentInterruptPreAck enables the reserved agent_interrupt pre-ack on
	// agent-turn hints. Off by default; the core never emits agent_interrupt
	// spontaneously unless this is set.
	AgentInterruptPreAck bool `yaml:"agent_interrupt_pre_ack"`
}

// SpeculativeConfig tunes the pre-computation path driven by user-turn
// transcript updates.
type SpeculativeConfig struct {
	// Enabled turns the speculator on.
	Enabled bool `yaml:"enabled"`

	// DebounceMS delays speculation after each update so rapid snapshots
	// coalesce.
	DebounceMS int `yaml:"debounce_ms"`

	// ToolPrefetchEnabled lets the speculator pre-run tool requests.
	ToolPrefetchEnabled bool `yaml:"tool_prefetch_enabled"`

	// ToolPrefetchTimeoutMS is the reduced tool deadline during speculation.
	ToolPrefetchTimeoutMS int `yaml:"tool_prefetch_timeout_ms"`
}

// LLMConfig configures the optional streaming NLG path. Disabled by default;
// the deterministic plan builder handles all turns without it.
type LLMConfig struct {
	// Provider is "none", "mock", or "openai".
	Provider string `yaml:"provider"`

	// UseForNLG routes Ask/Repair turns without tool requests through the
	// streaming LLM.
	UseForNLG bool `yaml:"use_for_nlg"`

	// Model is the provider model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	// LatencyMS injects synthetic latency per tool name (testing/load rigs).
	LatencyMS map[string]int `yaml:"latency_ms"`

	// MCP lists Model Context Protocol servers whose tools are bridged into
	// the registry.
	MCP []MCPServerConfig `yaml:"mcp"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism: "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command is the executable launched when Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "http".
	URL string `yaml:"url"`
}

// Default returns the configuration the server runs with when a field is not
// set in the YAML file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         ":8080",
			LogLevel:           LogInfo,
			WSRoute:            "llm-websocket",
			EnforceWSRoute:     true,
			SharedSecretHeader: "X-Call-Signature",
		},
		Platform: PlatformConfig{
			AutoReconnect:            true,
			CallDetails:              true,
			TranscriptWithToolCalls:  true,
			SendUpdateAgentOnConnect: true,
			Responsiveness:           0.8,
			InterruptionSensitivity:  0.8,
			ReminderTriggerMS:        3000,
			ReminderMaxCount:         1,
		},
		Session: SessionConfig{
			InboundQueueMax:             256,
			OutboundQueueMax:            256,
			TurnQueueMax:                64,
			IdleTimeoutMS:               5000,
			PingIntervalMS:              2000,
			PingWriteDeadlineMS:         100,
			WriteTimeoutMS:              400,
			CloseOnWriteTimeout:         true,
			MaxConsecutiveWriteTimeouts: 2,
			MaxFrameBytes:               262144,
			TranscriptMaxUtterances:     200,
			TranscriptMaxChars:          50000,
			TraceMaxEvents:              20000,
		},
		Speech: SpeechConfig{
			MarkupMode:             "DASH_PAUSE",
			DashPauseScope:         "PROTECTED_ONLY",
			DashPauseUnitMS:        200,
			DigitDashPauseUnitMS:   150,
			PaceMSPerChar:          12,
			MaxSegmentExpectedMS:   650,
			MaxMonologueExpectedMS: 12000,
			AckDeadlineMS:          300,
			BargeInCancelP95MS:     250,
			ToolFillerThresholdMS:  800,
			ToolTimeoutMS:          1500,
			ModelFillerThresholdMS: 800,
			ModelTimeoutMS:         3800,
			MaxFillersPerTool:      1,
			PlainLanguage:          true,
			NoReasoningLeak:        true,
		},
		Policy: PolicyConfig{
			Profile:      "clinic",
			SpeakFirst:   true,
			OrgName:      "Lakeside Clinic",
			AgentName:    "Sarah",
			City:         "Plano",
			AutoDisclosure: true,
			MaxReprompts: 2,
		},
		Speculative: SpeculativeConfig{
			Enabled:               true,
			DebounceMS:            0,
			ToolPrefetchEnabled:   true,
			ToolPrefetchTimeoutMS: 100,
		},
		LLM: LLMConfig{
			Provider:  "none",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Tools: ToolsConfig{},
	}
}
