package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config defines the global application configuration structure.
// This structure maps directly to the config.json file and holds
// business-level settings like channel API keys and LLM provider choices.
type Config struct {
	// Channels contains a map of channel identifiers (e.g., "telegram", "web")
	// to their specific configuration payloads in raw JSON format.
	Channels map[string]jsoniter.RawMessage `json:"channels"`
	// LLM holds the provider groups in raw JSON. Each group is decoded by
	// the llm package's provider factories.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is the assistant persona prepended to the synthesis prompt.
	SystemPrompt string `json:"system_prompt"`
	// Tools configures the built-in reference tools.
	Tools ToolsConfig `json:"tools"`
	// Store selects the turn persistence backend.
	Store StoreConfig `json:"store"`
}

// ToolsConfig 內建工具的設定
type ToolsConfig struct {
	WebFetch       bool   `json:"web_fetch"`
	ContentExtract bool   `json:"content_extract"`
	UserAgent      string `json:"user_agent,omitempty"`
	MaxFetchBytes  int64  `json:"max_fetch_bytes,omitempty"`
}

// StoreConfig 持久化後端設定
// Driver: "memory" | "file" | "redis"
type StoreConfig struct {
	Driver   string `json:"driver"`
	Dir      string `json:"dir,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// Validate ensures the configuration structure contains all mandatory fields.
// It acts as a primary guard before the system proceeds to initialization.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	switch c.Store.Driver {
	case "", "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "redis" && c.Store.Addr == "" {
		return fmt.Errorf("store driver 'redis' requires 'addr'")
	}
	return nil
}

// SystemConfig defines engine-level technical parameters.
// These settings are usually stored in system.json and control the
// performance, reliability, and technical behavior of the engine.
// system.json is hot-reloaded; see WatchConfig.
type SystemConfig struct {
	// MaxRetries is the number of times the system will attempt to
	// recover from a transient LLM or network error before giving up.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the duration to wait (in milliseconds) between
	// consecutive retry attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is the hard cutoff time (in milliseconds) for a single
	// text-generation call. The context will be cancelled if exceeded.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// OllamaDefaultURL is the fallback endpoint used when connecting
	// to a local Ollama instance if no specific URL is provided.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// InternalChannelBuffer defines the size of the internal Go channels
	// used for buffering stream chunks to prevent production blocking.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// ThinkingInitDelayMs is the time to wait (in milliseconds) after a
	// user message before showing the "AI is thinking" status in the UI.
	ThinkingInitDelayMs int `json:"thinking_init_delay_ms"`
	// TelegramMessageLimit is the maximum character count for a single
	// Telegram message. Longer responses will be split into multiple chunks.
	TelegramMessageLimit int `json:"telegram_message_limit"`
	// ShowThinking determines whether the reasoning trace is forwarded
	// to channels together with the visible answer.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks enables saving every raw LLM response chunk to the /debug
	// folder for inspection and troubleshooting purposes.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
	// EnableTools globally toggles tool planning. When false every turn
	// goes straight from THINKING to synthesis.
	EnableTools bool `json:"enable_tools"`
	// RequestsPerMinute caps outgoing text-generation calls. 0 disables the limiter.
	RequestsPerMinute int `json:"requests_per_minute"`

	// Models pins a model per pipeline role. Empty means the provider default.
	Models ModelRoles `json:"models"`
	// DecisionTemperature / SynthesisTemperature / RecoveryTemperature
	// are passed to the provider for the corresponding call.
	DecisionTemperature  float64 `json:"decision_temperature"`
	SynthesisTemperature float64 `json:"synthesis_temperature"`
	RecoveryTemperature  float64 `json:"recovery_temperature"`

	// ToolTimeoutMs bounds a single tool execution. ToolTimeouts overrides it per tool name.
	ToolTimeoutMs int            `json:"tool_timeout_ms"`
	ToolTimeouts  map[string]int `json:"tool_timeouts_ms,omitempty"`

	// MaxRecoveryCycles bounds Recovery Strategist invocations per turn.
	MaxRecoveryCycles int `json:"max_recovery_cycles"`
	// MinRecoveryConfidence is the confidence below which alternatives are not retried.
	MinRecoveryConfidence float64 `json:"min_recovery_confidence"`
	// RecoveryPreviewChars bounds the failing output preview sent to the strategist.
	RecoveryPreviewChars int `json:"recovery_preview_chars"`
	// HistoryDepth is the number of prior turns condensed into the decision prompt.
	HistoryDepth int `json:"history_depth"`

	// Validator holds the tunable heuristics of the result validator.
	Validator ValidatorThresholds `json:"validator"`
}

// ModelRoles 各階段使用的模型
type ModelRoles struct {
	Decision  string `json:"decision,omitempty"`
	Recovery  string `json:"recovery,omitempty"`
	Synthesis string `json:"synthesis,omitempty"`
}

// ValidatorThresholds mirrors validator.Thresholds so system.json can tune it
// without the config package importing the engine.
type ValidatorThresholds struct {
	MinOutputChars    int `json:"min_output_chars"`
	MaxCodeMarkers    int `json:"max_code_markers"`
	MinContentMarkers int `json:"min_content_markers"`
	CodeCheckMinChars int `json:"code_check_min_chars"`
}

// DefaultSystemConfig returns a SystemConfig pointer initialized with hardcoded
// safe default values. This is used as a fallback when the system.json file
// is missing or corrupt, ensuring the engine can always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:            3,
		RetryDelayMs:          500,
		LLMTimeoutMs:          120000,
		OllamaDefaultURL:      "http://localhost:11434",
		InternalChannelBuffer: 100,
		ThinkingInitDelayMs:   500,
		TelegramMessageLimit:  4000,
		ShowThinking:          false,
		LogLevel:              "info",
		EnableTools:           true,
		RequestsPerMinute:     0,
		DecisionTemperature:   0.1,
		SynthesisTemperature:  0.7,
		RecoveryTemperature:   0.2,
		ToolTimeoutMs:         15000,
		MaxRecoveryCycles:     1,
		MinRecoveryConfidence: 0.5,
		RecoveryPreviewChars:  600,
		HistoryDepth:          6,
		Validator: ValidatorThresholds{
			MinOutputChars:    40,
			MaxCodeMarkers:    5,
			MinContentMarkers: 3,
			CodeCheckMinChars: 1000,
		},
	}
}

// Normalize clamps values that would break the engine back to their defaults.
func (s *SystemConfig) Normalize() *SystemConfig {
	def := DefaultSystemConfig()
	if s.LLMTimeoutMs <= 0 {
		s.LLMTimeoutMs = def.LLMTimeoutMs
	}
	if s.ToolTimeoutMs <= 0 {
		s.ToolTimeoutMs = def.ToolTimeoutMs
	}
	if s.MaxRecoveryCycles < 0 {
		s.MaxRecoveryCycles = 0
	}
	if s.MinRecoveryConfidence < 0 || s.MinRecoveryConfidence > 1 {
		s.MinRecoveryConfidence = def.MinRecoveryConfidence
	}
	if s.RecoveryPreviewChars <= 0 {
		s.RecoveryPreviewChars = def.RecoveryPreviewChars
	}
	if s.HistoryDepth < 0 {
		s.HistoryDepth = 0
	}
	if s.InternalChannelBuffer <= 0 {
		s.InternalChannelBuffer = def.InternalChannelBuffer
	}
	if s.TelegramMessageLimit <= 0 {
		s.TelegramMessageLimit = def.TelegramMessageLimit
	}
	return s
}

// Load reads and parses the JSON configuration files.
// It first attempts to load the app config. If this file is missing, it returns an error.
// Then it calls LoadSystemConfig to load the system config, which never fails.
func Load(appPath, systemPath string) (*Config, *SystemConfig, error) {
	// 1. Load Application Config
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 1a. Validate structure integrity
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	// 2. Load System Config independently
	sysCfg := LoadSystemConfig(systemPath)

	return &cfg, sysCfg, nil
}

// LoadSystemConfig attempts to load system settings, returns defaults if it fails
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg // File not found, use defaults
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return DefaultSystemConfig() // Parse failed, use defaults
	}

	return cfg.Normalize()
}

// ToolTimeout 回傳指定工具的逾時（毫秒），未覆寫時使用全域值
func (s *SystemConfig) ToolTimeout(tool string) int {
	if ms, ok := s.ToolTimeouts[tool]; ok && ms > 0 {
		return ms
	}
	return s.ToolTimeoutMs
}
