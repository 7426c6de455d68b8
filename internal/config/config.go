// Package config provides the configuration schema, loader, and provider
// registry for the voxhire interview orchestrator.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the orchestrator.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] with YAML support for human-readable values
// like "90m" or "700ms".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the orchestrator.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overlaid with environment variables via [ApplyEnv].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Interview    InterviewConfig    `yaml:"interview"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Detector     DetectorConfig     `yaml:"detector"`
	Conversation ConversationConfig `yaml:"conversation"`
	Agent        AgentConfig        `yaml:"agent"`

	// ExternalTimeout bounds every outbound network call (STT, TTS, LLM,
	// embeddings). Default: 15s.
	ExternalTimeout Duration `yaml:"external_timeout"`

	// ShutdownGrace bounds how long teardown may take before tasks are
	// abandoned. Default: 3s.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// DataRoot is the base directory for per-session artifacts (event logs,
	// turn logs, outcomes). Default: "./data".
	DataRoot string `yaml:"data_root"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// SignalingAddr is the TCP address the WebRTC signaling server listens on
	// (e.g., ":8080").
	SignalingAddr string `yaml:"signaling_addr"`

	// MetricsAddr is the TCP address for the Prometheus /metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the signaling server. When nil, plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	Audio      ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists providers to try, in order, when this one fails or its
	// circuit breaker is open. Nested fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// InterviewConfig holds session-level timing settings.
type InterviewConfig struct {
	// MaxDuration is the hard deadline for the interview measured from the
	// session becoming active. Default: 90m.
	MaxDuration Duration `yaml:"max_duration"`

	// EditorURLTemplate is the template for the candidate's editor URL.
	// The "{session_id}" and "{question_id}" placeholders are substituted
	// when the monitor attaches to a session.
	EditorURLTemplate string `yaml:"editor_url_template"`
}

// MonitorConfig holds code-editor monitoring settings.
type MonitorConfig struct {
	// PollingInterval is how often the editor DOM is snapshotted. Default: 5s.
	PollingInterval Duration `yaml:"polling_interval"`

	// InactivityThreshold is the idle period (no edits, no speech) after which
	// an inactivity event fires. Default: 120s.
	InactivityThreshold Duration `yaml:"inactivity_threshold"`

	// Selectors configures the DOM selectors used to extract editor state.
	Selectors SelectorConfig `yaml:"selectors"`
}

// SelectorConfig holds the CSS selectors for the candidate's editor page.
type SelectorConfig struct {
	// Editor selects the code editor content element.
	Editor string `yaml:"editor"`

	// Submit selects the submit button (used to detect the submitted state).
	Submit string `yaml:"submit"`

	// TestResult selects the test-result panel.
	TestResult string `yaml:"test_result"`
}

// DetectorConfig holds contradiction-detection settings.
type DetectorConfig struct {
	// LieThreshold is the minimum oracle contradiction score, in [0, 1], for a
	// statement to be treated as a lie. Default: 0.85.
	LieThreshold float64 `yaml:"lie_threshold"`
}

// ConversationConfig holds voice-loop timing settings.
type ConversationConfig struct {
	// EndOfTurnSilence is the trailing-silence window that commits a candidate
	// turn. Default: 700ms.
	EndOfTurnSilence Duration `yaml:"end_of_turn_silence"`

	// FillerLatencyThreshold is how long to wait for the main response before
	// playing a filler phrase. Default: 800ms.
	FillerLatencyThreshold Duration `yaml:"filler_latency_threshold"`
}

// AgentConfig holds LLM agent-call settings.
type AgentConfig struct {
	// LLMTimeout bounds a single LLM call. Default: 20s.
	LLMTimeout Duration `yaml:"llm_timeout"`

	// SchemaRetries is the number of re-prompts after a schema-invalid
	// response before the call fails. Default: 2.
	SchemaRetries int `yaml:"schema_retries"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Interview: InterviewConfig{
			MaxDuration: Duration(90 * time.Minute),
		},
		Monitor: MonitorConfig{
			PollingInterval:     Duration(5 * time.Second),
			InactivityThreshold: Duration(120 * time.Second),
		},
		Detector: DetectorConfig{
			LieThreshold: 0.85,
		},
		Conversation: ConversationConfig{
			EndOfTurnSilence:       Duration(700 * time.Millisecond),
			FillerLatencyThreshold: Duration(800 * time.Millisecond),
		},
		Agent: AgentConfig{
			LLMTimeout:    Duration(20 * time.Second),
			SchemaRetries: 2,
		},
		ExternalTimeout: Duration(15 * time.Second),
		ShutdownGrace:   Duration(3 * time.Second),
		DataRoot:        "./data",
	}
}
