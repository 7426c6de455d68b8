package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"deepgram", "elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"audio":      {"webrtc"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults], overlays
// environment variables via [ApplyEnv], and validates the result. Unknown YAML
// fields are rejected to catch typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envDuration pairs a Duration field with the unit a bare number means for its
// variable. "20" under a seconds unit reads as 20s; "700" under milliseconds
// reads as 700ms.
type envDuration struct {
	field *Duration
	unit  time.Duration
}

// envDurations maps environment variable names to the Duration fields they
// override. Values accept time.ParseDuration syntax ("90m", "700ms") or a bare
// number in the variable's documented unit.
func envDurations(cfg *Config) map[string]envDuration {
	return map[string]envDuration{
		"INTERVIEW_MAX_DURATION":   {&cfg.Interview.MaxDuration, time.Second},
		"POLLING_INTERVAL":         {&cfg.Monitor.PollingInterval, time.Second},
		"INACTIVITY_THRESHOLD":     {&cfg.Monitor.InactivityThreshold, time.Second},
		"END_OF_TURN_SILENCE":      {&cfg.Conversation.EndOfTurnSilence, time.Millisecond},
		"FILLER_LATENCY_THRESHOLD": {&cfg.Conversation.FillerLatencyThreshold, time.Millisecond},
		"LLM_TIMEOUT":              {&cfg.Agent.LLMTimeout, time.Second},
		"EXTERNAL_TIMEOUT":         {&cfg.ExternalTimeout, time.Second},
		"SHUTDOWN_GRACE":           {&cfg.ShutdownGrace, time.Second},
	}
}

// parseEnvDuration parses raw as a time.ParseDuration string, falling back to
// a bare number scaled by unit.
func parseEnvDuration(raw string, unit time.Duration) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a duration or number: %q", raw)
	}
	return time.Duration(n * float64(unit)), nil
}

// ApplyEnv overlays environment variables onto cfg. Unset or empty variables
// leave the corresponding field untouched; set-but-unparseable values are an
// error. All problems found are joined so the operator sees everything at once.
func ApplyEnv(cfg *Config) error {
	var errs []error

	for name, ed := range envDurations(cfg) {
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		d, err := parseEnvDuration(raw, ed.unit)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			continue
		}
		*ed.field = Duration(d)
	}

	if raw, ok := os.LookupEnv("LIE_THRESHOLD"); ok && raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: LIE_THRESHOLD=%q: %w", raw, err))
		} else {
			cfg.Detector.LieThreshold = v
		}
	}
	if raw, ok := os.LookupEnv("LLM_SCHEMA_RETRIES"); ok && raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: LLM_SCHEMA_RETRIES=%q: %w", raw, err))
		} else {
			cfg.Agent.SchemaRetries = v
		}
	}
	if raw, ok := os.LookupEnv("EDITOR_URL_TEMPLATE"); ok && raw != "" {
		cfg.Interview.EditorURLTemplate = raw
	}
	if raw, ok := os.LookupEnv("DATA_ROOT"); ok && raw != "" {
		cfg.DataRoot = raw
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the interviewer will not be able to generate responses")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; contradiction checks fall back to lexical matching only")
	}

	// Timings
	if cfg.Interview.MaxDuration <= 0 {
		errs = append(errs, errors.New("interview.max_duration must be positive"))
	}
	if cfg.Monitor.PollingInterval <= 0 {
		errs = append(errs, errors.New("monitor.polling_interval must be positive"))
	}
	if cfg.Monitor.InactivityThreshold <= 0 {
		errs = append(errs, errors.New("monitor.inactivity_threshold must be positive"))
	}
	if cfg.Conversation.EndOfTurnSilence <= 0 {
		errs = append(errs, errors.New("conversation.end_of_turn_silence must be positive"))
	}
	if cfg.Conversation.FillerLatencyThreshold <= 0 {
		errs = append(errs, errors.New("conversation.filler_latency_threshold must be positive"))
	}
	if cfg.Agent.LLMTimeout <= 0 {
		errs = append(errs, errors.New("agent.llm_timeout must be positive"))
	}
	if cfg.Agent.SchemaRetries < 0 {
		errs = append(errs, errors.New("agent.schema_retries must not be negative"))
	}
	if cfg.ExternalTimeout <= 0 {
		errs = append(errs, errors.New("external_timeout must be positive"))
	}
	if cfg.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown_grace must be positive"))
	}

	// Detection
	if cfg.Detector.LieThreshold < 0 || cfg.Detector.LieThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.lie_threshold %.2f is out of range [0, 1]", cfg.Detector.LieThreshold))
	}

	// Paths and templates
	if cfg.DataRoot == "" {
		errs = append(errs, errors.New("data_root must not be empty"))
	}
	if tmpl := cfg.Interview.EditorURLTemplate; tmpl != "" && !strings.Contains(tmpl, "{session_id}") && !strings.Contains(tmpl, "{question_id}") {
		errs = append(errs, fmt.Errorf("interview.editor_url_template %q has no {session_id} or {question_id} placeholder", tmpl))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
