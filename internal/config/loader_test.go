package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxhire/voxhire/internal/config"
)

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxhire.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("providers.stt.name: got %q, want deepgram", cfg.Providers.STT.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error should mention open, got: %v", err)
	}
}

func TestApplyEnv_DurationOverrides(t *testing.T) {
	t.Setenv("INTERVIEW_MAX_DURATION", "45m")
	t.Setenv("POLLING_INTERVAL", "3s")
	t.Setenv("INACTIVITY_THRESHOLD", "60s")
	t.Setenv("END_OF_TURN_SILENCE", "500ms")
	t.Setenv("FILLER_LATENCY_THRESHOLD", "1s")
	t.Setenv("LLM_TIMEOUT", "15s")
	t.Setenv("EXTERNAL_TIMEOUT", "25s")
	t.Setenv("SHUTDOWN_GRACE", "8s")

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"INTERVIEW_MAX_DURATION", cfg.Interview.MaxDuration.Std(), 45 * time.Minute},
		{"POLLING_INTERVAL", cfg.Monitor.PollingInterval.Std(), 3 * time.Second},
		{"INACTIVITY_THRESHOLD", cfg.Monitor.InactivityThreshold.Std(), 60 * time.Second},
		{"END_OF_TURN_SILENCE", cfg.Conversation.EndOfTurnSilence.Std(), 500 * time.Millisecond},
		{"FILLER_LATENCY_THRESHOLD", cfg.Conversation.FillerLatencyThreshold.Std(), time.Second},
		{"LLM_TIMEOUT", cfg.Agent.LLMTimeout.Std(), 15 * time.Second},
		{"EXTERNAL_TIMEOUT", cfg.ExternalTimeout.Std(), 25 * time.Second},
		{"SHUTDOWN_GRACE", cfg.ShutdownGrace.Std(), 8 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnv_BareNumberDurations(t *testing.T) {
	// Bare numbers read in each variable's documented unit: seconds for the
	// session-level knobs, milliseconds for the conversation timing ones.
	t.Setenv("LLM_TIMEOUT", "20")
	t.Setenv("EXTERNAL_TIMEOUT", "15")
	t.Setenv("SHUTDOWN_GRACE", "3")
	t.Setenv("INTERVIEW_MAX_DURATION", "5400")
	t.Setenv("END_OF_TURN_SILENCE", "700")
	t.Setenv("FILLER_LATENCY_THRESHOLD", "800")

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"LLM_TIMEOUT", cfg.Agent.LLMTimeout.Std(), 20 * time.Second},
		{"EXTERNAL_TIMEOUT", cfg.ExternalTimeout.Std(), 15 * time.Second},
		{"SHUTDOWN_GRACE", cfg.ShutdownGrace.Std(), 3 * time.Second},
		{"INTERVIEW_MAX_DURATION", cfg.Interview.MaxDuration.Std(), 90 * time.Minute},
		{"END_OF_TURN_SILENCE", cfg.Conversation.EndOfTurnSilence.Std(), 700 * time.Millisecond},
		{"FILLER_LATENCY_THRESHOLD", cfg.Conversation.FillerLatencyThreshold.Std(), 800 * time.Millisecond},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnv_FractionalBareNumber(t *testing.T) {
	t.Setenv("POLLING_INTERVAL", "2.5")

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Monitor.PollingInterval.Std(); got != 2500*time.Millisecond {
		t.Errorf("POLLING_INTERVAL: got %v, want 2.5s", got)
	}
}

func TestApplyEnv_ScalarOverrides(t *testing.T) {
	t.Setenv("LIE_THRESHOLD", "0.75")
	t.Setenv("LLM_SCHEMA_RETRIES", "5")
	t.Setenv("EDITOR_URL_TEMPLATE", "https://ide.example.com/{session_id}")
	t.Setenv("DATA_ROOT", "/tmp/voxhire-data")

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Detector.LieThreshold != 0.75 {
		t.Errorf("LIE_THRESHOLD: got %v, want 0.75", cfg.Detector.LieThreshold)
	}
	if cfg.Agent.SchemaRetries != 5 {
		t.Errorf("LLM_SCHEMA_RETRIES: got %d, want 5", cfg.Agent.SchemaRetries)
	}
	if cfg.Interview.EditorURLTemplate != "https://ide.example.com/{session_id}" {
		t.Errorf("EDITOR_URL_TEMPLATE: got %q", cfg.Interview.EditorURLTemplate)
	}
	if cfg.DataRoot != "/tmp/voxhire-data" {
		t.Errorf("DATA_ROOT: got %q", cfg.DataRoot)
	}
}

func TestApplyEnv_UnsetLeavesDefaults(t *testing.T) {
	// Make sure none of the override variables are set.
	for _, name := range []string{
		"INTERVIEW_MAX_DURATION", "POLLING_INTERVAL", "INACTIVITY_THRESHOLD",
		"END_OF_TURN_SILENCE", "FILLER_LATENCY_THRESHOLD", "LLM_TIMEOUT",
		"EXTERNAL_TIMEOUT", "SHUTDOWN_GRACE", "LIE_THRESHOLD",
		"LLM_SCHEMA_RETRIES", "EDITOR_URL_TEMPLATE", "DATA_ROOT",
	} {
		t.Setenv(name, "")
	}

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Interview.MaxDuration.Std(); got != 90*time.Minute {
		t.Errorf("interview.max_duration: got %v, want 90m", got)
	}
	if cfg.Detector.LieThreshold != 0.85 {
		t.Errorf("detector.lie_threshold: got %v, want 0.85", cfg.Detector.LieThreshold)
	}
}

func TestApplyEnv_InvalidDuration(t *testing.T) {
	t.Setenv("INTERVIEW_MAX_DURATION", "soon")

	cfg := config.Defaults()
	err := config.ApplyEnv(cfg)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "INTERVIEW_MAX_DURATION") {
		t.Errorf("error should mention the variable name, got: %v", err)
	}
	// The field must keep its previous value.
	if got := cfg.Interview.MaxDuration.Std(); got != 90*time.Minute {
		t.Errorf("interview.max_duration: got %v, want 90m", got)
	}
}

func TestApplyEnv_CollectsAllErrors(t *testing.T) {
	t.Setenv("LIE_THRESHOLD", "very high")
	t.Setenv("LLM_SCHEMA_RETRIES", "two")

	err := config.ApplyEnv(config.Defaults())
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "LIE_THRESHOLD") {
		t.Errorf("error should mention LIE_THRESHOLD, got: %v", err)
	}
	if !strings.Contains(errStr, "LLM_SCHEMA_RETRIES") {
		t.Errorf("error should mention LLM_SCHEMA_RETRIES, got: %v", err)
	}
}

func TestLoadFromReader_EnvOverridesFile(t *testing.T) {
	t.Setenv("POLLING_INTERVAL", "5s")

	yaml := `
monitor:
  polling_interval: 1s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Monitor.PollingInterval.Std(); got != 5*time.Second {
		t.Errorf("env should override file: got %v, want 5s", got)
	}
}

func TestValidProviderNames(t *testing.T) {
	// Every name the binary registers must be listed, or Validate would warn
	// on a perfectly valid config.
	wants := map[string][]string{
		"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
		"stt":        {"deepgram", "whisper", "whisper-native"},
		"tts":        {"deepgram", "elevenlabs", "coqui"},
		"embeddings": {"openai", "ollama"},
		"audio":      {"webrtc"},
	}
	for kind, names := range wants {
		known := config.ValidProviderNames[kind]
		for _, name := range names {
			found := false
			for _, n := range known {
				if n == name {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("ValidProviderNames[%q] should contain %q", kind, name)
			}
		}
	}
}
