// Package agentrt implements the Agent Runtime: the uniform structured
// interface between the session and the LLM. Callers describe what they need
// with a [PromptSpec] (template name, context bundle, interview mode); the
// runtime renders the prompt, attaches the response JSON schema, calls the
// provider, repairs and validates the reply, and returns a typed
// [StructuredResponse].
//
// Calls are serialized per runtime instance: a session never has two agent
// calls in flight. Ask itself remains cancellable through its context.
package agentrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/voxhire/voxhire/internal/observe"
	"github.com/voxhire/voxhire/internal/resilience"
	"github.com/voxhire/voxhire/pkg/provider/llm"
	"github.com/voxhire/voxhire/pkg/types"
)

// ErrSchemaInvalid is returned when the model keeps producing replies that do
// not conform to the response schema after all retries. The wire-level error
// code is LLM_INVALID.
var ErrSchemaInvalid = errors.New("agentrt: LLM_INVALID: response does not conform to schema")

const (
	defaultTimeout       = 30 * time.Second
	defaultSchemaRetries = 2
	defaultTemperature   = 0.4
)

// PromptSpec describes one agent call.
type PromptSpec struct {
	// Template names the prompt template to render.
	Template Template

	// Mode selects the interviewer persona for the system prompt.
	Mode Mode

	// Context is the data bundle rendered into the template. Keys are
	// template-specific: History, Utterance, Nudge, CodeContext, Facts,
	// TurnSeq, Lies, JobDescription, Claims, Summary.
	Context map[string]any
}

// Runtime dispatches structured LLM calls for one session.
type Runtime struct {
	provider llm.Provider
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	timeout       time.Duration
	schemaRetries int
	temperature   float64

	// mu serializes calls per session.
	mu sync.Mutex
}

// Option configures a [Runtime] during construction.
type Option func(*Runtime)

// WithTimeout bounds a single LLM call. The default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSchemaRetries sets how many times a schema-invalid response is retried
// with a stricter reminder. The default is 2.
func WithSchemaRetries(n int) Option {
	return func(r *Runtime) {
		if n >= 0 {
			r.schemaRetries = n
		}
	}
}

// WithTemperature sets the sampling temperature. The default is 0.4.
func WithTemperature(t float64) Option {
	return func(r *Runtime) { r.temperature = t }
}

// WithBreaker wires a shared circuit breaker around provider calls. Without
// one, a runtime-local breaker with default thresholds is used.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Runtime) {
		if cb != nil {
			r.breaker = cb
		}
	}
}

// WithMetrics sets the metrics instance. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a Runtime on top of provider.
func New(provider llm.Provider, opts ...Option) *Runtime {
	r := &Runtime{
		provider:      provider,
		timeout:       defaultTimeout,
		schemaRetries: defaultSchemaRetries,
		temperature:   defaultTemperature,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm"})
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Ask renders spec, calls the LLM, and returns the validated typed response.
//
// On a schema-invalid reply the call is retried with a stricter reminder up
// to the configured retry count, then fails with [ErrSchemaInvalid]. Provider
// and breaker errors are returned as-is (transient-external); cancellation
// during an in-flight call discards the partial result.
func (r *Runtime) Ask(ctx context.Context, spec PromptSpec) (StructuredResponse, error) {
	if !spec.Template.IsValid() {
		return nil, fmt.Errorf("agentrt: unknown template %q", spec.Template)
	}

	prompt, err := renderPrompt(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	messages := []types.Message{
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for attempt := 0; attempt <= r.schemaRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := r.complete(ctx, spec, messages)
		if err != nil {
			return nil, err
		}

		resp, decodeErr := r.decode(spec.Template, content)
		if decodeErr == nil {
			return resp, nil
		}
		lastErr = decodeErr
		slog.Warn("schema-invalid agent response",
			"template", spec.Template, "attempt", attempt+1, "error", decodeErr)

		// Feed the bad reply back with a stricter reminder.
		messages = append(messages,
			types.Message{Role: "assistant", Content: content},
			types.Message{Role: "user", Content: strictReminder},
		)
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrSchemaInvalid, spec.Template, r.schemaRetries+1, lastErr)
}

// complete performs one provider call through the circuit breaker.
func (r *Runtime) complete(ctx context.Context, spec PromptSpec, messages []types.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var content string
	err := r.breaker.Execute(func() error {
		resp, err := r.provider.Complete(callCtx, llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: SystemPrompt(spec.Mode),
			Temperature:  r.temperature,
		})
		if err != nil {
			return err
		}
		if resp == nil {
			return errors.New("provider returned nil response")
		}
		content = resp.Content
		return nil
	})

	r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, "llm", string(spec.Template), "error")
		return "", fmt.Errorf("agentrt: %s call failed: %w", spec.Template, err)
	}
	r.metrics.RecordProviderRequest(ctx, "llm", string(spec.Template), "ok")
	return content, nil
}

// decode extracts, repairs, and validates the JSON object in content.
func (r *Runtime) decode(tmpl Template, content string) (StructuredResponse, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("agentrt: no JSON object in response")
	}

	// Tolerant pre-pass: models emit trailing commas, single quotes, and
	// unquoted keys often enough to be worth repairing before validation.
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		repaired = raw
	}

	resp, err := decodeResponse(tmpl, []byte(repaired))
	if err != nil {
		return nil, fmt.Errorf("agentrt: decode %s response: %w", tmpl, err)
	}
	return resp, nil
}

// extractJSON returns the first top-level JSON object in s, stripping any
// surrounding prose or markdown fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced: return the tail and let the repair pass try.
	return s[start:]
}
