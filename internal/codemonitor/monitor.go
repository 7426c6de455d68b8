package codemonitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/observe"
)

const (
	defaultPollingInterval     = 5 * time.Second
	defaultInactivityThreshold = 120 * time.Second
	defaultStaleAfter          = 3
	defaultRingDepth           = 256
	contextExcerptLimit        = 1200
)

// Config tunes the poll loop.
type Config struct {
	// PollingInterval is the snapshot cadence. Default 5s.
	PollingInterval time.Duration

	// InactivityThreshold is how long the editor may stay unchanged before an
	// INACTIVITY event fires. Default 120s.
	InactivityThreshold time.Duration

	// StaleAfter is how many consecutive selector misses raise the stale
	// warning. Default 3.
	StaleAfter int

	// RingDepth bounds the retained snapshot history. Default 256.
	RingDepth int
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = defaultPollingInterval
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = defaultInactivityThreshold
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.RingDepth <= 0 {
		c.RingDepth = defaultRingDepth
	}
	return c
}

// ChangePayload is the event payload for CODE_CHANGED.
type ChangePayload struct {
	T          time.Time `json:"t"`
	QuestionID string    `json:"question_id"`
	Delta      string    `json:"delta"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
}

// InactivityPayload is the event payload for INACTIVITY.
type InactivityPayload struct {
	Since     time.Time `json:"since"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// SubmitPayload is the event payload for SUBMIT_DETECTED.
type SubmitPayload struct {
	T          time.Time `json:"t"`
	QuestionID string    `json:"question_id"`
}

// TestResultPayload is the event payload for TEST_RESULT.
type TestResultPayload struct {
	State      string `json:"state"`
	Passed     int    `json:"passed,omitempty"`
	Total      int    `json:"total,omitempty"`
	QuestionID string `json:"question_id"`
}

// Monitor polls a Surface and derives editor events. Create with New, attach
// with Start, then drive with Run.
type Monitor struct {
	cfg     Config
	surface Surface
	bus     *event.Bus
	metrics *observe.Metrics
	dmp     *diffmatchpatch.DiffMatchPatch
	now     func() time.Time

	mu           sync.Mutex
	url          string
	latest       *Snapshot
	snapshots    *ring
	changes      []Change
	testHistory  []string
	sampleCount  int
	lastChangeAt time.Time
	armed        bool
	prevSubmit   bool
	misses       int
	staleRaised  bool
	reconnected  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics sets the metrics instance. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mon *Monitor) {
		if m != nil {
			mon.metrics = m
		}
	}
}

// New creates a monitor over surface publishing to bus.
func New(surface Surface, bus *event.Bus, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		surface: surface,
		bus:     bus,
		dmp:     diffmatchpatch.New(),
		now:     time.Now,
	}
	m.snapshots = newRing(m.cfg.RingDepth)
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start navigates to the editor page and captures the baseline snapshot.
func (m *Monitor) Start(ctx context.Context, url string) error {
	m.mu.Lock()
	m.url = url
	m.mu.Unlock()

	if err := m.surface.Navigate(ctx, url); err != nil {
		return fmt.Errorf("codemonitor: attach editor: %w", err)
	}
	return m.poll(ctx)
}

// Run polls the surface until ctx is cancelled or the editor page is lost
// beyond the single allowed reconnect.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// poll captures one snapshot and publishes any derived events.
func (m *Monitor) poll(ctx context.Context) error {
	state, err := m.surface.Read(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNavigationLost):
		return m.recoverNavigation(ctx, err)
	case errors.Is(err, ErrSelectorMiss):
		m.recordMiss(ctx, err)
		return nil
	default:
		return fmt.Errorf("codemonitor: read editor: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses = 0
	m.staleRaised = false

	now := m.now()
	snap := Snapshot{
		T:              now,
		EditorText:     state.EditorText,
		Language:       state.Language,
		QuestionID:     state.QuestionID,
		TestState:      ParseTestState(state.TestResultText),
		SubmitInFlight: state.SubmitInFlight,
	}
	m.sampleCount++
	m.snapshots.push(snap)

	if m.latest == nil {
		m.latest = &snap
		m.lastChangeAt = now
		m.armed = true
		m.prevSubmit = snap.SubmitInFlight
		m.testHistory = append(m.testHistory, snap.TestState.String())
		return nil
	}
	prev := *m.latest
	m.latest = &snap

	if !snap.Equal(prev) {
		change := m.diff(prev, snap)
		m.changes = append(m.changes, change)
		m.lastChangeAt = now
		m.armed = true
		m.publish(ctx, event.KindCodeChanged, ChangePayload{
			T:          change.T,
			QuestionID: change.QuestionID,
			Delta:      change.Delta,
			Added:      change.Added,
			Removed:    change.Removed,
		})
	} else {
		m.checkInactivityLocked(ctx, now)
	}

	if snap.SubmitInFlight && !m.prevSubmit {
		m.publish(ctx, event.KindSubmitDetected, SubmitPayload{
			T:          now,
			QuestionID: snap.QuestionID,
		})
	}
	m.prevSubmit = snap.SubmitInFlight

	if snap.TestState.String() != prev.TestState.String() {
		m.testHistory = append(m.testHistory, snap.TestState.String())
		m.publish(ctx, event.KindTestResult, TestResultPayload{
			State:      snap.TestState.String(),
			Passed:     snap.TestState.Passed,
			Total:      snap.TestState.Total,
			QuestionID: snap.QuestionID,
		})
	}
	return nil
}

// recordMiss treats a selector miss as an unchanged snapshot: the inactivity
// clock keeps running, and after StaleAfter consecutive misses a single stale
// warning is raised.
func (m *Monitor) recordMiss(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
	slog.Warn("editor selector miss", "consecutive", m.misses, "error", err)

	if m.misses >= m.cfg.StaleAfter && !m.staleRaised {
		m.staleRaised = true
		m.publish(ctx, event.KindSystemWarning, map[string]any{
			"kind":   "editor_stale",
			"misses": m.misses,
		})
	}
	if m.latest != nil {
		m.checkInactivityLocked(ctx, m.now())
	}
}

// checkInactivityLocked fires at most one INACTIVITY between code changes.
func (m *Monitor) checkInactivityLocked(ctx context.Context, now time.Time) {
	if !m.armed {
		return
	}
	elapsed := now.Sub(m.lastChangeAt)
	if elapsed < m.cfg.InactivityThreshold {
		return
	}
	m.armed = false
	m.publish(ctx, event.KindInactivity, InactivityPayload{
		Since:     m.lastChangeAt,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// recoverNavigation attempts the single allowed reconnect after the editor
// page is lost. A second loss fails the monitor.
func (m *Monitor) recoverNavigation(ctx context.Context, cause error) error {
	m.mu.Lock()
	already := m.reconnected
	m.reconnected = true
	url := m.url
	m.mu.Unlock()

	if already {
		return fmt.Errorf("codemonitor: editor lost after reconnect: %w", cause)
	}

	slog.Warn("editor page lost, reconnecting", "error", cause)
	m.publish(ctx, event.KindSystemWarning, map[string]any{
		"kind":   "editor_navigation",
		"reason": cause.Error(),
	})

	if err := m.surface.Navigate(ctx, url); err != nil {
		return fmt.Errorf("codemonitor: reconnect editor: %w", err)
	}
	return nil
}

func (m *Monitor) diff(prev, next Snapshot) Change {
	diffs := m.dmp.DiffMain(prev.EditorText, next.EditorText, false)
	diffs = m.dmp.DiffCleanupEfficiency(diffs)

	change := Change{
		T:          next.T,
		QuestionID: next.QuestionID,
		Delta:      m.dmp.DiffToDelta(diffs),
	}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			change.Added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			change.Removed += len(d.Text)
		}
	}
	return change
}

// CurrentSnapshot returns the latest snapshot, if any.
func (m *Monitor) CurrentSnapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Summary condenses the monitoring history for the outcome document.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		SampleCount:      m.sampleCount,
		ChangeCount:      len(m.changes),
		FinalTestState:   TestState{Phase: TestUnknown}.String(),
		TestStateHistory: append([]string(nil), m.testHistory...),
	}
	if m.latest != nil {
		s.FinalQuestionID = m.latest.QuestionID
		s.FinalEditorChars = len(m.latest.EditorText)
		s.FinalTestState = m.latest.TestState.String()
	}
	return s
}

// ContextSummary renders the latest snapshot as the editor-state bundle the
// conversation loop hands to the interviewer prompt.
func (m *Monitor) ContextSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return ""
	}
	snap := *m.latest
	idle := m.now().Sub(m.lastChangeAt).Round(time.Second)

	excerpt := snap.EditorText
	if len(excerpt) > contextExcerptLimit {
		excerpt = excerpt[:contextExcerptLimit] + "\n[truncated]"
	}
	head := fmt.Sprintf("question %s (%s), tests %s, last edit %s ago",
		snap.QuestionID, snap.Language, snap.TestState, idle)
	if excerpt == "" {
		return head
	}
	return head + "\n" + excerpt
}

// Stop releases the browsing surface.
func (m *Monitor) Stop() error {
	return m.surface.Close()
}

func (m *Monitor) publish(ctx context.Context, kind event.Kind, payload any) {
	if _, err := m.bus.Publish(event.ProducerCodeMonitor, kind, payload); err != nil {
		slog.Warn("event publish failed", "kind", kind, "error", err)
		return
	}
	m.metrics.RecordEvent(ctx, string(kind), string(event.ProducerCodeMonitor))
}
