package codemonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/event"
)

// fakeSurface replays a queue of reads; the last entry repeats forever.
type fakeSurface struct {
	mu          sync.Mutex
	reads       []readResult
	idx         int
	navigations []string
	navErr      error
	closed      bool
}

type readResult struct {
	state PageState
	err   error
}

func (f *fakeSurface) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations = append(f.navigations, url)
	return f.navErr
}

func (f *fakeSurface) Read(context.Context) (PageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return PageState{}, ErrSelectorMiss
	}
	r := f.reads[f.idx]
	if f.idx < len(f.reads)-1 {
		f.idx++
	}
	return r.state, r.err
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSurface) push(r readResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, r)
	f.idx = len(f.reads) - 1
}

func editorState(text string) PageState {
	return PageState{EditorText: text, Language: "go", QuestionID: "q1"}
}

type monitorHarness struct {
	monitor *Monitor
	surface *fakeSurface
	bus     *event.Bus
	events  <-chan event.Event
	clock   time.Time
}

func newMonitorHarness(t *testing.T, cfg Config, reads ...readResult) *monitorHarness {
	t.Helper()
	h := &monitorHarness{
		surface: &fakeSurface{reads: reads},
		bus:     event.NewBus(),
		clock:   time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	h.events = h.bus.Events()
	h.monitor = New(h.surface, h.bus, cfg)
	h.monitor.now = func() time.Time { return h.clock }
	t.Cleanup(h.bus.Close)
	return h
}

// drain collects the kinds of every event published so far.
func (h *monitorHarness) drain(t *testing.T) []event.Kind {
	t.Helper()
	var kinds []event.Kind
	for {
		select {
		case ev := <-h.events:
			kinds = append(kinds, ev.Kind)
		case <-time.After(100 * time.Millisecond):
			return kinds
		}
	}
}

func (h *monitorHarness) waitEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func TestMonitor_StartCapturesBaselineWithoutEvents(t *testing.T) {
	h := newMonitorHarness(t, Config{}, readResult{state: editorState("func main() {}")})

	require.NoError(t, h.monitor.Start(context.Background(), "https://ide/x"))

	assert.Equal(t, []string{"https://ide/x"}, h.surface.navigations)
	snap, ok := h.monitor.CurrentSnapshot()
	require.True(t, ok)
	assert.Equal(t, "q1", snap.QuestionID)
	assert.Empty(t, h.drain(t), "the baseline snapshot publishes nothing")
}

func TestMonitor_CodeChangedCarriesDiff(t *testing.T) {
	h := newMonitorHarness(t, Config{},
		readResult{state: editorState("func main() {}")},
		readResult{state: editorState("func main() { println(1) }")},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))
	require.NoError(t, h.monitor.poll(ctx))

	ev := h.waitEvent(t, event.KindCodeChanged)
	var p ChangePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "q1", p.QuestionID)
	assert.NotEmpty(t, p.Delta)
	assert.Greater(t, p.Added, 0)
	assert.Equal(t, 0, p.Removed)
}

func TestMonitor_InactivityFiresOnceUntilNextChange(t *testing.T) {
	h := newMonitorHarness(t, Config{InactivityThreshold: 25 * time.Second},
		readResult{state: editorState("a")},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))

	// 30s of stasis: one INACTIVITY, then silence.
	for i := 0; i < 4; i++ {
		h.clock = h.clock.Add(10 * time.Second)
		require.NoError(t, h.monitor.poll(ctx))
	}
	kinds := h.drain(t)
	assert.Equal(t, []event.Kind{event.KindInactivity}, kinds)

	// An edit re-arms the detector.
	h.surface.push(readResult{state: editorState("ab")})
	h.clock = h.clock.Add(time.Second)
	require.NoError(t, h.monitor.poll(ctx))

	h.surface.push(readResult{state: editorState("ab")})
	h.clock = h.clock.Add(30 * time.Second)
	require.NoError(t, h.monitor.poll(ctx))

	kinds = h.drain(t)
	assert.Equal(t, []event.Kind{event.KindCodeChanged, event.KindInactivity}, kinds)
}

func TestMonitor_SubmitEdgeDetection(t *testing.T) {
	idle := editorState("x")
	submitting := editorState("x")
	submitting.SubmitInFlight = true

	h := newMonitorHarness(t, Config{},
		readResult{state: idle},
		readResult{state: submitting},
		readResult{state: submitting},
		readResult{state: idle},
		readResult{state: submitting},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))
	for i := 0; i < 4; i++ {
		require.NoError(t, h.monitor.poll(ctx))
	}

	submits := 0
	for _, kind := range h.drain(t) {
		if kind == event.KindSubmitDetected {
			submits++
		}
	}
	assert.Equal(t, 2, submits, "only false to true transitions fire")
}

func TestMonitor_TestResultTransitions(t *testing.T) {
	mk := func(result string) readResult {
		s := editorState("x")
		s.TestResultText = result
		return readResult{state: s}
	}
	h := newMonitorHarness(t, Config{},
		mk(""),
		mk("Running tests..."),
		mk("Running tests..."),
		mk("1/4 passed, 3 failed"),
		mk("4/4 tests passed"),
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))
	for i := 0; i < 4; i++ {
		require.NoError(t, h.monitor.poll(ctx))
	}

	var states []string
	for {
		select {
		case ev := <-h.events:
			if ev.Kind != event.KindTestResult {
				continue
			}
			var p TestResultPayload
			require.NoError(t, ev.Decode(&p))
			states = append(states, p.State)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, []string{"running", "failed_1_of_4", "passed_4_of_4"}, states)

	summary := h.monitor.Summary()
	assert.Equal(t, "passed_4_of_4", summary.FinalTestState)
	assert.Equal(t, []string{"unknown", "running", "failed_1_of_4", "passed_4_of_4"}, summary.TestStateHistory)
}

func TestMonitor_StaleWarningAfterThreeMisses(t *testing.T) {
	h := newMonitorHarness(t, Config{},
		readResult{state: editorState("x")},
		readResult{err: ErrSelectorMiss},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))

	for i := 0; i < 5; i++ {
		require.NoError(t, h.monitor.poll(ctx))
	}

	warnings := 0
	for _, kind := range h.drain(t) {
		if kind == event.KindSystemWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "stale is raised once per miss run")
}

func TestMonitor_MissCountResetsOnSuccessfulRead(t *testing.T) {
	h := newMonitorHarness(t, Config{},
		readResult{state: editorState("x")},
		readResult{err: ErrSelectorMiss},
		readResult{err: ErrSelectorMiss},
		readResult{state: editorState("x")},
		readResult{err: ErrSelectorMiss},
		readResult{err: ErrSelectorMiss},
		readResult{state: editorState("x")},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))
	for i := 0; i < 6; i++ {
		require.NoError(t, h.monitor.poll(ctx))
	}

	for _, kind := range h.drain(t) {
		assert.NotEqual(t, event.KindSystemWarning, kind,
			"two misses between good reads must not raise stale")
	}
}

func TestMonitor_MissKeepsInactivityClockRunning(t *testing.T) {
	h := newMonitorHarness(t, Config{InactivityThreshold: 25 * time.Second},
		readResult{state: editorState("x")},
		readResult{err: ErrSelectorMiss},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))

	h.clock = h.clock.Add(30 * time.Second)
	require.NoError(t, h.monitor.poll(ctx))

	kinds := h.drain(t)
	assert.Contains(t, kinds, event.KindInactivity)
}

func TestMonitor_ReconnectsOnceOnNavigationLoss(t *testing.T) {
	h := newMonitorHarness(t, Config{},
		readResult{state: editorState("x")},
		readResult{err: ErrNavigationLost},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))

	require.NoError(t, h.monitor.poll(ctx), "first loss triggers a reconnect")
	assert.Equal(t, []string{"https://ide/x", "https://ide/x"}, h.surface.navigations)

	err := h.monitor.poll(ctx)
	require.Error(t, err, "second loss fails the monitor")
	assert.ErrorIs(t, err, ErrNavigationLost)
}

func TestMonitor_SummaryCounts(t *testing.T) {
	h := newMonitorHarness(t, Config{},
		readResult{state: editorState("a")},
		readResult{state: editorState("ab")},
		readResult{state: editorState("ab")},
		readResult{state: editorState("abc")},
	)
	ctx := context.Background()
	require.NoError(t, h.monitor.Start(ctx, "https://ide/x"))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.monitor.poll(ctx))
	}

	summary := h.monitor.Summary()
	assert.Equal(t, 4, summary.SampleCount)
	assert.Equal(t, 2, summary.ChangeCount)
	assert.Equal(t, "q1", summary.FinalQuestionID)
	assert.Equal(t, 3, summary.FinalEditorChars)
}

func TestMonitor_ContextSummary(t *testing.T) {
	state := editorState("func twoSum(nums []int, target int) []int { return nil }")
	state.TestResultText = "1/4 passed, rest failed"
	h := newMonitorHarness(t, Config{}, readResult{state: state})

	require.NoError(t, h.monitor.Start(context.Background(), "https://ide/x"))

	got := h.monitor.ContextSummary()
	assert.Contains(t, got, "question q1 (go)")
	assert.Contains(t, got, "failed_1_of_4")
	assert.Contains(t, got, "func twoSum")
}

func TestMonitor_StopClosesSurface(t *testing.T) {
	h := newMonitorHarness(t, Config{}, readResult{state: editorState("x")})
	require.NoError(t, h.monitor.Stop())
	assert.True(t, h.surface.closed)
}
