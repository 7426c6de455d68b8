// Package codemonitor observes the candidate's remote code editor through a
// browser surface: it polls configurable DOM selectors into snapshots, detects
// edits, inactivity, submit attempts, and test-result transitions, and
// publishes the derived events onto the session bus.
package codemonitor

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TestPhase is the coarse state of the editor's test panel.
type TestPhase string

const (
	TestUnknown TestPhase = "unknown"
	TestRunning TestPhase = "running"
	TestPassed  TestPhase = "passed"
	TestFailed  TestPhase = "failed"
)

// TestState is the parsed content of the test-result region.
type TestState struct {
	Phase  TestPhase `json:"phase"`
	Passed int       `json:"passed,omitempty"`
	Total  int       `json:"total,omitempty"`
}

// String renders the state in the event-log vocabulary: "unknown", "running",
// "passed_3_of_5", "failed_1_of_4".
func (s TestState) String() string {
	if s.Total > 0 {
		return fmt.Sprintf("%s_%d_of_%d", s.Phase, s.Passed, s.Total)
	}
	return string(s.Phase)
}

// AllPassed reports whether every test passed.
func (s TestState) AllPassed() bool {
	return s.Phase == TestPassed && s.Total > 0 && s.Passed == s.Total
}

var testCounts = regexp.MustCompile(`(\d+)\s*(?:/|of|out of)\s*(\d+)`)

// ParseTestState interprets the free text of the test-result panel. Editor UIs
// phrase results differently ("3/5 passed", "Failed 2 of 7 tests", "Running
// tests..."), so the parser keys on counts and pass/fail words rather than an
// exact format.
func ParseTestState(text string) TestState {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return TestState{Phase: TestUnknown}
	}
	if strings.Contains(t, "running") || strings.Contains(t, "in progress") {
		return TestState{Phase: TestRunning}
	}

	state := TestState{Phase: TestUnknown}
	if m := testCounts.FindStringSubmatch(t); m != nil {
		fmt.Sscanf(m[1], "%d", &state.Passed)
		fmt.Sscanf(m[2], "%d", &state.Total)
	}

	switch {
	case strings.Contains(t, "fail"):
		state.Phase = TestFailed
	case strings.Contains(t, "pass"):
		state.Phase = TestPassed
	case state.Total > 0 && state.Passed == state.Total:
		state.Phase = TestPassed
	case state.Total > 0:
		state.Phase = TestFailed
	}
	return state
}

// Snapshot is one sampled view of the editor surface.
type Snapshot struct {
	T              time.Time `json:"t"`
	EditorText     string    `json:"editor_text"`
	Language       string    `json:"language,omitempty"`
	QuestionID     string    `json:"question_id"`
	TestState      TestState `json:"test_state"`
	SubmitInFlight bool      `json:"submit_in_flight"`
}

// Equal reports snapshot equality: same question and same normalized editor
// text. Test state and submit state do not make two snapshots unequal; they
// have their own transition events.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.QuestionID == o.QuestionID &&
		normalizeEditor(s.EditorText) == normalizeEditor(o.EditorText)
}

// normalizeEditor folds differences editors introduce without the candidate
// typing: CRLF line endings, trailing whitespace per line, trailing blank
// lines.
func normalizeEditor(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// Change is one entry of the diffed edit history.
type Change struct {
	T          time.Time `json:"t"`
	QuestionID string    `json:"question_id"`
	Delta      string    `json:"delta"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
}

// Summary condenses the monitoring history for the outcome document.
type Summary struct {
	SampleCount      int      `json:"sample_count"`
	ChangeCount      int      `json:"change_count"`
	FinalQuestionID  string   `json:"final_question_id,omitempty"`
	FinalEditorChars int      `json:"final_editor_chars"`
	FinalTestState   string   `json:"final_test_state"`
	TestStateHistory []string `json:"test_state_history"`
}

// ring is a bounded snapshot buffer; the oldest entry is overwritten.
type ring struct {
	buf  []Snapshot
	next int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Snapshot, capacity)}
}

func (r *ring) push(s Snapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) len() int { return r.n }

// last returns the most recently pushed snapshot.
func (r *ring) last() (Snapshot, bool) {
	if r.n == 0 {
		return Snapshot{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}
