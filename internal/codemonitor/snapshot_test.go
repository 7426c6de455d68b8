package codemonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTestState(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "unknown"},
		{"running", "Running tests...", "running"},
		{"in progress", "Execution in progress", "running"},
		{"passed counts", "3/3 tests passed", "passed_3_of_3"},
		{"failed counts", "Failed: 1 of 4 tests", "failed_1_of_4"},
		{"passed word only", "All tests passed", "passed"},
		{"failed word only", "Compilation failed", "failed"},
		{"counts no verdict full", "4 out of 4", "passed_4_of_4"},
		{"counts no verdict partial", "2 out of 4", "failed_2_of_4"},
		{"noise", "Console output: hello", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTestState(tt.in).String())
		})
	}
}

func TestTestState_AllPassed(t *testing.T) {
	assert.True(t, ParseTestState("5/5 passed").AllPassed())
	assert.False(t, ParseTestState("4/5 passed").AllPassed())
	assert.False(t, ParseTestState("all tests passed").AllPassed(), "needs counts to be authoritative")
}

func TestSnapshot_Equal(t *testing.T) {
	base := Snapshot{QuestionID: "q1", EditorText: "func main() {\n}\n"}

	t.Run("crlf and trailing whitespace fold", func(t *testing.T) {
		other := Snapshot{QuestionID: "q1", EditorText: "func main() {  \r\n}\r\n\r\n"}
		assert.True(t, base.Equal(other))
	})

	t.Run("question change breaks equality", func(t *testing.T) {
		other := base
		other.QuestionID = "q2"
		assert.False(t, base.Equal(other))
	})

	t.Run("typed characters break equality", func(t *testing.T) {
		other := base
		other.EditorText = "func main() {\n\tprintln(1)\n}\n"
		assert.False(t, base.Equal(other))
	})

	t.Run("test state does not affect equality", func(t *testing.T) {
		other := base
		other.TestState = TestState{Phase: TestFailed, Passed: 1, Total: 2}
		assert.True(t, base.Equal(other))
	})
}

func TestRing_Overwrite(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.push(Snapshot{QuestionID: string(rune('a' + i))})
	}
	assert.Equal(t, 3, r.len())
	last, ok := r.last()
	assert.True(t, ok)
	assert.Equal(t, "e", last.QuestionID)
}

func TestEditorURL(t *testing.T) {
	got := EditorURL("https://ide.example.com/{session_id}/q/{question_id}", "s-1", "two-sum")
	assert.Equal(t, "https://ide.example.com/s-1/q/two-sum", got)
}
