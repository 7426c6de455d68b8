// Package conversation implements the voice dialog between interviewer and
// candidate: the append-only turn log and the half-duplex loop that fuses
// STT segments, agent responses, and TTS playback into alternating turns.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
	RoleSystem      Role = "system"
	RoleNudge       Role = "nudge"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleInterviewer, RoleCandidate, RoleSystem, RoleNudge:
		return true
	}
	return false
}

// Turn is one committed utterance in the session dialog.
type Turn struct {
	// Seq is the turn's position in the log, strictly monotonic from 1.
	Seq uint64 `json:"seq"`

	Role Role   `json:"role"`
	Text string `json:"text"`

	// AudioRef optionally points at the recorded audio for this turn.
	AudioRef string `json:"audio_ref,omitempty"`

	TStart time.Time `json:"t_start"`
	TEnd   time.Time `json:"t_end"`

	// Confidence is the STT confidence for candidate turns, zero otherwise.
	Confidence float64 `json:"confidence,omitempty"`

	// Truncated marks an interviewer turn cut short by candidate barge-in.
	// Text holds the full intended utterance; TEnd is the truncation point.
	Truncated bool `json:"truncated,omitempty"`
}

// TurnLog is the session's append-only ordered turn record. All methods are
// safe for concurrent use; entries are never mutated or removed.
type TurnLog struct {
	mu    sync.Mutex
	turns []Turn
	seq   uint64
	now   func() time.Time
}

// NewTurnLog creates an empty turn log.
func NewTurnLog() *TurnLog {
	return &TurnLog{now: time.Now}
}

// Append commits a turn and returns it with its assigned sequence number.
// Zero TStart/TEnd values are filled with the current time.
func (l *TurnLog) Append(t Turn) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	t.Seq = l.seq
	if t.TStart.IsZero() {
		t.TStart = l.now()
	}
	if t.TEnd.IsZero() {
		t.TEnd = t.TStart
	}
	l.turns = append(l.turns, t)
	return t
}

// Len returns the number of committed turns.
func (l *TurnLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Turns returns a copy of all committed turns in order.
func (l *TurnLog) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Last returns the most recent turn, or false when the log is empty.
func (l *TurnLog) Last() (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// History renders the most recent turns as prompt context, oldest first, one
// "role: text" line per turn. A limit of zero renders the whole log.
func (l *TurnLog) History(limit int) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	turns := l.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
