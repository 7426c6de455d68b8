// Package session owns the interview lifecycle: it builds the per-session
// pipeline (knowledge base, conversation loop, code monitor, lie detector,
// agent bridge), consumes the event bus, and consolidates the outcome
// document when the session ends.
package session

import (
	"errors"
	"time"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/event"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateCollecting   State = "collecting"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateCompleting   State = "completing"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is in flight.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrInvalidInput is returned by Start for unusable parameters.
	ErrInvalidInput = errors.New("session: invalid input")
)

// Completion causes, recorded in the SESSION_ENDED payload and the outcome.
const (
	CauseDeadline       = "deadline"
	CauseSubmission     = "submission"
	CauseStop           = "stop"
	CauseAgentCompleted = "agent_completed"
	CauseFailure        = "failure"
)

// Params selects what to interview and for how long.
type Params struct {
	// CandidateID names the artifact directory under DATA_ROOT/candidates.
	CandidateID string

	// Mode selects the interviewer persona. Empty means friendly.
	Mode agentrt.Mode

	// QuestionID selects the coding question the editor opens on. It fills
	// the {question_id} placeholder in the editor URL template; templates
	// without that placeholder ignore it.
	QuestionID string

	// Duration overrides the configured maximum interview length when
	// positive.
	Duration time.Duration
}

func (p Params) validate() error {
	if p.CandidateID == "" {
		return errors.New("candidate id is required")
	}
	if p.Mode != "" && !p.Mode.IsValid() {
		return errors.New("unknown interview mode " + string(p.Mode))
	}
	if p.Duration < 0 {
		return errors.New("duration must be positive")
	}
	return nil
}

// StartedPayload is the SESSION_STARTED event payload.
type StartedPayload struct {
	SessionID string      `json:"session_id"`
	Candidate string      `json:"candidate"`
	Mode      agentrt.Mode `json:"mode"`
	Deadline  time.Time   `json:"deadline"`
}

// EndedPayload is the SESSION_ENDED event payload.
type EndedPayload struct {
	Status string `json:"status"`
	Cause  string `json:"cause"`
	Error  string `json:"error,omitempty"`
	Turns  int    `json:"turns"`
	Lies   int    `json:"lies"`
}

// StatusData is the control-socket status response.
type StatusData struct {
	SessionID string     `json:"session_id"`
	Status    State      `json:"status"`
	Elapsed   string     `json:"elapsed"`
	Remaining string     `json:"remaining"`
	LastEvent event.Kind `json:"last_event,omitempty"`
}
