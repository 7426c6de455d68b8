package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhire/voxhire/internal/control"
)

// Controller starts sessions and serves the control-socket operations for
// the one currently in flight. It implements [control.Handler].
type Controller struct {
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewController creates a controller over the given collaborators.
func NewController(deps Deps) *Controller {
	return &Controller{
		deps: deps,
		log:  slog.Default().With("component", "controller"),
	}
}

// Start launches a new session. It fails with ErrAlreadyRunning while a
// previous session has not ended and with ErrInvalidInput for unusable
// parameters. The session runs until ctx is cancelled or a completion cause
// fires.
func (c *Controller) Start(ctx context.Context, p Params) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		select {
		case <-c.current.done:
		default:
			return nil, ErrAlreadyRunning
		}
	}

	s := &Session{
		id:     uuid.NewString(),
		params: p,
		deps:   c.deps,
		cfg:    c.deps.Cfg,
		state:  StateInitializing,
		done:   make(chan struct{}),
	}
	s.log = c.log.With("session_id", s.id, "candidate", p.CandidateID)
	c.current = s

	go s.run(ctx)
	return s, nil
}

// Current returns the most recently started session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// find resolves a control request to a session. An empty id means "the
// current one"; a stale id is indistinguishable from no session at all.
func (c *Controller) find(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, control.ErrNoSession
	}
	if sessionID != "" && sessionID != c.current.id {
		return nil, control.ErrNoSession
	}
	return c.current, nil
}

// Status reports the session's lifecycle phase and timing.
func (c *Controller) Status(_ context.Context, sessionID string) (any, error) {
	s, err := c.find(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := StatusData{
		SessionID: s.id,
		Status:    s.state,
		Elapsed:   time.Duration(0).String(),
		Remaining: time.Duration(0).String(),
		LastEvent: s.lastEvent,
	}
	if !s.startedAt.IsZero() {
		data.Elapsed = time.Since(s.startedAt).Round(time.Second).String()
		if s.state == StateActive {
			remaining := time.Until(s.deadline).Round(time.Second)
			if remaining < 0 {
				remaining = 0
			}
			data.Remaining = remaining.String()
		}
	}
	return data, nil
}

// Stop completes the session and returns the consolidated outcome document.
// Stopping an already-ended session returns the identical bytes again.
func (c *Controller) Stop(ctx context.Context, sessionID string) (any, error) {
	s, err := c.find(sessionID)
	if err != nil {
		return nil, err
	}
	s.Stop()

	data, err := s.Outcome(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
