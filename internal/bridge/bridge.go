// Package bridge implements the subprocess event bridge: a named local IPC
// endpoint (unix domain socket, or any line-oriented reader such as a FIFO)
// through which a subordinate process posts newline-delimited JSON records
// into the session.
//
// Every inbound record is validated against the record schema. Valid records
// are surfaced on [Server.Records] for the session controller and mirrored
// onto the session [event.Bus]; malformed records are logged, counted, and
// dropped after publishing a single protocol SYSTEM_WARNING.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/observe"
)

// maxRecordBytes bounds a single inbound line.
const maxRecordBytes = 1 << 20

// RecordType identifies an inbound bridge record.
type RecordType string

const (
	RecordAgentOutput    RecordType = "AGENT_OUTPUT"
	RecordAgentError     RecordType = "AGENT_ERROR"
	RecordAgentCompleted RecordType = "AGENT_COMPLETED"
)

// IsValid reports whether t is a recognised record type.
func (t RecordType) IsValid() bool {
	switch t {
	case RecordAgentOutput, RecordAgentError, RecordAgentCompleted:
		return true
	}
	return false
}

// CompletionReason explains why the subordinate process finished.
type CompletionReason string

const (
	ReasonCompleted   CompletionReason = "completed"
	ReasonError       CompletionReason = "error"
	ReasonInterrupted CompletionReason = "interrupted"
	ReasonTimeout     CompletionReason = "timeout"
)

// IsValid reports whether r is a recognised completion reason.
func (r CompletionReason) IsValid() bool {
	switch r {
	case ReasonCompleted, ReasonError, ReasonInterrupted, ReasonTimeout:
		return true
	}
	return false
}

// Record is one inbound bridge record.
type Record struct {
	// Type discriminates the record.
	Type RecordType `json:"type"`

	// SessionID names the session the record belongs to.
	SessionID string `json:"session_id"`

	// Data carries type-specific content.
	Data json.RawMessage `json:"data"`
}

// CompletionData is the Data shape of an AGENT_COMPLETED record.
type CompletionData struct {
	Reason  CompletionReason `json:"reason"`
	Message string           `json:"message,omitempty"`
}

// Completion decodes the record's Data as [CompletionData]. Returns an error
// when the record is not AGENT_COMPLETED or the reason is unrecognised.
func (r Record) Completion() (CompletionData, error) {
	if r.Type != RecordAgentCompleted {
		return CompletionData{}, fmt.Errorf("bridge: record type %s has no completion data", r.Type)
	}
	var c CompletionData
	if err := json.Unmarshal(r.Data, &c); err != nil {
		return CompletionData{}, fmt.Errorf("bridge: decode completion data: %w", err)
	}
	if !c.Reason.IsValid() {
		return CompletionData{}, fmt.Errorf("bridge: unknown completion reason %q", c.Reason)
	}
	return c, nil
}

// protocolWarning is the SYSTEM_WARNING payload published for dropped records.
type protocolWarning struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Server accepts bridge connections for one session and feeds validated
// records to the controller.
//
// All methods are safe for concurrent use.
type Server struct {
	sessionID string
	path      string
	bus       *event.Bus
	metrics   *observe.Metrics

	records chan Record
	done    chan struct{}

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithMetrics sets the metrics instance used for the protocol-error counter.
// The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRecordBuffer sets the capacity of the Records channel. The default is 16.
func WithRecordBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.records = make(chan Record, n)
		}
	}
}

// New creates a bridge server for sessionID with its socket at path.
// The server does not listen until [Server.Start] is called.
func New(sessionID, path string, bus *event.Bus, opts ...Option) *Server {
	s := &Server{
		sessionID: sessionID,
		path:      path,
		bus:       bus,
		records:   make(chan Record, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Records returns the channel of validated inbound records. The channel is
// closed by [Server.Close].
func (s *Server) Records() <-chan Record {
	return s.records
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Start creates the unix domain socket and begins accepting connections.
// A stale socket file from a crashed previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("bridge: create socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bridge: remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("bridge: listen on %q: %w", s.path, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("bridge: server for session %s is closed", s.sessionID)
	}
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.consume(conn)
		}()
	}
}

// AttachReader consumes newline-delimited records from r until EOF or ctx
// cancellation. It serves FIFO-style endpoints and tests, where no socket
// accept loop is involved.
func (s *Server) AttachReader(ctx context.Context, r io.Reader) error {
	s.wg.Add(1)
	defer s.wg.Done()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-finished:
			return
		}
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}()
	s.consume(r)
	return ctx.Err()
}

// consume reads and processes lines until the reader is exhausted.
func (s *Server) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("bridge read error", "session_id", s.sessionID, "error", err)
	}
}

// handleLine validates one record. Valid records go to the Records channel
// and are mirrored onto the bus; anything else produces exactly one protocol
// SYSTEM_WARNING and is dropped.
func (s *Server) handleLine(line []byte) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		s.dropRecord("malformed json", err)
		return
	}
	if !rec.Type.IsValid() {
		s.dropRecord(fmt.Sprintf("unknown record type %q", rec.Type), nil)
		return
	}
	if rec.SessionID != s.sessionID {
		s.dropRecord(fmt.Sprintf("session mismatch %q", rec.SessionID), nil)
		return
	}
	if rec.Type == RecordAgentCompleted {
		if _, err := rec.Completion(); err != nil {
			s.dropRecord("invalid completion data", err)
			return
		}
	}

	select {
	case s.records <- rec:
		s.mirror(rec)
	case <-s.done:
	}
}

// mirror publishes the bus reflection of a validated record. AGENT_COMPLETED
// has no mirror; the controller reacts to it via the Records channel and owns
// the terminal events.
func (s *Server) mirror(rec Record) {
	var (
		kind    event.Kind
		payload any
	)
	switch rec.Type {
	case RecordAgentOutput:
		kind, payload = event.KindTurnInterviewer, rec.Data
	case RecordAgentError:
		kind, payload = event.KindSystemError, rec.Data
	default:
		return
	}
	if _, err := s.bus.Publish(event.ProducerBridge, kind, payload); err != nil {
		slog.Warn("bridge publish failed", "session_id", s.sessionID, "kind", kind, "error", err)
	}
}

// dropRecord logs a malformed record and publishes the protocol warning.
func (s *Server) dropRecord(reason string, err error) {
	slog.Warn("dropping malformed bridge record",
		"session_id", s.sessionID, "reason", reason, "error", err)
	s.metrics.RecordProviderError(context.Background(), "bridge", "protocol")
	if _, pubErr := s.bus.Publish(event.ProducerBridge, event.KindSystemWarning, protocolWarning{
		Kind:   "protocol",
		Reason: reason,
	}); pubErr != nil && !errors.Is(pubErr, event.ErrBusClosed) {
		slog.Warn("bridge warning publish failed", "session_id", s.sessionID, "error", pubErr)
	}
}

// Close stops the listener, waits for in-flight connections, closes the
// Records channel, and removes the socket file. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	close(s.done)
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	close(s.records)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bridge: remove socket: %w", err)
	}
	return nil
}
