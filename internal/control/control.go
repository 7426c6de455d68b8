// Package control implements the local control endpoint of a running
// orchestrator. The `status` and `stop` CLI subcommands connect to a unix
// domain socket under the data root and exchange single JSON request/response
// pairs with the session controller.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SocketName is the control socket file name under the data root.
const SocketName = "control.sock"

// ErrNoSession is returned when no session matches the request.
var ErrNoSession = errors.New("control: no such session")

// Op is a control operation name.
type Op string

const (
	OpStatus Op = "status"
	OpStop   Op = "stop"
)

// Request is one control request. An empty SessionID addresses the
// orchestrator's current session.
type Request struct {
	Op        Op     `json:"op"`
	SessionID string `json:"session_id,omitempty"`
}

// Response is the reply to a [Request]. Data carries the operation result
// (a status summary or an outcome document) when OK is true.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler executes control operations against the running session.
// Implemented by the session controller.
type Handler interface {
	// Status returns a JSON-serialisable status summary for the session.
	Status(ctx context.Context, sessionID string) (any, error)

	// Stop requests an orderly shutdown and returns the outcome document.
	// Stop is idempotent; repeated calls return the same outcome.
	Stop(ctx context.Context, sessionID string) (any, error)
}

// SocketPath returns the control socket path under dataRoot.
func SocketPath(dataRoot string) string {
	return filepath.Join(dataRoot, SocketName)
}

// Server serves control requests over a unix domain socket.
type Server struct {
	path    string
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a control server at path. The server does not listen
// until [Server.Start] is called.
func NewServer(path string, h Handler) *Server {
	return &Server{path: path, handler: h}
}

// Start creates the socket and begins serving requests. A stale socket file
// from a crashed previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("control: create socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("control: listen on %q: %w", s.path, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("control: server is closed")
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
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles a single request/response exchange.
func (s *Server) serveConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		writeResponse(conn, Response{Error: "malformed request: " + err.Error()})
		return
	}

	ctx := context.Background()
	var (
		result any
		err    error
	)
	switch req.Op {
	case OpStatus:
		result, err = s.handler.Status(ctx, req.SessionID)
	case OpStop:
		result, err = s.handler.Stop(ctx, req.SessionID)
	default:
		err = fmt.Errorf("control: unknown op %q", req.Op)
	}
	if err != nil {
		writeResponse(conn, Response{Error: err.Error()})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		writeResponse(conn, Response{Error: "encode result: " + err.Error()})
		return
	}
	writeResponse(conn, Response{OK: true, Data: data})
}

func writeResponse(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Warn("control response write failed", "error", err)
	}
}

// Close stops the listener, waits for in-flight requests, and removes the
// socket file. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: remove socket: %w", err)
	}
	return nil
}
