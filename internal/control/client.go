package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Client talks to a running orchestrator's control socket.
type Client struct {
	path string
}

// NewClient creates a client for the control socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Status fetches the status summary of the addressed session.
func (c *Client) Status(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.roundTrip(ctx, Request{Op: OpStatus, SessionID: sessionID})
}

// Stop requests an orderly shutdown and returns the outcome document.
func (c *Client) Stop(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.roundTrip(ctx, Request{Op: OpStop, SessionID: sessionID})
}

// roundTrip performs one request/response exchange.
func (c *Client) roundTrip(ctx context.Context, req Request) (json.RawMessage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %q: %w", c.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("control: read response: %w", err)
	}
	if !resp.OK {
		if resp.Error == ErrNoSession.Error() {
			return nil, ErrNoSession
		}
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}
