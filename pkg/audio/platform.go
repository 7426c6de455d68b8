// Package audio defines the interfaces and types for audio transport and
// playback within voxhire.
//
// The primary abstractions are:
//
//   - [Platform] — connects to a candidate's audio channel and returns a [Connection].
//   - [Connection] — an active two-way audio session with the candidate: one
//     input stream of captured frames and one output stream for interviewer speech.
//   - [Player] — the playback queue that arbitrates interviewer speech segments
//     (see sink.go and the playback subpackage).
//
// Implementations of [Platform] are provided by transport-specific adapter
// packages (a WebRTC gateway, a local device loop, a test double). The
// interfaces are intentionally narrow to keep the conversation loop decoupled
// from transport details.
package audio

import (
	"context"
)

// EventType classifies peer lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when the candidate's audio becomes available.
	EventJoin EventType = iota

	// EventLeave is emitted when the candidate's audio drops (network loss,
	// tab closed, device revoked).
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a peer lifecycle change on the audio channel.
// Callbacks registered via [Connection.OnPeerChange] receive values of this type.
type Event struct {
	// Type indicates whether the candidate's audio appeared or dropped.
	Type EventType

	// PeerID is the transport-specific identifier of the candidate peer.
	PeerID string
}

// Connection represents an active audio session with one candidate.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called or the context used to create it
// is cancelled. The input channel is closed automatically when the
// connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Input returns the read-only channel delivering captured [AudioFrame]
	// values from the candidate's microphone. The channel is closed when the
	// connection terminates.
	Input() <-chan AudioFrame

	// Output returns the single write-only channel for interviewer speech.
	// The channel is buffered; writes must not block indefinitely.
	//
	// Ownership: the returned channel is owned by the caller (writer). The
	// transport does NOT close this channel on Disconnect — the caller is
	// responsible for stopping writes. Writing after Disconnect results in
	// dropped frames (not a panic).
	Output() chan<- AudioFrame

	// OnPeerChange registers cb as the callback to invoke whenever the
	// candidate's audio appears or drops. Only one callback may be registered
	// at a time; subsequent calls replace the previous registration.
	// The callback is invoked on an internal goroutine — callers must not block.
	OnPeerChange(cb func(Event))

	// Disconnect cleanly tears down the connection, drains pending frames, and
	// closes the input channel. It is safe to call Disconnect more than once;
	// subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for an audio transport provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect opens the audio channel for the given session and returns an
	// active [Connection]. The supplied ctx governs the lifetime of the
	// connection attempt only; once connected, the Connection remains alive
	// until [Connection.Disconnect] is called explicitly.
	//
	// Returns an error if the connection cannot be established (auth failure,
	// unknown session, network error, etc.).
	Connect(ctx context.Context, sessionID string) (Connection, error)
}
