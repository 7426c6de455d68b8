package audio

import (
	"sync/atomic"
	"time"
)

// InterruptReason identifies why the current audio segment was cut short.
// It is passed to [Player.Interrupt] so that the player can apply
// reason-specific behaviour (e.g., preserving vs. clearing the queue).
type InterruptReason int

const (
	// ControlOverride indicates that the session controller forcibly stopped
	// playback, typically during shutdown or to inject a priority utterance.
	ControlOverride InterruptReason = iota

	// CandidateBargeIn indicates that the candidate started speaking while the
	// interviewer was still talking. The player must yield the floor
	// immediately and discard everything queued.
	CandidateBargeIn
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case ControlOverride:
		return "CONTROL_OVERRIDE"
	case CandidateBargeIn:
		return "CANDIDATE_BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// Segment is the unit of interviewer speech submitted to a [Player].
// Audio is streamed — chunks arrive incrementally on the Audio channel —
// so playback can begin before synthesis is complete.
type Segment struct {
	// Source labels what produced this segment ("interviewer", "filler",
	// "system"). Used for logging and truncation records.
	Source string

	// Audio is a read-only channel of raw PCM chunks. The channel is closed by
	// the producer when the segment ends or when a mid-stream error occurs.
	// After the channel closes, call [Segment.Err] to check whether synthesis
	// completed cleanly.
	Audio <-chan []byte

	// SampleRate is the sample rate in Hz of the PCM data on the Audio channel.
	// Must be > 0.
	SampleRate int

	// Channels is the number of audio channels (1 = mono, 2 = stereo).
	// Must be > 0.
	Channels int

	// Priority controls scheduling when multiple segments are queued.
	// Higher values preempt lower ones. Equal-priority segments are played
	// in FIFO order.
	Priority int

	// streamErr stores the error that caused the Audio channel to close early.
	// Access via Err and SetStreamErr.
	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully. Callers should check Err after
// the Audio channel is closed.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel so that the [Player] can distinguish a
// clean completion from a failure.
func (s *Segment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Player manages the interviewer audio output queue. It sits between the
// conversation loop and the [Connection.Output] stream, ensuring that only one
// segment plays at a time, that a real utterance can preempt a filler phrase,
// and that candidate barge-in cuts playback immediately.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Enqueue schedules segment for playback. The priority parameter overrides
	// the priority embedded in segment.Priority, allowing call-site context to
	// elevate or demote a segment without mutating the struct.
	//
	// If a higher-priority segment is already playing, the new segment is
	// buffered; if the new segment has higher priority than the current one,
	// the current segment is interrupted with [ControlOverride] semantics.
	Enqueue(segment *Segment, priority int)

	// Interrupt immediately stops the currently playing segment for the given
	// reason. For [CandidateBargeIn] the queue is also cleared; for
	// [ControlOverride] queued segments are preserved. If nothing is playing,
	// Interrupt is a no-op.
	Interrupt(reason InterruptReason)

	// OnBargeIn registers handler as the callback to invoke when the transport
	// or conversation loop detects candidate speech during playback. Only one
	// handler may be registered at a time; subsequent calls replace the
	// previous registration. The handler is invoked on an internal goroutine
	// and must not block.
	OnBargeIn(handler func())

	// SetGap configures the minimum silence duration inserted between
	// consecutive segments. A gap of zero means segments are played
	// back-to-back. Changes take effect before the next segment starts.
	SetGap(d time.Duration)
}
