package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voxhire/voxhire/pkg/audio"
)

const (
	outputChannelBuffer = 64
	inputChannelBuffer  = 64
)

// OutputWriter wraps a write-only audio channel with lifecycle awareness.
// It safely drops frames written after the connection has been disconnected,
// preventing panics from sends on closed channels.
type OutputWriter struct {
	ch           chan<- audio.AudioFrame
	disconnected atomic.Bool
}

// Send writes a frame to the output. Returns false if the connection
// is disconnected (frame was dropped).
func (w *OutputWriter) Send(frame audio.AudioFrame) bool {
	if w.disconnected.Load() {
		return false
	}
	select {
	case w.ch <- frame:
		return true
	default:
		// Channel full — drop frame rather than block.
		return false
	}
}

// Close marks the writer as closed. Subsequent Send calls are no-ops.
// The underlying channel is NOT closed (it is owned by the platform).
func (w *OutputWriter) Close() {
	w.disconnected.Store(true)
}

// candidatePeer holds the runtime state for the connected candidate peer.
type candidatePeer struct {
	peerID    string
	transport PeerTransport
	done      chan struct{} // closed by Leave/Disconnect to signal goroutines
}

// Connection manages the WebRTC peer connection for a single interview
// session. It implements [audio.Connection].
//
// At most one candidate peer may be joined at a time; a second join attempt
// is rejected until the first peer leaves. The input channel survives peer
// churn — a candidate dropping and rejoining (browser refresh, network blip)
// resumes feeding the same channel.
//
// Connection is safe for concurrent use.
type Connection struct {
	sessionID   string
	sampleRate  int
	stunServers []string

	mu           sync.RWMutex
	candidate    *candidatePeer
	inputCh      chan audio.AudioFrame
	outputCh     chan audio.AudioFrame
	outputWriter *OutputWriter
	onChange     func(audio.Event)
	disconnected bool

	ctx          context.Context
	cancel       context.CancelFunc
	newTransport func(peerID string) PeerTransport // injectable; defaults to mockTransport
}

func newConnection(sessionID string, sampleRate int, stunServers []string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	outputCh := make(chan audio.AudioFrame, outputChannelBuffer)
	c := &Connection{
		sessionID:    sessionID,
		sampleRate:   sampleRate,
		stunServers:  stunServers,
		inputCh:      make(chan audio.AudioFrame, inputChannelBuffer),
		outputCh:     outputCh,
		outputWriter: &OutputWriter{ch: outputCh},
		ctx:          ctx,
		cancel:       cancel,
		newTransport: func(_ string) PeerTransport {
			return newMockTransport()
		},
	}
	go c.forwardOutput()
	return c
}

// Input returns the read-only channel delivering the candidate's audio frames.
// The channel is closed when the connection is disconnected. It remains open
// across candidate rejoins.
func (c *Connection) Input() <-chan audio.AudioFrame {
	return c.inputCh
}

// Output returns the write-only channel for interviewer speech.
// Frames written here are forwarded to the connected candidate.
func (c *Connection) Output() chan<- audio.AudioFrame {
	return c.outputCh
}

// OutputWriter returns an OutputWriter that provides safe, lifecycle-aware
// writes to the output stream. Prefer this over Output() for new code.
// After Disconnect, calls to OutputWriter().Send() safely drop frames instead
// of risking a send on a closed or abandoned channel.
func (c *Connection) OutputWriter() *OutputWriter {
	return c.outputWriter
}

// OnPeerChange registers cb as the candidate lifecycle callback.
// Subsequent calls replace the previous registration.
// The callback is invoked on an internal goroutine — callers must not block.
func (c *Connection) OnPeerChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// Disconnect cleanly tears down the candidate peer connection, closes the
// input channel, and stops internal goroutines. It is safe to call more than
// once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil
	}
	c.disconnected = true

	// Mark the output writer as disconnected so late writes are dropped safely.
	c.outputWriter.Close()

	// Cancel the context to stop forwardOutput and the readCandidateInput goroutine.
	c.cancel()

	if c.candidate != nil {
		close(c.candidate.done)
		_ = c.candidate.transport.Close()
		c.candidate = nil
	}
	close(c.inputCh)
	return nil
}

// Join registers the candidate peer for this session. In a full pion
// implementation this would be called by the signaling handler after the
// WebRTC handshake completes. For this alpha it is a public method for testing.
//
// Returns an error if the connection is disconnected or a candidate is
// already joined.
func (c *Connection) Join(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return fmt.Errorf("webrtc: session %q is disconnected", c.sessionID)
	}
	if c.candidate != nil {
		return fmt.Errorf("webrtc: session %q already has a connected candidate %q", c.sessionID, c.candidate.peerID)
	}

	p := &candidatePeer{
		peerID:    peerID,
		transport: c.newTransport(peerID),
		done:      make(chan struct{}),
	}
	c.candidate = p

	go c.readCandidateInput(p)

	if cb := c.onChange; cb != nil {
		go cb(audio.Event{Type: audio.EventJoin, PeerID: peerID})
	}
	return nil
}

// Leave disconnects and removes the candidate peer identified by peerID.
func (c *Connection) Leave(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return fmt.Errorf("webrtc: session %q is disconnected", c.sessionID)
	}
	if c.candidate == nil || c.candidate.peerID != peerID {
		return fmt.Errorf("webrtc: peer %q not found in session %q", peerID, c.sessionID)
	}

	// Signal the readCandidateInput goroutine to stop.
	close(c.candidate.done)
	_ = c.candidate.transport.Close()
	c.candidate = nil

	if cb := c.onChange; cb != nil {
		go cb(audio.Event{Type: audio.EventLeave, PeerID: peerID})
	}
	return nil
}

// readCandidateInput reads audio frames from the candidate's transport and
// forwards them to the session input channel until the candidate leaves or
// the connection is closed. The input channel itself stays open so a
// rejoining candidate resumes the same stream.
func (c *Connection) readCandidateInput(p *candidatePeer) {
	audioIn := p.transport.AudioInput()
	for {
		select {
		case <-p.done:
			return
		case <-c.ctx.Done():
			return
		case frame, ok := <-audioIn:
			if !ok {
				return
			}
			select {
			case c.inputCh <- frame:
			case <-p.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// forwardOutput reads interviewer audio frames from the output channel and
// sends them to the connected candidate via its transport. Frames arriving
// while no candidate is joined are dropped.
func (c *Connection) forwardOutput() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.outputCh:
			if !ok {
				return
			}
			c.mu.RLock()
			p := c.candidate
			c.mu.RUnlock()

			if p != nil {
				_ = p.transport.SendAudio(frame)
			}
		}
	}
}
