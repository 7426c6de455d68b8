package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxhire/voxhire/pkg/audio"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	conn := newConnection("session-test", 48000, []string{"stun:stun.l.google.com:19302"})
	t.Cleanup(func() { _ = conn.Disconnect() })
	return conn
}

// waitEvent waits for an event on ch, failing the test if the timeout elapses.
func waitEvent(t *testing.T, ch <-chan audio.Event, d time.Duration) audio.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(d):
		t.Fatalf("timed out waiting for event after %v", d)
		return audio.Event{}
	}
}

// jsonBody encodes v as JSON and returns a *bytes.Buffer suitable for request bodies.
func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewBuffer(b)
}

// ─── Platform tests ───────────────────────────────────────────────────────────

// TestPlatform_Connect verifies that Connect returns a non-nil *Connection
// with the correct sessionID.
func TestPlatform_Connect(t *testing.T) {
	t.Parallel()

	p := New()
	conn, err := p.Connect(context.Background(), "session-alpha")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn == nil {
		t.Fatal("Connect returned nil connection")
	}

	wc, ok := conn.(*Connection)
	if !ok {
		t.Fatalf("Connect returned %T, want *Connection", conn)
	}
	if wc.sessionID != "session-alpha" {
		t.Errorf("sessionID = %q, want %q", wc.sessionID, "session-alpha")
	}
	if wc.sampleRate != 48000 {
		t.Errorf("sampleRate = %d, want 48000", wc.sampleRate)
	}

	if err = conn.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
}

// TestPlatform_MultipleSessions verifies that multiple concurrent Connect
// calls each produce an independent Connection.
func TestPlatform_MultipleSessions(t *testing.T) {
	t.Parallel()

	p := New()
	const n = 10

	type result struct {
		conn audio.Connection
		err  error
	}
	results := make([]result, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", idx)
			conn, err := p.Connect(context.Background(), id)
			results[idx] = result{conn: conn, err: err}
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			t.Errorf("Connect[%d]: %v", i, r.err)
			continue
		}
		if r.conn == nil {
			t.Errorf("Connect[%d]: nil connection", i)
			continue
		}
		if err := r.conn.Disconnect(); err != nil {
			t.Errorf("Disconnect[%d]: %v", i, err)
		}
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

// TestConnection_JoinLeave verifies that the candidate can join and leave, and
// that a second join is rejected while the first peer is connected.
func TestConnection_JoinLeave(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if err := conn.Join("peer-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Second join must fail while peer-1 holds the session.
	if err := conn.Join("peer-2"); err == nil {
		t.Error("Join while occupied: expected error, got nil")
	}

	if err := conn.Leave("peer-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	// Leaving again must fail.
	if err := conn.Leave("peer-1"); err == nil {
		t.Error("Leave non-existent: expected error, got nil")
	}

	// Rejoin after leave must succeed (browser refresh).
	if err := conn.Join("peer-1"); err != nil {
		t.Errorf("rejoin after Leave: %v", err)
	}
}

// TestConnection_Input verifies that audio arriving from the candidate's
// transport is delivered to the session input channel.
func TestConnection_Input(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if err := conn.Join("peer-2"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Retrieve the mock transport and push a frame into its audioIn side.
	conn.mu.RLock()
	mt := conn.candidate.transport.(*mockTransport)
	conn.mu.RUnlock()

	want := audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1}
	mt.audioIn <- want

	// Frame must arrive on the session input channel.
	select {
	case got := <-conn.Input():
		if string(got.Data) != string(want.Data) {
			t.Errorf("input frame data: got %v, want %v", got.Data, want.Data)
		}
		if got.SampleRate != want.SampleRate {
			t.Errorf("input frame SampleRate: got %d, want %d", got.SampleRate, want.SampleRate)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio frame on input channel")
	}
}

// TestConnection_InputSurvivesRejoin verifies that the input channel keeps
// delivering frames after the candidate drops and rejoins.
func TestConnection_InputSurvivesRejoin(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if err := conn.Join("peer-r"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := conn.Leave("peer-r"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := conn.Join("peer-r"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	conn.mu.RLock()
	mt := conn.candidate.transport.(*mockTransport)
	conn.mu.RUnlock()

	want := audio.AudioFrame{Data: []byte{9}, SampleRate: 48000, Channels: 1}
	mt.audioIn <- want

	select {
	case got := <-conn.Input():
		if string(got.Data) != string(want.Data) {
			t.Errorf("input frame data after rejoin: got %v, want %v", got.Data, want.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame after rejoin")
	}
}

// TestConnection_Output verifies that frames written to Output are forwarded
// to the connected candidate via its transport.
func TestConnection_Output(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if err := conn.Join("peer-3"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	conn.mu.RLock()
	mt := conn.candidate.transport.(*mockTransport)
	conn.mu.RUnlock()

	// Write an interviewer frame to the output channel.
	frame := audio.AudioFrame{Data: []byte{10, 20, 30, 40}, SampleRate: 48000, Channels: 2}
	conn.Output() <- frame

	// forwardOutput should deliver it to the mock transport.
	select {
	case got := <-mt.audioOut:
		if string(got.Data) != string(frame.Data) {
			t.Errorf("output frame data: got %v, want %v", got.Data, frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio frame in mock transport output")
	}
}

// TestConnection_OnPeerChange verifies that join and leave events are
// delivered to the registered callback.
func TestConnection_OnPeerChange(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	joins := make(chan audio.Event, 4)
	leaves := make(chan audio.Event, 4)

	conn.OnPeerChange(func(ev audio.Event) {
		switch ev.Type {
		case audio.EventJoin:
			joins <- ev
		case audio.EventLeave:
			leaves <- ev
		}
	})

	// Join must trigger a join event.
	if err := conn.Join("peer-4"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	ev := waitEvent(t, joins, time.Second)
	if ev.PeerID != "peer-4" {
		t.Errorf("join event PeerID: got %q, want %q", ev.PeerID, "peer-4")
	}
	if ev.Type != audio.EventJoin {
		t.Errorf("join event Type: got %v, want EventJoin", ev.Type)
	}

	// Leave must trigger a leave event.
	if err := conn.Leave("peer-4"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	ev = waitEvent(t, leaves, time.Second)
	if ev.PeerID != "peer-4" {
		t.Errorf("leave event PeerID: got %q, want %q", ev.PeerID, "peer-4")
	}
	if ev.Type != audio.EventLeave {
		t.Errorf("leave event Type: got %v, want EventLeave", ev.Type)
	}
}

// TestConnection_Disconnect verifies clean teardown and that subsequent
// Join/Leave calls return errors.
func TestConnection_Disconnect(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	if err := conn.Join("peer-5"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// After disconnect, Join must return an error.
	if err := conn.Join("peer-6"); err == nil {
		t.Error("Join after disconnect: expected error, got nil")
	}

	// After disconnect, Leave must return an error.
	if err := conn.Leave("peer-5"); err == nil {
		t.Error("Leave after disconnect: expected error, got nil")
	}

	// The input channel must be closed.
	select {
	case _, ok := <-conn.Input():
		if ok {
			t.Error("Input delivered a frame after disconnect; want closed channel")
		}
	case <-time.After(time.Second):
		t.Error("Input channel not closed after disconnect")
	}
}

// TestConnection_DisconnectIdempotent verifies that calling Disconnect multiple
// times is safe and always returns nil.
func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	for i := range 3 {
		if err := conn.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: %v", i, err)
		}
	}
}

// TestConnection_ConcurrentJoinLeave exercises Join/Leave from many goroutines
// simultaneously to detect data races (run with -race).
func TestConnection_ConcurrentJoinLeave(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	const workers = 20
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			peerID := fmt.Sprintf("concurrent-peer-%d", idx)
			if err := conn.Join(peerID); err != nil {
				return // session occupied by another goroutine; acceptable
			}
			// Small delay to interleave goroutines.
			time.Sleep(time.Millisecond)
			_ = conn.Leave(peerID)
		}(i)
	}
	wg.Wait()

	// All peers should have been removed, leaving the session free.
	if err := conn.Join("final-peer"); err != nil {
		t.Errorf("Join after concurrent ops: %v", err)
	}
}

// ─── OutputWriter tests ───────────────────────────────────────────────────────

// TestOutputWriter_SendBeforeDisconnect verifies that OutputWriter.Send
// successfully writes frames before the connection is disconnected.
func TestOutputWriter_SendBeforeDisconnect(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if err := conn.Join("ow-peer-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	conn.mu.RLock()
	mt := conn.candidate.transport.(*mockTransport)
	conn.mu.RUnlock()

	w := conn.OutputWriter()
	frame := audio.AudioFrame{Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}, SampleRate: 48000, Channels: 2}
	if ok := w.Send(frame); !ok {
		t.Fatal("Send returned false before disconnect")
	}

	// Frame should reach the mock transport via forwardOutput.
	select {
	case got := <-mt.audioOut:
		if string(got.Data) != string(frame.Data) {
			t.Errorf("output frame data: got %v, want %v", got.Data, frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame in mock transport output")
	}
}

// TestOutputWriter_SendAfterDisconnect verifies that OutputWriter.Send
// safely drops frames after Disconnect without panicking.
func TestOutputWriter_SendAfterDisconnect(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)

	w := conn.OutputWriter()

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// Must not panic.
	frame := audio.AudioFrame{Data: []byte{0xFF, 0x00}, SampleRate: 48000, Channels: 1}
	if ok := w.Send(frame); ok {
		t.Error("Send returned true after disconnect; want false (frame should be dropped)")
	}
}

// TestOutputWriter_NotNil verifies that OutputWriter returns a non-nil value.
func TestOutputWriter_NotNil(t *testing.T) {
	t.Parallel()

	conn := newTestConnection(t)
	defer func() { _ = conn.Disconnect() }()

	if conn.OutputWriter() == nil {
		t.Fatal("OutputWriter() returned nil")
	}
}

// ─── SignalingServer tests ────────────────────────────────────────────────────

// TestSignalingServer_Handler exercises all three HTTP endpoints of the
// signaling server and verifies correct status codes.
func TestSignalingServer_Handler(t *testing.T) {
	t.Parallel()

	// Fresh handler per sub-test so each starts with a clean session map.
	newHandler := func() http.Handler {
		return NewSignalingServer(New()).Handler()
	}

	t.Run("join_ok", func(t *testing.T) {
		t.Parallel()
		h := newHandler()
		body := jsonBody(t, joinRequest{PeerID: "p1", SDPOffer: "offer"})
		req := httptest.NewRequest(http.MethodPost, "/sessions/sig-session/join", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("join_ok: status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
		}
	})

	t.Run("join_missing_peer_id", func(t *testing.T) {
		t.Parallel()
		h := newHandler()
		body := jsonBody(t, joinRequest{SDPOffer: "offer"})
		req := httptest.NewRequest(http.MethodPost, "/sessions/nopeer-session/join", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("join_missing_peer_id: status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("join_occupied", func(t *testing.T) {
		t.Parallel()
		h := newHandler()

		// First join.
		b1 := jsonBody(t, joinRequest{PeerID: "first"})
		r1 := httptest.NewRequest(http.MethodPost, "/sessions/dup-session/join", b1)
		r1.Header.Set("Content-Type", "application/json")
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, r1)
		if w1.Code != http.StatusOK {
			t.Fatalf("first join failed: %d %s", w1.Code, w1.Body.String())
		}

		// Second join while occupied must return 409 Conflict.
		b2 := jsonBody(t, joinRequest{PeerID: "second"})
		r2 := httptest.NewRequest(http.MethodPost, "/sessions/dup-session/join", b2)
		r2.Header.Set("Content-Type", "application/json")
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, r2)
		if w2.Code != http.StatusConflict {
			t.Errorf("join_occupied: status = %d, want %d", w2.Code, http.StatusConflict)
		}
	})

	t.Run("ice_ok", func(t *testing.T) {
		t.Parallel()
		h := newHandler()

		// Join first.
		b1 := jsonBody(t, joinRequest{PeerID: "ice-peer"})
		r1 := httptest.NewRequest(http.MethodPost, "/sessions/ice-session/join", b1)
		r1.Header.Set("Content-Type", "application/json")
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, r1)
		if w1.Code != http.StatusOK {
			t.Fatalf("join for ice test: %d %s", w1.Code, w1.Body.String())
		}

		// Send ICE candidate.
		b2 := jsonBody(t, iceRequest{PeerID: "ice-peer", Candidate: "candidate:udp 1 192.168.1.1 12345 typ host"})
		r2 := httptest.NewRequest(http.MethodPost, "/sessions/ice-session/ice", b2)
		r2.Header.Set("Content-Type", "application/json")
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, r2)
		if w2.Code != http.StatusOK {
			t.Errorf("ice_ok: status = %d, want %d; body: %s", w2.Code, http.StatusOK, w2.Body.String())
		}
	})

	t.Run("ice_session_not_found", func(t *testing.T) {
		t.Parallel()
		h := newHandler()
		b := jsonBody(t, iceRequest{PeerID: "nobody", Candidate: "x"})
		req := httptest.NewRequest(http.MethodPost, "/sessions/ghost-session/ice", b)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("ice_session_not_found: status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("ice_peer_not_found", func(t *testing.T) {
		t.Parallel()
		h := newHandler()

		// Create the session by joining with a different peer.
		b1 := jsonBody(t, joinRequest{PeerID: "someone"})
		r1 := httptest.NewRequest(http.MethodPost, "/sessions/ice-peer-session/join", b1)
		r1.Header.Set("Content-Type", "application/json")
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, r1)
		if w1.Code != http.StatusOK {
			t.Fatalf("setup join: %d %s", w1.Code, w1.Body.String())
		}

		// ICE for unknown peer must return 404.
		b2 := jsonBody(t, iceRequest{PeerID: "ghost-peer", Candidate: "x"})
		r2 := httptest.NewRequest(http.MethodPost, "/sessions/ice-peer-session/ice", b2)
		r2.Header.Set("Content-Type", "application/json")
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, r2)
		if w2.Code != http.StatusNotFound {
			t.Errorf("ice_peer_not_found: status = %d, want %d", w2.Code, http.StatusNotFound)
		}
	})

	t.Run("leave_ok", func(t *testing.T) {
		t.Parallel()
		h := newHandler()

		// Join first.
		b1 := jsonBody(t, joinRequest{PeerID: "leave-peer"})
		r1 := httptest.NewRequest(http.MethodPost, "/sessions/leave-session/join", b1)
		r1.Header.Set("Content-Type", "application/json")
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, r1)
		if w1.Code != http.StatusOK {
			t.Fatalf("join for leave test: %d %s", w1.Code, w1.Body.String())
		}

		// Leave.
		b2 := jsonBody(t, leaveRequest{PeerID: "leave-peer"})
		r2 := httptest.NewRequest(http.MethodDelete, "/sessions/leave-session/leave", b2)
		r2.Header.Set("Content-Type", "application/json")
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, r2)
		if w2.Code != http.StatusOK {
			t.Errorf("leave_ok: status = %d, want %d; body: %s", w2.Code, http.StatusOK, w2.Body.String())
		}
	})

	t.Run("leave_session_not_found", func(t *testing.T) {
		t.Parallel()
		h := newHandler()
		b := jsonBody(t, leaveRequest{PeerID: "nobody"})
		req := httptest.NewRequest(http.MethodDelete, "/sessions/ghost-session/leave", b)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("leave_session_not_found: status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("leave_peer_not_found", func(t *testing.T) {
		t.Parallel()
		h := newHandler()

		// Create session.
		b1 := jsonBody(t, joinRequest{PeerID: "someone"})
		r1 := httptest.NewRequest(http.MethodPost, "/sessions/leave-peer-session/join", b1)
		r1.Header.Set("Content-Type", "application/json")
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, r1)
		if w1.Code != http.StatusOK {
			t.Fatalf("setup join: %d %s", w1.Code, w1.Body.String())
		}

		// Leave for unknown peer must return 404.
		b2 := jsonBody(t, leaveRequest{PeerID: "ghost-peer"})
		r2 := httptest.NewRequest(http.MethodDelete, "/sessions/leave-peer-session/leave", b2)
		r2.Header.Set("Content-Type", "application/json")
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, r2)
		if w2.Code != http.StatusNotFound {
			t.Errorf("leave_peer_not_found: status = %d, want %d", w2.Code, http.StatusNotFound)
		}
	})
}
