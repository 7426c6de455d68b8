package webrtc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// SignalingServer handles WebRTC signaling via HTTP endpoints.
// In production this would use WebSocket for real-time signaling;
// for the alpha, simple HTTP POST/DELETE endpoints suffice.
type SignalingServer struct {
	platform *Platform

	mu       sync.Mutex
	sessions map[string]*Connection
}

// NewSignalingServer creates a signaling server backed by the given platform.
func NewSignalingServer(platform *Platform) *SignalingServer {
	return &SignalingServer{
		platform: platform,
		sessions: make(map[string]*Connection),
	}
}

// Handler returns an http.Handler that serves the signaling endpoints:
//
//	POST   /sessions/{sessionID}/join    — candidate sends SDP offer, gets SDP answer
//	POST   /sessions/{sessionID}/ice     — candidate sends ICE candidate
//	DELETE /sessions/{sessionID}/leave   — candidate disconnects
func (s *SignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{sessionID}/join", s.handleJoin)
	mux.HandleFunc("POST /sessions/{sessionID}/ice", s.handleICE)
	mux.HandleFunc("DELETE /sessions/{sessionID}/leave", s.handleLeave)
	return mux
}

// joinRequest is the JSON body for the join endpoint.
type joinRequest struct {
	PeerID   string `json:"peer_id"`
	SDPOffer string `json:"sdp_offer"`
}

// joinResponse is the JSON body returned from the join endpoint.
type joinResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// handleJoin handles POST /sessions/{sessionID}/join.
// The candidate sends an SDP offer and receives a stub SDP answer.
func (s *SignalingServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.getOrCreateSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to create session: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err = conn.Join(req.PeerID); err != nil {
		http.Error(w, "failed to join: "+err.Error(), http.StatusConflict)
		return
	}

	// Retrieve the stub SDP answer from the transport.
	conn.mu.RLock()
	p := conn.candidate
	conn.mu.RUnlock()

	var answer string
	if p != nil {
		answer, _ = p.transport.CreateOffer(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(joinResponse{SDPAnswer: answer})
}

// iceRequest is the JSON body for the ICE candidate endpoint.
type iceRequest struct {
	PeerID    string `json:"peer_id"`
	Candidate string `json:"candidate"`
}

// handleICE handles POST /sessions/{sessionID}/ice.
func (s *SignalingServer) handleICE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conn, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn.mu.RLock()
	p := conn.candidate
	conn.mu.RUnlock()
	if p == nil || p.peerID != req.PeerID {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}

	if err := p.transport.AddICECandidate(req.Candidate); err != nil {
		http.Error(w, "failed to add ICE candidate: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// leaveRequest is the JSON body for the leave endpoint.
type leaveRequest struct {
	PeerID string `json:"peer_id"`
}

// handleLeave handles DELETE /sessions/{sessionID}/leave.
func (s *SignalingServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conn, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if err := conn.Leave(req.PeerID); err != nil {
		http.Error(w, "failed to leave: "+err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getOrCreateSession returns an existing Connection for sessionID, or creates
// one via the platform. Safe for concurrent use.
func (s *SignalingServer) getOrCreateSession(ctx context.Context, sessionID string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.sessions[sessionID]; ok {
		return conn, nil
	}

	raw, err := s.platform.Connect(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	conn := raw.(*Connection) //nolint:forcetypeassert // Platform.Connect always returns *Connection
	s.sessions[sessionID] = conn
	return conn, nil
}
