package agentserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

// textMessageRequest/Response mirror original_source's /api/text-message
// debugging endpoint, generalized to run a single headless turn through
// the blocking Orchestrator.GenerateResponse plus the same ApplyToolCall
// the live WebSocket turn engine uses, minus STT/TTS.
type textMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type textMessageResponse struct {
	SessionID     string                   `json:"session_id"`
	AgentResponse string                   `json:"agent_response"`
	PatientInfo   orchestrator.PatientInfo `json:"patient_info"`
}

// handleTextMessage runs one headless turn for a session, creating it if
// this is the first message for that session_id. No audio is produced;
// this exists for debugging and integration tests against the dialogue
// policy without a PBX leg (spec.md §6).
func (s *Server) handleTextMessage(w http.ResponseWriter, r *http.Request) {
	var req textMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = "text_default"
	}

	sess := s.getOrCreateSession(req.SessionID)
	call := sess.call

	call.RecordTurn("user", req.Message)

	response, toolCall, err := s.orch.GenerateResponse(r.Context(), call.Conv)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status := orchestrator.ApplyToolCall(call, toolCall); status != "" {
		call.Finish(status)
	}
	call.RecordTurn("agent", response)

	writeJSON(w, http.StatusOK, textMessageResponse{
		SessionID:     req.SessionID,
		AgentResponse: response,
		PatientInfo:   call.Patient,
	})
}

// handlePatientInfo returns the extracted-fact snapshot for a session.
func (s *Server) handlePatientInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.lookupSession(sessionID)
	if !ok {
		http.Error(w, orchestrator.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"patient_info": sess.call.Patient,
	})
}

// handleEndCall forces teardown of a live or headless session, recording
// it with status "completed", matching original_source's end_call_endpoint.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.lookupSession(sessionID)
	if !ok {
		http.Error(w, orchestrator.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	sess.call.Finish(orchestrator.StatusCompleted)
	if sess.stream != nil {
		sess.stream.Interrupt()
		sess.stream.Close()
	}
	s.persist(sess.call)
	s.removeSession(sessionID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"session_id": sessionID,
	})
}
