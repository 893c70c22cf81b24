// Package agentserver hosts the conversational turn engine behind a
// WebSocket, the counterpart the relay dials per call (spec.md §4.5 step
// 2: "Open a WebSocket to the configured remote agent URL with path
// /<session_id>"). It also serves the HTTP admin surface (spec.md §6) over
// the same session registry, mirroring original_source's single
// MedicareAgent instance fronted by both api/websocket.py and api/http.py.
package agentserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

// CallStore persists a finished call's snapshot. Implemented by pkg/store.
type CallStore interface {
	SaveCall(snapshot orchestrator.Snapshot) error
}

// Config holds the agent server's tunables.
type Config struct {
	ListenAddr   string
	SystemPrompt string
}

// DefaultConfig matches the relay's DefaultConfig().AgentURL, which points
// at ":8081/ws".
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8081",
		SystemPrompt: "You are a friendly screening assistant for Nationwide Screening. Use short sentences suitable for speech.",
	}
}

// session is one entry in the registry: always a CallSession, plus a
// ManagedStream when the session is backed by a live WebSocket call rather
// than a headless text-message session.
type session struct {
	call   *orchestrator.CallSession
	stream *orchestrator.ManagedStream
}

// Server wires the turn engine to both the agent WebSocket and the HTTP
// admin surface, keyed by session_id the way original_source's
// agent_manager_instance dict keys every call by session_id regardless of
// which transport created it.
type Server struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	store  CallStore
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an agent server. logger may be nil to use slog.Default();
// store may be nil to skip persistence (tests, or a deployment that only
// wants the live turn engine).
func New(cfg Config, orch *orchestrator.Orchestrator, store CallStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		store:    store,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Router builds the chi mux serving both /ws/{session_id} and the admin
// routes of spec.md §6.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleHealth)
	r.Get("/ws/{session_id}", s.handleWS)
	r.Post("/api/text-message", s.handleTextMessage)
	r.Get("/api/patient-info/{session_id}", s.handlePatientInfo)
	r.Post("/api/end-call/{session_id}", s.handleEndCall)
	return r
}

// ListenAndServe starts the HTTP server hosting Router and shuts it down
// gracefully when ctx is cancelled, mirroring pkg/relay.Server's
// ctx-driven lifecycle.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("agent server listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "running",
		"message": "Nationwide Screening voice agent is active.",
	})
}

// getOrCreateSession returns the registered session for id, creating a
// fresh headless one (no ManagedStream) if none exists — the same
// lazy-creation behavior original_source's agent.process_message_streaming
// exhibits for a session_id it hasn't seen before.
func (s *Server) getOrCreateSession(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	call := s.orch.NewCallSessionWithDefaults(id, [16]byte{})
	s.orch.SetSystemPrompt(call.Conv, s.cfg.SystemPrompt)
	sess := &session{call: call}
	s.sessions[id] = sess
	return sess
}

func (s *Server) lookupSession(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// persist snapshots and saves call if s.store is configured; errors are
// logged, not returned, since teardown must proceed regardless (spec.md §7
// treats persistence as best-effort at the point the connection is already
// gone).
func (s *Server) persist(call *orchestrator.CallSession) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveCall(call.Snapshot()); err != nil {
		s.logger.Error("failed to persist call", "sessionID", call.SessionID, "error", err)
	}
}

// handleWS accepts the relay's WebSocket connection for one call, drives
// the turn engine, and bridges ManagedStream events to the agent WebSocket
// JSON protocol of spec.md §6 in both directions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	log := s.logger.With("sessionID", sessionID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := s.getOrCreateSession(sessionID)
	call := sess.call
	stream := s.orch.NewManagedStream(ctx, call)
	defer stream.Close()

	s.mu.Lock()
	sess.stream = stream
	s.mu.Unlock()

	var statusMu sync.Mutex
	finalStatus := orchestrator.StatusCompleted
	stream.OnEndCall(func(status orchestrator.CallStatus) {
		statusMu.Lock()
		finalStatus = status
		statusMu.Unlock()
		// A tool call ended the call from inside the turn engine, not from
		// a transport event; unblock both pumps the same way a transport
		// close would.
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpEventsToAgentWS(gctx, conn, stream) })
	g.Go(func() error { return s.pumpAgentWSToStream(gctx, conn, stream) })

	stream.Bootstrap()

	if err := g.Wait(); err != nil {
		log.Info("call ended", "reason", err)
		statusMu.Lock()
		if finalStatus == orchestrator.StatusCompleted {
			finalStatus = orchestrator.StatusDisconnected
		}
		statusMu.Unlock()
	} else {
		log.Info("call ended")
	}

	statusMu.Lock()
	status := finalStatus
	statusMu.Unlock()
	call.Finish(status)
	s.persist(call)
	s.removeSession(sessionID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// pumpEventsToAgentWS translates ManagedStream events into the outbound
// agent WebSocket messages of spec.md §6: TranscriptFinal -> "transcript",
// AudioChunk -> "audio_response", Interrupted -> "interrupt". It exits when
// the stream's event channel closes (Close was called) or ctx is
// cancelled.
func (s *Server) pumpEventsToAgentWS(ctx context.Context, conn *websocket.Conn, stream *orchestrator.ManagedStream) error {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case orchestrator.TranscriptFinal:
				text, _ := ev.Data.(string)
				if err := writeWSJSON(ctx, conn, transcriptMessage{Type: "transcript", Text: text}); err != nil {
					return err
				}
			case orchestrator.AudioChunk:
				chunk, _ := ev.Data.([]byte)
				stream.NotifyAudioPlayed()
				msg := audioResponseMessage{
					Type:       "audio_response",
					Audio:      base64.StdEncoding.EncodeToString(chunk),
					Format:     "pcm16k",
					SampleRate: 16000,
				}
				if err := writeWSJSON(ctx, conn, msg); err != nil {
					return err
				}
			case orchestrator.Interrupted:
				if err := writeWSJSON(ctx, conn, interruptMessage{Type: "interrupt"}); err != nil {
					return err
				}
			case orchestrator.ErrorEvent:
				s.logger.Warn("turn engine error", "sessionID", stream.Call().SessionID, "detail", ev.Data)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpAgentWSToStream receives the relay's inbound JSON messages and feeds
// the turn engine: audio_data -> stream.Write, hangup -> return so the
// caller tears the session down.
func (s *Server) pumpAgentWSToStream(ctx context.Context, conn *websocket.Conn, stream *orchestrator.ManagedStream) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed relay message", "error", err)
			continue
		}

		switch env.Type {
		case "audio_data":
			var msg audioDataMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("bad audio_data", "error", err)
				continue
			}
			if msg.Format != "pcm16k" {
				s.logger.Warn("unsupported audio format", "error", orchestrator.ErrUnsupportedAudioFormat, "format", msg.Format)
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn("bad audio_data base64", "error", err)
				continue
			}
			if err := stream.Write(raw); err != nil {
				s.logger.Warn("stream write failed", "error", err)
			}
		case "hangup":
			return orchestrator.ErrConnectionClosed
		}
	}
}

func writeWSJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// envelope, audioDataMessage, audioResponseMessage, transcriptMessage and
// interruptMessage mirror pkg/relay's message shapes exactly (spec.md §6 is
// one wire format shared by both ends of the WebSocket); duplicated here
// rather than imported so pkg/agentserver has no dependency on pkg/relay,
// which is purely a PBX-facing concern.
type envelope struct {
	Type string `json:"type"`
}

type audioDataMessage struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

type audioResponseMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type interruptMessage struct {
	Type string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
