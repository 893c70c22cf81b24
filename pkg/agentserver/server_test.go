package agentserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

type mockSTT struct{ result string }

func (m *mockSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return m.result, nil
}
func (m *mockSTT) Name() string { return "mock-stt" }

type mockLLM struct {
	result string
	call   *orchestrator.ToolCall
}

func (m *mockLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, *orchestrator.ToolCall, error) {
	return m.result, m.call, nil
}

func (m *mockLLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onDelta func(string) error) (string, *orchestrator.ToolCall, error) {
	return orchestrator.StreamCompleteFallback(ctx, m, messages, onDelta)
}

func (m *mockLLM) Name() string { return "mock-llm" }

type mockTTS struct{ chunk []byte }

func (m *mockTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return m.chunk, nil
}
func (m *mockTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return onChunk(m.chunk)
}
func (m *mockTTS) Abort() error { return nil }
func (m *mockTTS) Name() string { return "mock-tts" }

type memStore struct {
	saved []orchestrator.Snapshot
}

func (s *memStore) SaveCall(snapshot orchestrator.Snapshot) error {
	s.saved = append(s.saved, snapshot)
	return nil
}

func testServer() (*Server, *memStore) {
	cfg := orchestrator.DefaultConfig()
	cfg.MinSpeechDurationMS = 20
	cfg.VADSilenceTimeoutMS = 20
	cfg.PacingFrameMS = 20

	orch := orchestrator.New(&mockSTT{result: "hello"}, &mockLLM{result: "hi there."}, &mockTTS{chunk: []byte{1, 2}}, cfg)
	store := &memStore{}
	return New(DefaultConfig(), orch, store, nil), store
}

func loudPCM(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i += 2 {
		if (i/2)%2 == 0 {
			buf[i], buf[i+1] = 0xff, 0x7f
		} else {
			buf[i], buf[i+1] = 0x00, 0x80
		}
	}
	return buf
}

// TestHandleWS_HangupEndsCallAndPersists drives one call end to end over a
// real WebSocket: connects, sends enough loud audio_data frames to trigger a
// turn, then sends hangup, and checks the call was persisted exactly once
// with status "disconnected" (a client-initiated hangup, not a completed
// tool call).
func TestHandleWS_HangupEndsCallAndPersists(t *testing.T) {
	srv, store := testServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/ws/test-session"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	sendAudio := func() {
		data, _ := json.Marshal(audioDataMessage{
			Type:   "audio_data",
			Audio:  base64.StdEncoding.EncodeToString(loudPCM(640)),
			Format: "pcm16k",
		})
		conn.Write(ctx, websocket.MessageText, data)
	}
	for i := 0; i < 3; i++ {
		sendAudio()
	}

	hangup, _ := json.Marshal(envelope{Type: "hangup"})
	conn.Write(ctx, websocket.MessageText, hangup)

	deadline := time.Now().Add(2 * time.Second)
	for len(store.saved) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one persisted call, got %d", len(store.saved))
	}
	snap := store.saved[0]
	if snap.SessionID != "test-session" {
		t.Errorf("unexpected session id %q", snap.SessionID)
	}
	if snap.Status != orchestrator.StatusDisconnected {
		t.Errorf("expected disconnected status on client hangup, got %v", snap.Status)
	}
	if snap.EndedAt.Before(snap.StartedAt) {
		t.Errorf("ended_at %v before started_at %v", snap.EndedAt, snap.StartedAt)
	}
}

// TestHandleWS_ToolEndCallUnblocksPumpsAndPersistsCompleted exercises the
// end_call tool path: the LLM's first completion returns a ToolCall naming
// end_call, which must terminate both pump goroutines (not just fail to
// respond to further reads) and persist status "completed".
func TestHandleWS_ToolEndCallUnblocksPumpsAndPersistsCompleted(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.MinSpeechDurationMS = 20
	cfg.VADSilenceTimeoutMS = 20
	cfg.PacingFrameMS = 20

	orch := orchestrator.New(
		&mockSTT{result: "goodbye"},
		&mockLLM{result: "Goodbye!", call: &orchestrator.ToolCall{Name: "end_call"}},
		&mockTTS{chunk: []byte{1}},
		cfg,
	)
	store := &memStore{}
	srv := New(DefaultConfig(), orch, store, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/ws/end-call-session"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	data, _ := json.Marshal(audioDataMessage{
		Type:   "audio_data",
		Audio:  base64.StdEncoding.EncodeToString(loudPCM(640)),
		Format: "pcm16k",
	})
	for i := 0; i < 3; i++ {
		conn.Write(ctx, websocket.MessageText, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(store.saved) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one persisted call after end_call, got %d", len(store.saved))
	}
	if store.saved[0].Status != orchestrator.StatusCompleted {
		t.Errorf("expected completed status from end_call tool, got %v", store.saved[0].Status)
	}
}

// TestHandleWS_UnsupportedAudioFormatIsIgnoredNotFatal checks that an
// audio_data message naming an unsupported format is logged and skipped
// rather than tearing down the connection, per the orchestrator's
// ErrUnsupportedAudioFormat disposition.
func TestHandleWS_UnsupportedAudioFormatIsIgnoredNotFatal(t *testing.T) {
	srv, _ := testServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/ws/bad-format-session"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	bad, _ := json.Marshal(audioDataMessage{
		Type:   "audio_data",
		Audio:  base64.StdEncoding.EncodeToString(loudPCM(640)),
		Format: "mulaw8k",
	})
	if err := conn.Write(ctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection must still be alive: a ping should succeed.
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		t.Errorf("expected connection to remain open after unsupported format, ping failed: %v", err)
	}
}
