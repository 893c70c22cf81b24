package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestManagedStream_UserSpeakingEmitted(t *testing.T) {
	orch := New(&MockSTTProvider{transcribeResult: "hi"}, &MockLLMProvider{completeResult: "hello."}, &MockTTSProvider{synthesizeResult: []byte{1, 2, 3}}, DefaultConfig())
	call := newTestCallSession("test")

	stream := orch.NewManagedStream(context.Background(), call)
	defer stream.Close()

	loud := loudPCMChunk(640)
	for i := 0; i < 5; i++ {
		if err := stream.Write(loud); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-stream.Events():
		if ev.Type != UserSpeaking {
			t.Errorf("expected USER_SPEAKING, got %v", ev.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timed out waiting for USER_SPEAKING")
	}
}

func TestManagedStream_FullTurnEmitsBotResponseAndAudio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechDurationMS = 20
	cfg.VADSilenceTimeoutMS = 20
	cfg.PacingFrameMS = 20

	orch := New(&MockSTTProvider{transcribeResult: "what time is it"}, &MockLLMProvider{completeResult: "It's noon."}, &MockTTSProvider{synthesizeResult: []byte{9, 9}}, cfg)
	call := newTestCallSession("test")
	stream := orch.NewManagedStream(context.Background(), call)
	defer stream.Close()

	loud := loudPCMChunk(640)
	silent := make([]byte, 640)

	for i := 0; i < 3; i++ {
		stream.Write(loud)
	}
	for i := 0; i < 3; i++ {
		stream.Write(silent)
	}

	seen := map[EventType]bool{}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-stream.Events():
			seen[ev.Type] = true
			if seen[TranscriptFinal] && seen[BotResponse] && seen[TurnComplete] {
				return
			}
		case <-deadline:
			t.Fatalf("timed out, saw events: %v", seen)
		}
	}
}

func TestManagedStream_BargeinInterruptsTurn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechDurationMS = 20
	cfg.VADSilenceTimeoutMS = 20
	cfg.PacingFrameMS = 20
	cfg.MinBargeinSpeechChunks = 2

	tts := &slowTTS{delay: 200 * time.Millisecond}
	orch := New(&MockSTTProvider{transcribeResult: "hello"}, &MockLLMProvider{completeResult: "a long response that takes a while to speak."}, tts, cfg)
	call := newTestCallSession("test")
	stream := orch.NewManagedStream(context.Background(), call)
	defer stream.Close()

	loud := loudPCMChunk(640)
	silent := make([]byte, 640)
	for i := 0; i < 3; i++ {
		stream.Write(loud)
	}
	for i := 0; i < 3; i++ {
		stream.Write(silent)
	}

	// Wait for the bot to start speaking, then barge in.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-stream.Events():
			if ev.Type == BotSpeaking {
				goto speaking
			}
		case <-deadline:
			t.Fatal("timed out waiting for BotSpeaking")
		}
	}
speaking:
	for i := 0; i < 3; i++ {
		stream.Write(loud)
	}

	deadline = time.After(2 * time.Second)
	for {
		select {
		case ev := <-stream.Events():
			if ev.Type == Interrupted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for Interrupted")
		}
	}
}

// slowTTS streams chunks slowly so a barge-in has time to land mid-turn.
type slowTTS struct {
	delay time.Duration
}

func (s *slowTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return []byte{1}, nil
}

func (s *slowTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay / 10):
		}
		if err := onChunk([]byte{byte(i)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *slowTTS) Name() string { return "slow-tts" }
