package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// ManagedStream drives one call's audio in, transcript/turn/audio-out
// pipeline. It owns the endpointing state machine, the per-turn LLM/TTS
// race (Turn), and the CallSession the turn engine reads and writes.
// Grounded on the teacher's ManagedStream for the concurrency/interrupt
// shape, generalized to the batch-STT, tool-call-aware turn flow
// original_source's websocket.py actually implements.
type ManagedStream struct {
	orch *Orchestrator
	call *CallSession

	ctx    context.Context
	cancel context.CancelFunc
	events chan OrchestratorEvent

	vad        VADProvider
	endpointer *Endpointer

	audioBuf *bytes.Buffer
	mu       sync.Mutex

	turnCancel context.CancelFunc

	isSpeaking bool
	isThinking bool

	userSpeechEndTime time.Time
	botSpeakStartTime time.Time
	lastAudioSentAt   time.Time

	sttStartTime      time.Time
	sttEndTime        time.Time
	llmStartTime      time.Time
	llmEndTime        time.Time
	ttsStartTime      time.Time
	ttsFirstChunkTime time.Time
	ttsEndTime        time.Time

	onEndCall func(status CallStatus)

	closeOnce sync.Once
}

// NewManagedStream creates a stream bound to call's lifetime, cloning the
// orchestrator's VAD (if any) so each call gets independent VAD state.
func NewManagedStream(ctx context.Context, o *Orchestrator, call *CallSession) *ManagedStream {
	mCtx, mCancel := context.WithCancel(ctx)

	var streamVAD VADProvider
	if o.vad != nil {
		streamVAD = o.vad.Clone()
	} else {
		streamVAD = NewEnergyVAD(o.config)
	}

	return &ManagedStream{
		orch:       o,
		call:       call,
		ctx:        mCtx,
		cancel:     mCancel,
		events:     make(chan OrchestratorEvent, 1024),
		audioBuf:   new(bytes.Buffer),
		vad:        streamVAD,
		endpointer: NewEndpointer(o.config, o.config.PacingFrameMS),
	}
}

func (ms *ManagedStream) convSession() *ConversationSession {
	return ms.call.Conv
}

// Call returns the session this stream is driving.
func (ms *ManagedStream) Call() *CallSession {
	return ms.call
}

// Bootstrap submits an empty transcript to the turn engine to elicit the
// greeting utterance, matching the relay's "immediately after WebSocket
// handshake" bootstrap step (spec.md §4.5.4). It must be called at most
// once, before any Write.
func (ms *ManagedStream) Bootstrap() {
	go ms.runTurn("")
}

// OnEndCall registers a callback invoked when an end_call or
// forward_call_to_human tool call asks the turn engine to end the call.
// pkg/agentserver uses this to tear down the agent WebSocket session.
func (ms *ManagedStream) OnEndCall(fn func(status CallStatus)) {
	ms.mu.Lock()
	ms.onEndCall = fn
	ms.mu.Unlock()
}

func (ms *ManagedStream) requestEndCall(status CallStatus) {
	ms.mu.Lock()
	fn := ms.onEndCall
	ms.mu.Unlock()
	ms.call.Finish(status)
	if fn != nil {
		fn(status)
	}
}

// IsUserSpeaking reports the endpointer's current phase.
func (ms *ManagedStream) IsUserSpeaking() bool {
	return ms.endpointer.State() == EndpointSpeaking
}

// Interrupt immediately stops the bot from speaking, e.g. on an explicit
// external signal (admin API, test harness) rather than detected barge-in.
func (ms *ManagedStream) Interrupt() {
	ms.interruptTurn()
}

// Write feeds one fixed-size PCM16 chunk (the relay's VAD frame size) into
// the endpointing/barge-in pipeline. It accumulates speech into an
// utterance buffer and, once silence confirms end-of-speech, hands the
// utterance off to runTurn.
func (ms *ManagedStream) Write(chunk []byte) error {
	if ms.vad == nil {
		return fmt.Errorf("VAD not configured for this stream")
	}

	event, err := ms.vad.Process(chunk)
	if err != nil {
		return err
	}
	isSpeech := false
	if sp, ok := ms.vad.(interface{ LastSpeech() bool }); ok {
		isSpeech = sp.LastSpeech()
	} else if sp, ok := ms.vad.(interface{ IsSpeaking() bool }); ok {
		isSpeech = sp.IsSpeaking()
	} else if event != nil {
		isSpeech = event.Type == VADSpeechStart
	}

	ms.mu.Lock()
	botSpeaking := ms.isSpeaking
	ms.mu.Unlock()

	result := ms.endpointer.Process(isSpeech, botSpeaking)

	if result.Bargein {
		ms.emit(UserSpeaking, nil)
		ms.interruptTurn()
	}

	switch {
	case result.TurnStarted:
		ms.mu.Lock()
		ms.audioBuf.Reset()
		ms.mu.Unlock()
		if !botSpeaking {
			ms.emit(UserSpeaking, nil)
		}
	case result.TurnFinal:
		ms.mu.Lock()
		data := make([]byte, ms.audioBuf.Len())
		copy(data, ms.audioBuf.Bytes())
		ms.audioBuf.Reset()
		ms.userSpeechEndTime = time.Now()
		ms.mu.Unlock()
		ms.endpointer.Reset()
		ms.emit(UserStopped, nil)
		go ms.runBatchPipeline(data)
	}

	if ms.endpointer.State() == EndpointSpeaking {
		ms.mu.Lock()
		ms.audioBuf.Write(chunk)
		ms.mu.Unlock()
	}

	return nil
}

// runBatchPipeline transcribes a finalized utterance and, if it produced
// real text, hands it to runTurn.
func (ms *ManagedStream) runBatchPipeline(audioData []byte) {
	ctx, cancel := context.WithCancel(ms.ctx)
	defer cancel()

	ms.mu.Lock()
	ms.sttStartTime = time.Now()
	ms.mu.Unlock()

	ms.emit(BotThinking, nil)

	transcript, err := ms.orch.Transcribe(ctx, audioData, ms.convSession().GetCurrentLanguage())
	ms.mu.Lock()
	ms.sttEndTime = time.Now()
	ms.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		return
	}
	if transcript == "" {
		return
	}

	ms.emit(TranscriptFinal, transcript)
	ms.call.RecordTurn("user", transcript)

	ms.runTurn(transcript)
}

// runTurn starts a fresh, independently cancellable Turn for transcript and
// blocks until it finishes or is interrupted.
func (ms *ManagedStream) runTurn(transcript string) {
	turnCtx, turnCancel := context.WithCancel(ms.ctx)

	ms.mu.Lock()
	if ms.turnCancel != nil {
		ms.turnCancel()
	}
	ms.turnCancel = turnCancel
	ms.mu.Unlock()
	defer turnCancel()

	ms.endpointer.ArmBargein()
	defer ms.endpointer.DisarmBargein()

	ms.mu.Lock()
	ms.llmStartTime = time.Now()
	ms.botSpeakStartTime = time.Time{}
	ms.mu.Unlock()

	newTurn(ms, transcript).Run(turnCtx)

	ms.mu.Lock()
	ms.llmEndTime = time.Now()
	if ms.turnCancel != nil {
		ms.turnCancel = nil
	}
	ms.mu.Unlock()

	ms.emit(TurnComplete, nil)
}

// interruptTurn cancels the in-flight turn, if any, and emits Interrupted.
func (ms *ManagedStream) interruptTurn() {
	ms.mu.Lock()
	cancel := ms.turnCancel
	ms.turnCancel = nil
	hadState := cancel != nil || ms.isSpeaking || ms.isThinking
	ms.isSpeaking = false
	ms.isThinking = false
	ms.mu.Unlock()

	if !hadState {
		return
	}
	if cancel != nil {
		cancel()
	}
	ms.drainAudioChunks()
	ms.emit(Interrupted, nil)
}

// NotifyAudioPlayed records the time an audio chunk is handed to the
// transport (pkg/agentserver calls it as it sends an audio_response), used
// for end-to-end latency measurement.
func (ms *ManagedStream) NotifyAudioPlayed() {
	ms.mu.Lock()
	ms.lastAudioSentAt = time.Now()
	if ms.ttsFirstChunkTime.IsZero() {
		ms.ttsFirstChunkTime = ms.lastAudioSentAt
	}
	ms.mu.Unlock()
}

// GetLatency returns milliseconds from end-of-user-speech to bot-speaking.
func (ms *ManagedStream) GetLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.userSpeechEndTime.IsZero() || ms.botSpeakStartTime.IsZero() {
		return 0
	}
	if ms.botSpeakStartTime.Before(ms.userSpeechEndTime) {
		return 0
	}
	return ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
}

// LatencyBreakdown holds per-stage timings (all values in milliseconds).
type LatencyBreakdown struct {
	UserToSTT          int64
	STT                int64
	UserToLLM          int64
	LLM                int64
	UserToTTSFirstByte int64
	LLMToTTSFirstByte  int64
	TTSTotal           int64
	UserToPlay         int64
}

// GetLatencyBreakdown returns measured timings for STT, LLM and TTS stages
// of the most recently completed turn.
func (ms *ManagedStream) GetLatencyBreakdown() LatencyBreakdown {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var bd LatencyBreakdown
	if ms.userSpeechEndTime.IsZero() {
		return bd
	}
	if !ms.sttEndTime.IsZero() {
		bd.UserToSTT = ms.sttEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.sttStartTime.IsZero() && !ms.sttEndTime.IsZero() {
		bd.STT = ms.sttEndTime.Sub(ms.sttStartTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() {
		bd.UserToLLM = ms.llmEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmStartTime.IsZero() && !ms.llmEndTime.IsZero() {
		bd.LLM = ms.llmEndTime.Sub(ms.llmStartTime).Milliseconds()
	}
	if !ms.ttsFirstChunkTime.IsZero() {
		bd.UserToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() && !ms.ttsFirstChunkTime.IsZero() {
		bd.LLMToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.llmEndTime).Milliseconds()
	}
	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		bd.TTSTotal = ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()
	}
	if !ms.lastAudioSentAt.IsZero() {
		bd.UserToPlay = ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	return bd
}

// Events returns the stream's event channel. Closed by Close.
func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

// Close tears the stream down, idempotently.
func (ms *ManagedStream) Close() {
	ms.closeOnce.Do(func() {
		ms.interruptTurn()

		ms.mu.Lock()
		ms.audioBuf.Reset()
		ms.mu.Unlock()

		ms.cancel()
		time.Sleep(10 * time.Millisecond)
		close(ms.events)
	})
}

func (ms *ManagedStream) emit(eventType EventType, data interface{}) {
	select {
	case <-ms.ctx.Done():
		return
	default:
	}

	if eventType == BotSpeaking {
		ms.mu.Lock()
		ms.isSpeaking = true
		if ms.botSpeakStartTime.IsZero() {
			ms.botSpeakStartTime = time.Now()
			ms.ttsStartTime = ms.botSpeakStartTime
		}
		ms.mu.Unlock()
	}
	if eventType == TurnComplete || eventType == Interrupted {
		ms.mu.Lock()
		if !ms.ttsStartTime.IsZero() {
			ms.ttsEndTime = time.Now()
		}
		ms.mu.Unlock()
	}

	if eventType == AudioChunk {
		ms.mu.Lock()
		speaking := ms.isSpeaking
		ms.lastAudioSentAt = time.Now()
		if ms.ttsFirstChunkTime.IsZero() {
			ms.ttsFirstChunkTime = ms.lastAudioSentAt
		}
		ms.mu.Unlock()
		if !speaking {
			return
		}
	}

	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.call.SessionID,
		Data:      data,
	}

	defer func() {
		recover()
	}()

	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	}
}

func (ms *ManagedStream) drainAudioChunks() {
	deadline := time.Now().Add(100 * time.Millisecond)
	var controlEvents []OrchestratorEvent

	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			goto DrainDone
		}
		if time.Now().After(deadline) {
			goto DrainDone
		}
	}

DrainDone:
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
		}
	}
}
