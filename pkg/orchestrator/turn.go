package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// Tool names ApplyToolCall recognizes. toolEndCall and toolForwardToHuman
// end the call; toolUpdatePatientInfo merges facts into the call session.
const (
	toolUpdatePatientInfo = "update_patient_info"
	toolEndCall           = "end_call"
	toolForwardToHuman    = "forward_call_to_human"
)

// Turn drives one user utterance through LLM -> sentence segmentation ->
// TTS, racing completion of the LLM/TTS pipeline against an interruption
// signal exactly like original_source's agent_handler_task: producer and
// consumer run concurrently over a bounded sentence channel, and whichever
// of "producer finished" or "interrupted" happens first decides whether the
// remaining work is cancelled or allowed to drain.
type Turn struct {
	ms         *ManagedStream
	transcript string

	sentenceCh chan string
	errCh      chan error
}

func newTurn(ms *ManagedStream, transcript string) *Turn {
	return &Turn{
		ms:         ms,
		transcript: transcript,
		sentenceCh: make(chan string, 8),
		errCh:      make(chan error, 2),
	}
}

// Run executes the turn. ctx is the per-turn pipeline context; it is
// cancelled by the caller on interruption, which is the only signal this
// function needs to observe to implement the FIRST_COMPLETED race.
func (t *Turn) Run(ctx context.Context) {
	ms := t.ms

	ms.emit(BotThinking, nil)
	ms.mu.Lock()
	ms.isThinking = true
	ms.mu.Unlock()

	producerDone := make(chan struct{})
	consumerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		t.runProducer(ctx)
	}()
	go func() {
		defer close(consumerDone)
		t.runConsumer(ctx)
	}()

	select {
	case <-producerDone:
		// Producer finished normally (or errored/cancelled) — let the
		// consumer drain whatever sentences are already queued, then stop.
		close(t.sentenceCh)
		<-consumerDone
	case <-ctx.Done():
		// Interrupted: abandon both sides, don't wait for the consumer to
		// drain remaining sentences.
	}

	ms.mu.Lock()
	ms.isThinking = false
	ms.isSpeaking = false
	ms.mu.Unlock()
}

// runProducer drives the LLM incrementally: each token delta the provider
// emits is fed straight into the sentence segmenter as it arrives, so the
// consumer can start synthesizing and speaking the first sentence well
// before the model has finished generating the rest of the response. Once
// the stream completes, any tool call is applied and the segmenter's
// residual buffer is flushed.
func (t *Turn) runProducer(ctx context.Context) {
	ms := t.ms
	defer func() {
		recover() // keep a panic in the provider path from escaping the producer goroutine
	}()

	ms.orch.logger.Debug("turn started", "sessionID", ms.call.SessionID, "transcript", t.transcript)

	seg := NewSentenceSegmenter(ms.orch.GetConfig().SentenceMinWords)

	response, toolCall, err := ms.orch.GenerateResponseStream(ctx, ms.convSession(), func(delta string) error {
		sentence, ok := seg.AddToken(delta)
		if !ok {
			return nil
		}
		select {
		case t.sentenceCh <- sentence:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		if ctx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("LLM error: %v", err))
		}
		return
	}

	if toolCall != nil {
		t.applyToolCall(toolCall)
	}

	ms.emit(BotResponse, response)
	if ms.call != nil {
		ms.call.RecordTurn("agent", response)
	}

	if sentence, ok := seg.MarkFinal(); ok {
		select {
		case t.sentenceCh <- sentence:
		case <-ctx.Done():
		}
	}
}

// runConsumer synthesizes and emits audio for each sentence as it arrives,
// stopping as soon as sentenceCh is closed or ctx is cancelled.
func (t *Turn) runConsumer(ctx context.Context) {
	ms := t.ms
	first := true
	for {
		select {
		case sentence, ok := <-t.sentenceCh:
			if !ok {
				return
			}
			if first {
				ms.mu.Lock()
				ms.isThinking = false
				ms.isSpeaking = true
				ms.mu.Unlock()
				ms.emit(BotSpeaking, nil)
				first = false
			}
			err := ms.orch.SynthesizeStream(ctx, sentence, ms.call.Conv.GetCurrentVoice(), ms.call.Conv.GetCurrentLanguage(), func(chunk []byte) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				ms.emit(AudioChunk, chunk)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				ms.emit(ErrorEvent, fmt.Sprintf("TTS error: %v", err))
				// Stand in for the failed sentence with zero PCM at 16 kHz,
				// about 3 words per second, and go on to the next sentence.
				words := len(strings.Fields(sentence))
				ms.emit(AudioChunk, make([]byte, words*(16000/3)*2))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Turn) applyToolCall(tc *ToolCall) {
	ms := t.ms
	switch ApplyToolCall(ms.call, tc) {
	case StatusCompleted:
		ms.requestEndCall(StatusCompleted)
	case StatusDisconnected:
		ms.requestEndCall(StatusDisconnected)
	}
}

// ApplyToolCall commits a tool call's side effect to call and reports
// whether it ends the call: it returns StatusCompleted for end_call,
// StatusDisconnected for forward_call_to_human, and "" (StatusRunning is
// never returned) for anything else, including update_patient_info. Shared
// between the live turn engine and the headless text-message admin
// endpoint so both apply the same three tool names the same way.
func ApplyToolCall(call *CallSession, tc *ToolCall) CallStatus {
	if tc == nil {
		return ""
	}
	switch tc.Name {
	case toolUpdatePatientInfo:
		if call != nil {
			call.ApplyPatientUpdate(tc.Args)
		}
	case toolEndCall:
		return StatusCompleted
	case toolForwardToHuman:
		return StatusDisconnected
	}
	return ""
}

// splitKeepingSpace splits text into tokens that, concatenated, reconstruct
// the original string — each non-final token retains its trailing space so
// the segmenter's word-boundary logic sees the same text an incremental
// LLM token stream would produce.
func splitKeepingSpace(text string) []string {
	var tokens []string
	start := 0
	for i, r := range text {
		if r == ' ' {
			tokens = append(tokens, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}
